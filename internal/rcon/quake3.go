package rcon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

var (
	quake3Header = []byte("\xff\xff\xff\xff")
	quake3Print  = []byte("\xff\xff\xff\xffprint\n")
)

const (
	quake3MaxDatagram = 65507
	// Responses larger than one datagram arrive as consecutive print packets.
	quake3FollowUp   = 50 * time.Millisecond
	quake3DrainLimit = 32
)

// quake3Transport speaks the connectionless Quake 3 RCON protocol over UDP.
// The protocol carries no request id, so every response is attributed to
// the most recent request.
type quake3Transport struct {
	conn     *net.UDPConn
	password string

	mu      sync.Mutex
	lastSeq uint32
	closed  bool
}

// DialQuake3 opens a UDP socket to a Quake 3 derived server. The password
// is only verified when the first command is answered.
func DialQuake3(ctx context.Context, address, password string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, classify(ctx, err)
	}
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dial %s: unexpected connection type %T", address, conn)
	}
	return &quake3Transport{conn: udp, password: password}, nil
}

func (t *quake3Transport) Write(ctx context.Context, f Frame) error {
	t.drain()

	t.mu.Lock()
	t.lastSeq = f.Seq
	t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	payload := append(append([]byte{}, quake3Header...), "rcon "+t.password+" "+f.Body...)
	if _, err := t.conn.Write(payload); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (t *quake3Transport) Read(ctx context.Context) (Frame, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	t.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, quake3MaxDatagram)
	n, err := t.conn.Read(buf)
	if err != nil {
		return Frame{}, classify(ctx, err)
	}
	body, err := quake3Body(buf[:n])
	if err != nil {
		return Frame{}, err
	}

	var sb strings.Builder
	sb.WriteString(body)
	for {
		t.conn.SetReadDeadline(time.Now().Add(quake3FollowUp))
		n, err := t.conn.Read(buf)
		if err != nil {
			break
		}
		more, err := quake3Body(buf[:n])
		if err != nil {
			break
		}
		sb.WriteString(more)
	}

	text := sb.String()
	if isQuake3Refusal(text) {
		return Frame{}, fmt.Errorf("%w: %s", ErrRefused, strings.TrimSpace(text))
	}

	t.mu.Lock()
	seq := t.lastSeq
	t.mu.Unlock()
	return Frame{Seq: seq, Body: text}, nil
}

func (t *quake3Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// drain discards datagrams left over from an earlier, abandoned request.
func (t *quake3Transport) drain() {
	buf := make([]byte, quake3MaxDatagram)
	for i := 0; i < quake3DrainLimit; i++ {
		t.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		if _, err := t.conn.Read(buf); err != nil {
			return
		}
	}
}

func quake3Body(datagram []byte) (string, error) {
	if !bytes.HasPrefix(datagram, quake3Print) {
		if bytes.HasPrefix(datagram, quake3Header) {
			return "", fmt.Errorf("%w: unexpected packet %q", ErrMalformedResponse, firstLine(datagram[len(quake3Header):]))
		}
		return "", errors.Join(ErrMalformedResponse, errors.New("missing connectionless header"))
	}
	return string(datagram[len(quake3Print):]), nil
}

func isQuake3Refusal(text string) bool {
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "bad rcon") ||
		strings.HasPrefix(lower, "invalid password") ||
		strings.HasPrefix(lower, "no rconpassword set")
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
