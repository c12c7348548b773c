package rcon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorcon/rcon"
)

// sourceAuthSeq is the packet id used for the authentication exchange.
const sourceAuthSeq int32 = 0x7fff0000

// sourceSentinelBit turns a request id into the id of the empty packet
// written after it. Request ids stay below 1<<31, so the two never match.
const sourceSentinelBit int32 = 0x40000000

// sourceTransport speaks the Source-engine RCON protocol over TCP. Packet
// framing is delegated to gorcon's Packet codec.
//
// Long responses arrive split over several packets sharing the request id.
// Each command is followed by an empty SERVERDATA_RESPONSE_VALUE packet;
// the server mirrors it once the command's output is complete, which ends
// the response.
type sourceTransport struct {
	conn net.Conn

	mu       sync.Mutex
	closed   bool
	waiting  bool
	pending  int32
	sentinel int32
	body     strings.Builder
}

// DialSource opens and authenticates a Source RCON session.
func DialSource(ctx context.Context, address, password string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classify(ctx, err)
	}

	t := &sourceTransport{conn: conn}
	if err := t.authenticate(ctx, password); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *sourceTransport) authenticate(ctx context.Context, password string) error {
	if err := t.writePacket(ctx, rcon.NewPacket(rcon.SERVERDATA_AUTH, sourceAuthSeq, password)); err != nil {
		return err
	}

	// The server may precede the auth response with an empty
	// SERVERDATA_RESPONSE_VALUE packet.
	for {
		p, err := t.readPacket(ctx)
		if err != nil {
			return err
		}
		if p.Type != rcon.SERVERDATA_AUTH_RESPONSE {
			continue
		}
		if p.ID == -1 {
			return fmt.Errorf("%w: bad password", ErrRefused)
		}
		if p.ID != sourceAuthSeq {
			return fmt.Errorf("%w: auth response id %d", ErrMalformedResponse, p.ID)
		}
		return nil
	}
}

func (t *sourceTransport) Write(ctx context.Context, f Frame) error {
	id := int32(f.Seq)
	sentinel := id ^ sourceSentinelBit

	t.mu.Lock()
	t.waiting = true
	t.pending = id
	t.sentinel = sentinel
	t.body.Reset()
	t.mu.Unlock()

	if err := t.writePacket(ctx, rcon.NewPacket(rcon.SERVERDATA_EXECCOMMAND, id, f.Body)); err != nil {
		return err
	}
	return t.writePacket(ctx, rcon.NewPacket(rcon.SERVERDATA_RESPONSE_VALUE, sentinel, ""))
}

// Read returns the joined response to the last written command. Packets
// carrying any other id are returned as they are, so the caller can
// discard them as stale.
func (t *sourceTransport) Read(ctx context.Context) (Frame, error) {
	for {
		p, err := t.readPacket(ctx)
		if err != nil {
			return Frame{}, err
		}
		if p.Type != rcon.SERVERDATA_RESPONSE_VALUE {
			continue
		}

		t.mu.Lock()
		switch {
		case t.waiting && p.ID == t.pending:
			t.body.WriteString(p.Body())
			t.mu.Unlock()
		case t.waiting && p.ID == t.sentinel:
			f := Frame{Seq: uint32(t.pending), Body: t.body.String()}
			t.body.Reset()
			t.waiting = false
			t.mu.Unlock()
			return f, nil
		default:
			t.mu.Unlock()
			return Frame{Seq: uint32(p.ID), Body: p.Body()}, nil
		}
	}
}

func (t *sourceTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *sourceTransport) writePacket(ctx context.Context, p *rcon.Packet) error {
	stop := t.bind(ctx)
	defer stop()

	if _, err := p.WriteTo(t.conn); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (t *sourceTransport) readPacket(ctx context.Context) (*rcon.Packet, error) {
	stop := t.bind(ctx)
	defer stop()

	p := new(rcon.Packet)
	if _, err := p.ReadFrom(t.conn); err != nil {
		if isIOError(err) {
			return nil, classify(ctx, err)
		}
		return nil, errors.Join(ErrMalformedResponse, err)
	}
	return p, nil
}

// bind applies the context deadline to the socket and interrupts pending
// I/O when ctx is cancelled.
func (t *sourceTransport) bind(ctx context.Context) func() {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	t.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

func isIOError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
