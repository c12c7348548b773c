// Package rcon implements the remote-console connection used to administer
// a game server: a framed request/response transport per game profile, and
// a Connection that adds timeouts, retries, rate limiting, response
// correlation and a health state machine on top of it.
package rcon

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

var (
	// ErrTransportTimeout is returned when a response did not arrive in time.
	ErrTransportTimeout = errors.New("rcon: transport timeout")
	// ErrRefused is returned when the server rejected the connection or the password.
	ErrRefused = errors.New("rcon: refused")
	// ErrMalformedResponse is returned for a response that cannot be decoded.
	ErrMalformedResponse = errors.New("rcon: malformed response")
	// ErrConnectionLost is returned once the retry budget is exhausted, and by
	// Send while the connection is disconnected.
	ErrConnectionLost = errors.New("rcon: connection lost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rcon: connection closed")
	// ErrUnknownProfile is returned by Lookup for an unregistered profile.
	ErrUnknownProfile = errors.New("rcon: unknown profile")
)

// classify maps a low-level I/O error onto the rcon error taxonomy.
// Errors that are neither timeouts nor refusals are returned unchanged and
// treated by Connection as a broken transport.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrRefused) || errors.Is(err, ErrMalformedResponse) {
		return err
	}
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Join(ErrTransportTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrTransportTimeout, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return errors.Join(ErrRefused, err)
	}
	return err
}
