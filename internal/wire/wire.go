// Package wire implements the framed, NUL-delimited JSON codec shared by
// the skiff server and client control connections.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	json "github.com/goccy/go-json"
)

// ControlPort is the fixed TCP port the server listens on for both control
// and data connections. It is not configurable.
const ControlPort = 7835

// MaxFrameSize is the largest frame (not counting the NUL terminator) the
// codec will accept before giving up and closing the connection.
const MaxFrameSize = 256

// InitialReadTimeout bounds the very first message read on any freshly
// opened connection, before the peer has proven itself responsive.
const InitialReadTimeout = 3 * time.Second

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize without a
// terminator.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrTimeout is returned by ReadFrameTimeout (and so by RecvClientTimeout
// and RecvServerTimeout) when no complete frame arrives in time.
var ErrTimeout = errors.New("wire: timed out waiting for frame")

// Conn wraps a net.Conn with NUL-delimited framing and read buffering that
// survives across frame boundaries.
type Conn struct {
	nc net.Conn
	br *bufio.Reader
}

// NewConn wraps an established net.Conn for framed reads and writes.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, br: bufio.NewReaderSize(nc, MaxFrameSize*2)}
}

// Raw returns the underlying connection, e.g. to hand off to a splicer.
func (c *Conn) Raw() net.Conn { return c.nc }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Buffered returns and clears any bytes already read past the most recent
// frame's terminator. Callers that pipeline payload immediately after a
// control message (e.g. a visitor's first bytes riding along with Accept)
// must flush this before treating the connection as a raw byte stream.
func (c *Conn) Buffered() []byte {
	n := c.br.Buffered()
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	_, _ = io.ReadFull(c.br, b)
	return b
}

// WriteFrame marshals v to JSON and writes it followed by a NUL terminator.
func (c *Conn) WriteFrame(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	payload = append(payload, 0)
	_, err = c.nc.Write(payload)
	return err
}

// ReadFrame reads bytes up to and including the next NUL terminator and
// returns the payload with the terminator stripped. It reads one byte at a
// time and fails with ErrFrameTooLarge the instant the running total
// exceeds MaxFrameSize, rather than accumulating an unbounded buffer and
// checking only once the terminator (or EOF, or a deadline) is hit. A peer
// that never sends a NUL and never stops sending bytes must not be able to
// grow this buffer without limit.
func (c *Conn) ReadFrame() ([]byte, error) {
	buf := make([]byte, 0, MaxFrameSize)
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return buf, nil
		}
		buf = append(buf, b)
		if len(buf) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
	}
}

// ReadFrameTimeout is ReadFrame with a deadline applied only to this read;
// the deadline is cleared before returning on success.
func (c *Conn) ReadFrameTimeout(d time.Duration) ([]byte, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	frame, err := c.ReadFrame()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			_ = c.nc.SetReadDeadline(time.Time{})
			return nil, ErrTimeout
		}
		return nil, err
	}
	if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return frame, nil
}
