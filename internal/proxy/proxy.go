// Package proxy implements the bidirectional byte-for-byte splice between
// a visitor connection and a client data connection.
package proxy

import (
	"io"
)

// Splice copies bytes in both directions between a and b until the first
// direction completes (EOF or error), then returns. The other direction is
// abandoned; closing both streams is the caller's responsibility.
//
// First-to-complete, not wait-for-both: many peers treat either direction
// closing as end-of-session, and holding the stalled half open leaks a
// goroutine and a socket per idle visitor.
func Splice(a, b io.ReadWriter) error {
	return SpliceCounted(a, b, nil)
}

// SpliceCounted is Splice with an optional callback invoked with the
// number of bytes copied each time either direction's io.Copy completes.
// onBytes may be nil.
func SpliceCounted(a, b io.ReadWriter, onBytes func(int64)) error {
	errc := make(chan error, 2)

	go func() {
		n, err := io.Copy(b, a)
		if onBytes != nil {
			onBytes(n)
		}
		errc <- err
	}()
	go func() {
		n, err := io.Copy(a, b)
		if onBytes != nil {
			onBytes(n)
		}
		errc <- err
	}()

	return <-errc
}
