// Package transport defines where the driver gets the byte channel to a target application from.
package transport

import (
	"context"
	"io"
)

// Transport yields duplex byte channels to target applications.
type Transport interface {
	// Open returns the next channel to a target, blocking until one is available or ctx ends.
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	// Addr is what a target needs to reach this transport, if anything.
	Addr() string
	Close() error
}
