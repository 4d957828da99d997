// Package inprocess is a transport for targets running in the driver's own process.
package inprocess

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

var ErrClosed = errors.New("in-process transport closed")

// Addr is the address reported by every in-process transport.
const Addr = "inprocess"

type Transport struct {
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func New() *Transport {
	return &Transport{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// Dial connects a target to the driver and returns the target's end of the channel.
func (t *Transport) Dial(ctx context.Context) (net.Conn, error) {
	driverSide, targetSide := net.Pipe()
	select {
	case t.conns <- driverSide:
		return targetSide, nil
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Open returns the driver's end of the next dialed channel.
func (t *Transport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case conn := <-t.conns:
		return conn, nil
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Addr() string { return Addr }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
