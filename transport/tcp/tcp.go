// Package tcp is a transport where target applications dial the driver over TCP.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
)

type Listener struct {
	ln net.Listener
}

// Listen listens on addr. Use port 0 for an ephemeral port; Addr reports the bound address.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Open accepts the next inbound connection.
func (l *Listener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- acceptResult{conn: conn, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accepting connection: %w", res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// a connection accepted after we gave up has no owner
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
