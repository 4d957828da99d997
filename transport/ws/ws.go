// Package ws is a transport that reaches a target through a WebSocket, typically one
// bridged by a remote agent to the target's TCP connection.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Dialer struct {
	URL        string
	HTTPClient *http.Client
	Log        *zap.SugaredLogger

	// ctx bounds the lifetime of every connection opened by the dialer.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDialer(url string, httpClient *http.Client, log *zap.SugaredLogger) *Dialer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dialer{
		URL:        url,
		HTTPClient: httpClient,
		Log:        log.Named("ws_transport"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Open dials the WebSocket and returns it as a byte stream of binary messages.
func (d *Dialer) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	d.Log.Debugw("dialing WebSocket", "URL", d.URL)
	wsConn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	return websocket.NetConn(d.ctx, wsConn, websocket.MessageBinary), nil
}

func (d *Dialer) Addr() string { return d.URL }

// Close ends every connection the dialer opened.
func (d *Dialer) Close() error {
	d.cancel()
	return nil
}
