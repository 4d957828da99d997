// Package inprocess launches a target.Runtime inside the driver's process, connected
// through an in-process transport.
package inprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/target"
	inprocesstransport "github.com/guseggert/appdriver/transport/inprocess"
)

type Launcher struct {
	Transport *inprocesstransport.Transport
	Runtime   *target.Runtime
}

type proc struct {
	cancel context.CancelFunc
	exited chan struct{}
	result *launcher.Result
	err    error
}

// Launch serves the runtime in a goroutine. The process "exits" when Serve returns.
func (l *Launcher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Process, error) {
	if spec.BundleID != "" && spec.BundleID != l.Runtime.BundleID() {
		return nil, fmt.Errorf("runtime serves %q, not %q", l.Runtime.BundleID(), spec.BundleID)
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	p := &proc{cancel: cancel, exited: make(chan struct{})}
	start := time.Now()
	// The dial completes once the driver opens the transport.
	go func() {
		defer close(p.exited)
		err := l.serve(serveCtx)
		p.result = &launcher.Result{TimeMS: time.Since(start).Milliseconds()}
		if err != nil {
			p.result.ExitCode = 1
			p.err = err
		}
	}()
	return p, nil
}

func (l *Launcher) serve(ctx context.Context) error {
	conn, err := l.Transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing in-process transport: %w", err)
	}
	return l.Runtime.Serve(ctx, conn)
}

func (p *proc) Wait(ctx context.Context) (*launcher.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		return p.result, p.err
	}
}

func (p *proc) Terminate(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
