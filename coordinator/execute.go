// Package coordinator maps block execution and cleanup onto request/reply exchanges.
package coordinator

import (
	"context"
	"fmt"

	"github.com/guseggert/appdriver/connection"
	"github.com/guseggert/appdriver/protocol"
	"go.uber.org/zap"
)

// Caller performs one single-flight exchange. *connection.Conn implements it.
type Caller interface {
	Do(ctx context.Context, b connection.Bracket) (protocol.Message, error)
}

var failureKinds = []protocol.Kind{protocol.KindError, protocol.KindException}

type Option func(*options)

type options struct {
	log *zap.SugaredLogger
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l.Sugar()
	}
}

func buildOptions(name string, opts []Option) options {
	o := options{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.Named(name)
	return o
}

// Executor runs blocks in the target synchronously.
type Executor struct {
	caller Caller
	log    *zap.SugaredLogger
}

func NewExecutor(c Caller, opts ...Option) *Executor {
	o := buildOptions("executor", opts)
	return &Executor{caller: c, log: o.log}
}

// ExecuteSync runs the block at ref and waits for it to finish.
// It returns nil on success, *ExecutionError or *ExecutionException when the block fails,
// and a *connection.ConnectivityError when no outcome could be obtained.
func (e *Executor) ExecuteSync(ctx context.Context, ref protocol.BlockRef) error {
	e.log.Debugw("executing block", "ref", ref)
	reply, err := e.caller.Do(ctx, connection.Bracket{
		Request:  protocol.ExecuteBlock{Ref: ref},
		Begin:    protocol.KindBlockWillBegin,
		Terminal: append([]protocol.Kind{protocol.KindBlockDidFinish}, failureKinds...),
	})
	if err != nil {
		return err
	}
	err = outcome(reply, protocol.KindBlockDidFinish)
	e.log.Debugw("block finished", "ref", ref, "err", err)
	return err
}

func outcome(reply protocol.Message, success protocol.Kind) error {
	switch m := reply.(type) {
	case protocol.ErrorReport:
		return &ExecutionError{Description: m.Description, FileName: m.FileName, LineNumber: m.LineNumber}
	case protocol.ExceptionReport:
		return &ExecutionException{Description: m.Description}
	}
	if reply == nil || reply.Kind() != success {
		return fmt.Errorf("unexpected reply %v, want %s", reply, success)
	}
	return nil
}
