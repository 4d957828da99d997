package coordinator

import (
	"context"

	"github.com/guseggert/appdriver/connection"
	"github.com/guseggert/appdriver/protocol"
	"go.uber.org/zap"
)

// Cleaner asks the target to run its cleanup hooks. It shares the exchange slot with
// Executor, so a cleanup never overlaps a block.
type Cleaner struct {
	caller Caller
	log    *zap.SugaredLogger
}

func NewCleaner(c Caller, opts ...Option) *Cleaner {
	o := buildOptions("cleaner", opts)
	return &Cleaner{caller: c, log: o.log}
}

// PerformCleanUp runs the target's cleanup and waits for it to finish. An Error or
// Exception reported inside the cleanup bracket is returned as the cleanup's failure.
func (c *Cleaner) PerformCleanUp(ctx context.Context) error {
	c.log.Debug("performing cleanup")
	reply, err := c.caller.Do(ctx, connection.Bracket{
		Request:  protocol.PerformCleanUp{},
		Begin:    protocol.KindCleanUpWillBegin,
		Terminal: append([]protocol.Kind{protocol.KindCleanUpDidFinish}, failureKinds...),
	})
	if err != nil {
		return err
	}
	return outcome(reply, protocol.KindCleanUpDidFinish)
}
