package connection

import (
	"context"
	"time"

	"github.com/guseggert/appdriver/protocol"
)

// Probe sends CheckConnection and waits for the acknowledging ConnectionOK.
// Probes do not take the exchange slot, so they run while a block executes.
// If the acknowledgment does not arrive within cfg.HeartbeatTimeout the connection fails,
// whether or not the caller is still waiting.
func (c *Conn) Probe(ctx context.Context) error {
	const op = "heartbeat"
	if err := c.Err(); err != nil {
		return err
	}
	if c.State() != Connected {
		return &ConnectivityError{Op: op, Err: ErrNotConnected}
	}

	p := &probe{ack: make(chan struct{})}

	// The probe is queued and the request written under the write lock so that acknowledgments
	// match probes in order.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.writeMu.Unlock()
		return err
	}
	if c.cfg.HeartbeatTimeout > 0 {
		p.timer = time.AfterFunc(c.cfg.HeartbeatTimeout, func() {
			c.Fail(&ConnectivityError{Op: op, Err: ErrHeartbeatTimeout})
		})
	}
	c.probes = append(c.probes, p)
	c.mu.Unlock()

	err := c.machine.Observe(protocol.CheckConnection{})
	if err == nil {
		err = c.writer.WriteMessage(protocol.CheckConnection{})
	}
	c.writeMu.Unlock()
	if err != nil {
		c.Fail(&ConnectivityError{Op: op, Err: err})
		return c.Err()
	}

	select {
	case <-p.ack:
		return nil
	case <-c.closed:
		return c.Err()
	case <-ctx.Done():
		return &ConnectivityError{Op: op, Err: ctx.Err()}
	}
}

// StartHeartbeat probes the target every cfg.HeartbeatInterval until the connection ends.
// A missed acknowledgment fails the connection. Calling it more than once has no effect.
func (c *Conn) StartHeartbeat() {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.cfg.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.closed:
					return
				case <-ticker.C:
				}
				if err := c.Probe(context.Background()); err != nil {
					c.log.Debugw("heartbeat failed", "err", err)
					return
				}
			}
		}()
	})
}
