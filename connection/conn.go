package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/appdriver/protocol"
	"go.uber.org/zap"
)

// Bracket describes one request/reply exchange: the request, the message that opens the
// reply, and the messages that may close it.
type Bracket struct {
	Request  protocol.Message
	Begin    protocol.Kind
	Terminal []protocol.Kind
}

func (b Bracket) isTerminal(k protocol.Kind) bool {
	for _, t := range b.Terminal {
		if t == k {
			return true
		}
	}
	return false
}

type call struct {
	bracket Bracket
	begun   bool
	timer   *time.Timer

	once  sync.Once
	done  chan struct{}
	reply protocol.Message
	err   error
}

func (c *call) complete(reply protocol.Message, err error) {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.reply = reply
		c.err = err
		close(c.done)
	})
}

type probe struct {
	ack   chan struct{}
	timer *time.Timer
}

// Conn is the driver side of one connection to a target application.
//
// A single receive goroutine reads and routes every inbound message. Request/reply exchanges
// are serialized by a FIFO slot; liveness probes run outside of it. Any fatal condition tears
// the whole connection down exactly once and resolves every waiter.
type Conn struct {
	id               string
	cfg              Config
	log              *zap.SugaredLogger
	expectedBundleID string

	rw      io.ReadWriteCloser
	reader  *protocol.Reader
	writeMu sync.Mutex
	writer  *protocol.Writer

	machine *Machine
	slot    Slot

	mu     sync.Mutex
	active *call
	probes []*probe
	err    error

	closeOnce     sync.Once
	closed        chan struct{}
	recvDone      chan struct{}
	heartbeatOnce sync.Once
}

type Option func(c *Conn)

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		c.log = l.Named("conn").Sugar()
	}
}

// WithExpectedBundleID rejects a peer that announces a different bundle ID.
func WithExpectedBundleID(id string) Option {
	return func(c *Conn) {
		c.expectedBundleID = id
	}
}

func newConn(rw io.ReadWriteCloser, cfg Config, opts ...Option) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		cfg:      cfg,
		log:      zap.NewNop().Sugar(),
		rw:       rw,
		reader:   protocol.NewReader(rw),
		writer:   protocol.NewWriter(rw),
		machine:  NewMachine(),
		closed:   make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("conn", c.id)
	return c
}

// Accept runs the driver side of the handshake over rw and returns a connected Conn.
// On failure rw is closed.
func Accept(ctx context.Context, rw io.ReadWriteCloser, cfg Config, opts ...Option) (*Conn, error) {
	c := newConn(rw, cfg, opts...)
	go c.receive()

	if err := c.handshake(ctx); err != nil {
		c.Fail(err)
		return nil, c.Err()
	}
	c.log.Debugw("connected", "bundleID", c.PeerBundleID())
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	wrap := func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrHandshakeTimeout
		}
		return &ConnectivityError{Op: "handshake", Err: err}
	}

	if err := c.machine.Wait(ctx, Connecting); err != nil {
		return wrap(err)
	}
	if err := c.send(protocol.AcceptConnection{}); err != nil {
		return wrap(err)
	}
	if err := c.machine.Wait(ctx, Connected); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State { return c.machine.State() }

// PeerBundleID is the bundle ID the target announced during the handshake.
func (c *Conn) PeerBundleID() string { return c.machine.BundleID() }

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the *ConnectivityError that ended the connection, or nil while it is usable.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Outstanding reports whether a request/reply exchange is in progress.
func (c *Conn) Outstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// send observes msg and writes it. Writes are serialized.
func (c *Conn) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.machine.Observe(msg); err != nil {
		return err
	}
	c.log.Debugw("sending", "kind", msg.Kind())
	return c.writer.WriteMessage(msg)
}

func (c *Conn) receive() {
	defer close(c.recvDone)
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = ErrPeerClosed
			}
			c.Fail(&ConnectivityError{Op: "receive", Err: err})
			return
		}
		c.log.Debugw("received", "kind", msg.Kind())
		if err := c.route(msg); err != nil {
			c.Fail(&ConnectivityError{Op: "receive", Err: err})
			return
		}
	}
}

func (c *Conn) route(msg protocol.Message) error {
	k := msg.Kind()
	if k.Direction() != protocol.FromTarget {
		return &ProtocolViolationError{State: c.machine.State(), Kind: k, Reason: "driver message sent by target"}
	}

	switch m := msg.(type) {
	case protocol.Connect:
		if c.expectedBundleID != "" && m.BundleID != c.expectedBundleID {
			return &ProtocolViolationError{
				State:  c.machine.State(),
				Kind:   k,
				Reason: fmt.Sprintf("bundle ID %q, expected %q", m.BundleID, c.expectedBundleID),
			}
		}
		return c.machine.Observe(msg)
	case protocol.ConnectionOK:
		if c.machine.State() == Connected {
			return c.acknowledge()
		}
		return c.machine.Observe(msg)
	}

	if err := c.machine.Observe(msg); err != nil {
		return err
	}
	return c.deliver(msg)
}

// acknowledge resolves the oldest outstanding probe.
func (c *Conn) acknowledge() error {
	c.mu.Lock()
	if len(c.probes) == 0 {
		c.mu.Unlock()
		return &ProtocolViolationError{State: Connected, Kind: protocol.KindConnectionOK, Reason: "no outstanding CheckConnection"}
	}
	p := c.probes[0]
	c.probes = c.probes[1:]
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.ack)
	return nil
}

// deliver hands a reply message to the active exchange.
func (c *Conn) deliver(msg protocol.Message) error {
	k := msg.Kind()

	c.mu.Lock()
	active := c.active
	if active == nil {
		c.mu.Unlock()
		return &ProtocolViolationError{State: Connected, Kind: k, Reason: "no request outstanding"}
	}
	b := active.bracket
	switch {
	case k == b.Begin:
		if active.begun {
			c.mu.Unlock()
			return &ProtocolViolationError{State: Connected, Kind: k, Reason: "duplicate begin"}
		}
		active.begun = true
		c.mu.Unlock()
		return nil
	case b.isTerminal(k):
		if !active.begun {
			c.mu.Unlock()
			return &ProtocolViolationError{State: Connected, Kind: k, Reason: fmt.Sprintf("arrived before %s", b.Begin)}
		}
		c.active = nil
		c.mu.Unlock()
		active.complete(msg, nil)
		c.slot.Release()
		return nil
	}
	c.mu.Unlock()
	return &ProtocolViolationError{State: Connected, Kind: k, Reason: fmt.Sprintf("not part of %s exchange", b.Request.Kind())}
}

// Do performs one request/reply exchange and returns its terminal message.
//
// Exchanges are single-flight and served in FIFO order. If ctx ends while the request is in
// flight the caller stops waiting but the exchange stays outstanding until the target answers
// or the connection fails. If cfg.ReplyTimeout elapses first, the connection fails.
func (c *Conn) Do(ctx context.Context, b Bracket) (protocol.Message, error) {
	op := b.Request.Kind().String()

	if err := c.Err(); err != nil {
		return nil, err
	}
	if c.State() != Connected {
		return nil, &ConnectivityError{Op: op, Err: ErrNotConnected}
	}

	if err := c.slot.Acquire(ctx, c.closed); err != nil {
		if errors.Is(err, errSlotAborted) {
			return nil, c.Err()
		}
		return nil, &ConnectivityError{Op: op, Err: err}
	}

	cl := &call{bracket: b, done: make(chan struct{})}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.slot.Release()
		return nil, err
	}
	c.active = cl
	if c.cfg.ReplyTimeout > 0 {
		cl.timer = time.AfterFunc(c.cfg.ReplyTimeout, func() {
			c.Fail(&ConnectivityError{Op: op, Err: ErrReplyTimeout})
		})
	}
	c.mu.Unlock()

	if err := c.send(b.Request); err != nil {
		c.Fail(&ConnectivityError{Op: op, Err: err})
	}

	select {
	case <-cl.done:
		return cl.reply, cl.err
	case <-ctx.Done():
		c.log.Debugw("caller stopped waiting, exchange stays outstanding", "kind", b.Request.Kind(), "err", ctx.Err())
		return nil, &ConnectivityError{Op: op, Err: ctx.Err()}
	}
}

// Fail tears the connection down with err as the cause. Only the first call has an effect.
func (c *Conn) Fail(err error) {
	c.closeOnce.Do(func() {
		var ce *ConnectivityError
		if !errors.As(err, &ce) {
			err = &ConnectivityError{Op: "connection", Err: err}
		}
		c.log.Debugw("connection failed", "err", err)

		c.mu.Lock()
		c.err = err
		active := c.active
		c.active = nil
		probes := c.probes
		c.probes = nil
		c.mu.Unlock()

		c.machine.Fail(err)
		close(c.closed)
		if cerr := c.rw.Close(); cerr != nil {
			c.log.Debugw("closing transport", "err", cerr)
		}

		if active != nil {
			active.complete(nil, err)
			c.slot.Release()
		}
		for _, p := range probes {
			if p.timer != nil {
				p.timer.Stop()
			}
		}
	})
}

// Close terminates the connection. Outstanding calls resolve with ErrTerminated.
func (c *Conn) Close() error {
	c.Fail(&ConnectivityError{Op: "close", Err: ErrTerminated})
	return nil
}
