package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/appdriver/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

const bundleID = "com.example.app"

// fakeTarget plays the target side of a connection over an in-memory pipe.
type fakeTarget struct {
	conn  net.Conn
	mu    sync.Mutex
	w     *protocol.Writer
	inbox chan protocol.Message
}

func newFakeTarget(conn net.Conn) *fakeTarget {
	f := &fakeTarget{
		conn:  conn,
		w:     protocol.NewWriter(conn),
		inbox: make(chan protocol.Message, 64),
	}
	go func() {
		defer close(f.inbox)
		r := protocol.NewReader(conn)
		for {
			m, err := r.ReadMessage()
			if err != nil {
				return
			}
			f.inbox <- m
		}
	}()
	return f
}

func (f *fakeTarget) send(msgs ...protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		if err := f.w.WriteMessage(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTarget) next() (protocol.Message, error) {
	select {
	case m, ok := <-f.inbox:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return m, nil
	case <-time.After(5 * time.Second):
		return nil, errors.New("timed out waiting for message")
	}
}

func (f *fakeTarget) expect(k protocol.Kind) (protocol.Message, error) {
	m, err := f.next()
	if err != nil {
		return nil, err
	}
	if m.Kind() != k {
		return nil, fmt.Errorf("got %s, want %s", m.Kind(), k)
	}
	return m, nil
}

func (f *fakeTarget) handshake(id string) error {
	if err := f.send(protocol.Connect{BundleID: id}); err != nil {
		return err
	}
	if _, err := f.expect(protocol.KindAcceptConnection); err != nil {
		return err
	}
	return f.send(protocol.ConnectionOK{})
}

func testConfig() Config {
	return Config{HandshakeTimeout: 5 * time.Second}
}

func connect(t *testing.T, cfg Config, opts ...Option) (*Conn, *fakeTarget) {
	t.Helper()
	driverSide, targetSide := net.Pipe()
	f := newFakeTarget(targetSide)

	errCh := make(chan error, 1)
	go func() { errCh <- f.handshake(bundleID) }()

	opts = append(opts, WithExpectedBundleID(bundleID))
	c, err := Accept(context.Background(), driverSide, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	t.Cleanup(func() { c.Close() })
	return c, f
}

var executeBracket = Bracket{
	Request: protocol.ExecuteBlock{Ref: protocol.BlockRef{FilePath: "blocks.go", FileOffset: 10}},
	Begin:   protocol.KindBlockWillBegin,
	Terminal: []protocol.Kind{
		protocol.KindBlockDidFinish,
		protocol.KindError,
		protocol.KindException,
	},
}

func requireViolation(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, IsConnectivity(err), "not a connectivity error: %v", err)
	var pv *ProtocolViolationError
	assert.ErrorAs(t, err, &pv)
}

func TestHandshake(t *testing.T) {
	c, _ := connect(t, testConfig(), WithLogger(zaptest.NewLogger(t)))
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, bundleID, c.PeerBundleID())
	assert.NotEmpty(t, c.ID())
	assert.NoError(t, c.Err())
}

func TestHandshakeViolations(t *testing.T) {
	cases := []struct {
		name   string
		target func(f *fakeTarget) error
	}{
		{
			name: "ConnectionOK before Connect",
			target: func(f *fakeTarget) error {
				return f.send(protocol.ConnectionOK{})
			},
		},
		{
			name: "block message before Connect",
			target: func(f *fakeTarget) error {
				return f.send(protocol.BlockWillBegin{})
			},
		},
		{
			name: "second Connect",
			target: func(f *fakeTarget) error {
				return f.send(protocol.Connect{BundleID: bundleID}, protocol.Connect{BundleID: bundleID})
			},
		},
		{
			name: "wrong bundle ID",
			target: func(f *fakeTarget) error {
				return f.send(protocol.Connect{BundleID: "com.example.other"})
			},
		},
		{
			name: "driver message from target",
			target: func(f *fakeTarget) error {
				return f.send(protocol.Connect{BundleID: bundleID}, protocol.AcceptConnection{})
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			driverSide, targetSide := net.Pipe()
			f := newFakeTarget(targetSide)
			go c.target(f)

			conn, err := Accept(context.Background(), driverSide, testConfig(), WithExpectedBundleID(bundleID))
			assert.Nil(t, conn)
			requireViolation(t, err)
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	driverSide, targetSide := net.Pipe()
	defer targetSide.Close()
	newFakeTarget(targetSide)

	_, err := Accept(context.Background(), driverSide, Config{HandshakeTimeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.True(t, IsConnectivity(err))
}

func TestHandshakeCanceled(t *testing.T) {
	driverSide, targetSide := net.Pipe()
	defer targetSide.Close()
	newFakeTarget(targetSide)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Accept(ctx, driverSide, testConfig())
	require.ErrorIs(t, err, context.Canceled)
}

func TestDo(t *testing.T) {
	c, f := connect(t, testConfig())

	go func() {
		m, err := f.expect(protocol.KindExecuteBlock)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, executeBracket.Request, m)
		assert.NoError(t, f.send(protocol.BlockWillBegin{}, protocol.ErrorReport{Description: "assert failed", FileName: "test.m", LineNumber: 42}))
	}()

	reply, err := c.Do(context.Background(), executeBracket)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrorReport{Description: "assert failed", FileName: "test.m", LineNumber: 42}, reply)
	assert.Equal(t, Connected, c.State())
	assert.False(t, c.Outstanding())
	assert.False(t, c.slot.Held())
}

func TestDoCanceledBeforeStart(t *testing.T) {
	c, _ := connect(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, executeBracket)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsConnectivity(err))
	assert.Equal(t, Connected, c.State())
	assert.False(t, c.Outstanding())
	assert.False(t, c.slot.Held())
}

func TestTerminalBeforeBeginFailsConnection(t *testing.T) {
	c, f := connect(t, testConfig())

	go func() {
		_, err := f.expect(protocol.KindExecuteBlock)
		if assert.NoError(t, err) {
			assert.NoError(t, f.send(protocol.BlockDidFinish{}))
		}
	}()

	_, err := c.Do(context.Background(), executeBracket)
	requireViolation(t, err)
	assert.Equal(t, Failed, c.State())
	<-c.Done()
}

func TestMessageOutsideBracketFailsConnection(t *testing.T) {
	c, f := connect(t, testConfig())

	go func() {
		_, err := f.expect(protocol.KindExecuteBlock)
		if assert.NoError(t, err) {
			assert.NoError(t, f.send(protocol.BlockWillBegin{}, protocol.CleanUpDidFinish{}))
		}
	}()

	_, err := c.Do(context.Background(), executeBracket)
	requireViolation(t, err)
	assert.Equal(t, Failed, c.State())
}

func TestUnsolicitedMessagesFailConnection(t *testing.T) {
	for _, m := range []protocol.Message{
		protocol.BlockDidFinish{},
		protocol.ExceptionReport{Description: "stray"},
		protocol.ConnectionOK{},
		protocol.Connect{BundleID: bundleID},
	} {
		t.Run(m.Kind().String(), func(t *testing.T) {
			c, f := connect(t, testConfig())
			require.NoError(t, f.send(m))

			<-c.Done()
			requireViolation(t, c.Err())
			assert.Equal(t, Failed, c.State())

			_, err := c.Do(context.Background(), executeBracket)
			assert.True(t, IsConnectivity(err))
		})
	}
}

func TestSingleFlight(t *testing.T) {
	c, f := connect(t, testConfig())
	const callers = 5

	// The target answers each request only after checking no other request arrived meanwhile.
	go func() {
		for i := 0; i < callers; i++ {
			_, err := f.expect(protocol.KindExecuteBlock)
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			assert.Len(t, f.inbox, 0, "request sent while another was outstanding")
			assert.NoError(t, f.send(protocol.BlockWillBegin{}, protocol.BlockDidFinish{}))
		}
	}()

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		group.Go(func() error {
			reply, err := c.Do(ctx, executeBracket)
			if err != nil {
				return err
			}
			if reply.Kind() != protocol.KindBlockDidFinish {
				return fmt.Errorf("unexpected reply %s", reply.Kind())
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.False(t, c.slot.Held())
	assert.Equal(t, 0, c.slot.Waiting())
}

func TestQueuedCallersWaitForHolder(t *testing.T) {
	c, f := connect(t, testConfig())

	first := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), executeBracket)
		first <- err
	}()
	_, err := f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)
	require.NoError(t, f.send(protocol.BlockWillBegin{}))

	second := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), executeBracket)
		second <- err
	}()
	require.Eventually(t, func() bool { return c.slot.Waiting() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.inbox, 0)

	require.NoError(t, f.send(protocol.BlockDidFinish{}))
	require.NoError(t, <-first)

	_, err = f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)
	require.NoError(t, f.send(protocol.BlockWillBegin{}, protocol.BlockDidFinish{}))
	require.NoError(t, <-second)
}

func TestCallerCancelIsLocal(t *testing.T) {
	c, f := connect(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, executeBracket)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsConnectivity(err))

	// The abandoned exchange still owns the slot and the connection stays up.
	assert.Equal(t, Connected, c.State())
	assert.True(t, c.Outstanding())

	next := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), executeBracket)
		next <- err
	}()

	_, err = f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)
	require.NoError(t, f.send(protocol.BlockWillBegin{}, protocol.BlockDidFinish{}))

	_, err = f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)
	require.NoError(t, f.send(protocol.BlockWillBegin{}, protocol.BlockDidFinish{}))
	require.NoError(t, <-next)
}

func TestQueuedCallerCancel(t *testing.T) {
	c, f := connect(t, testConfig())

	go c.Do(context.Background(), executeBracket)
	_, err := f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, executeBracket)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.slot.Waiting())

	require.NoError(t, f.send(protocol.BlockWillBegin{}, protocol.BlockDidFinish{}))
	require.Eventually(t, func() bool { return !c.slot.Held() }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.inbox, 0)
}

func TestReplyTimeoutFailsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.ReplyTimeout = 50 * time.Millisecond
	c, f := connect(t, cfg)

	go func() {
		_, err := f.expect(protocol.KindExecuteBlock)
		if assert.NoError(t, err) {
			assert.NoError(t, f.send(protocol.BlockWillBegin{}))
		}
	}()

	_, err := c.Do(context.Background(), executeBracket)
	require.ErrorIs(t, err, ErrReplyTimeout)
	assert.True(t, IsConnectivity(err))
	assert.Equal(t, Failed, c.State())
}

func TestProbe(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = time.Second
	c, f := connect(t, cfg)

	go func() {
		_, err := f.expect(protocol.KindCheckConnection)
		if assert.NoError(t, err) {
			assert.NoError(t, f.send(protocol.ConnectionOK{}))
		}
	}()
	require.NoError(t, c.Probe(context.Background()))
	assert.Equal(t, Connected, c.State())
}

func TestProbeDuringExchange(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = time.Second
	c, f := connect(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), executeBracket)
		done <- err
	}()
	_, err := f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)
	require.NoError(t, f.send(protocol.BlockWillBegin{}))

	go func() {
		_, err := f.expect(protocol.KindCheckConnection)
		if assert.NoError(t, err) {
			assert.NoError(t, f.send(protocol.ConnectionOK{}))
		}
	}()
	require.NoError(t, c.Probe(context.Background()))

	require.NoError(t, f.send(protocol.BlockDidFinish{}))
	require.NoError(t, <-done)
}

func TestHeartbeatTimeoutFailsInFlightCall(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	c, f := connect(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), executeBracket)
		done <- err
	}()
	_, err := f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)
	require.NoError(t, f.send(protocol.BlockWillBegin{}))

	err = c.Probe(context.Background())
	require.ErrorIs(t, err, ErrHeartbeatTimeout)

	err = <-done
	require.ErrorIs(t, err, ErrHeartbeatTimeout)
	assert.Equal(t, Failed, c.State())
}

func TestHeartbeatLoop(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	c, f := connect(t, cfg)

	// Answer three probes, then go silent.
	go func() {
		for i := 0; i < 3; i++ {
			if _, err := f.expect(protocol.KindCheckConnection); err != nil {
				return
			}
			f.send(protocol.ConnectionOK{})
		}
	}()
	c.StartHeartbeat()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not fail after heartbeats stopped")
	}
	require.ErrorIs(t, c.Err(), ErrHeartbeatTimeout)
}

func TestCloseResolvesWaiters(t *testing.T) {
	c, f := connect(t, testConfig())

	group := errgroup.Group{}
	for i := 0; i < 3; i++ {
		group.Go(func() error {
			_, err := c.Do(context.Background(), executeBracket)
			return err
		})
	}
	_, err := f.expect(protocol.KindExecuteBlock)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.slot.Waiting() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	err = group.Wait()
	require.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, Failed, c.State())

	_, err = c.Do(context.Background(), executeBracket)
	require.ErrorIs(t, err, ErrTerminated)
}

func TestPeerClosed(t *testing.T) {
	c, f := connect(t, testConfig())
	require.NoError(t, f.conn.Close())

	<-c.Done()
	require.ErrorIs(t, c.Err(), ErrPeerClosed)
	assert.Equal(t, Failed, c.State())
}

func TestGarbageFailsConnection(t *testing.T) {
	c, f := connect(t, testConfig())
	_, err := f.conn.Write([]byte{0, 0, 0, 2, 0xff, 0xff})
	require.NoError(t, err)

	<-c.Done()
	var decErr *protocol.DecodeError
	require.ErrorAs(t, c.Err(), &decErr)
	assert.True(t, IsConnectivity(c.Err()))
}
