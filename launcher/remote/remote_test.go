package remote

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/appdriver/agent"
	"github.com/guseggert/appdriver/connection"
	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

// dialingLauncher stands in for a real target binary: it serves rt against the address
// the agent hands out.
type dialingLauncher struct {
	rt *target.Runtime
}

type dialingProc struct {
	cancel context.CancelFunc
	exited chan struct{}
}

func (l *dialingLauncher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Process, error) {
	serveCtx, cancel := context.WithCancel(context.Background())
	p := &dialingProc{cancel: cancel, exited: make(chan struct{})}
	go func() {
		defer close(p.exited)
		l.rt.DialAndServe(serveCtx, spec.DriverAddr)
	}()
	return p, nil
}

func (p *dialingProc) Wait(ctx context.Context) (*launcher.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		return &launcher.Result{}, nil
	}
}

func (p *dialingProc) Terminate(ctx context.Context) error {
	p.cancel()
	<-p.exited
	return nil
}

func newRemote(t *testing.T, opts ...agent.Option) *Launcher {
	t.Helper()
	a, err := agent.NewAppAgent(append([]agent.Option{agent.WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Stop()
	})
	client, err := agent.NewClient(log, srv.URL)
	require.NoError(t, err)
	return New(log, client)
}

func TestLaunchWait(t *testing.T) {
	l := newRemote(t, agent.WithApps(agent.AppCommand{BundleID: "exits", Command: "sh", Args: []string{"-c", "exit 5"}}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := l.Launch(ctx, launcher.Spec{BundleID: "exits"})
	require.NoError(t, err)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ExitCode)

	// waiting again reports the same exit
	res, err = p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ExitCode)

	require.NoError(t, p.Terminate(ctx))
	require.NoError(t, p.Terminate(ctx))
}

func TestLaunchUnknown(t *testing.T) {
	l := newRemote(t)
	_, err := l.Launch(context.Background(), launcher.Spec{BundleID: "missing"})
	require.Error(t, err)
}

func TestTransportReachesTarget(t *testing.T) {
	const bundleID = "com.example.remote"
	l := newRemote(t,
		agent.WithLauncher(&dialingLauncher{rt: target.New(bundleID)}),
		agent.WithApps(agent.AppCommand{BundleID: bundleID}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := l.Launch(ctx, launcher.Spec{BundleID: bundleID})
	require.NoError(t, err)
	proc := p.(*Process)

	tr := proc.Transport()
	defer tr.Close()
	assert.True(t, strings.Contains(tr.Addr(), "instance="+proc.InstanceID()))

	rw, err := tr.Open(ctx)
	require.NoError(t, err)
	conn, err := connection.Accept(ctx, rw, connection.DefaultConfig(), connection.WithExpectedBundleID(bundleID))
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, connection.Connected, conn.State())
	require.NoError(t, conn.Probe(ctx))
	require.NoError(t, p.Terminate(ctx))
}
