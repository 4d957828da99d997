package local

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/guseggert/appdriver/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLaunchExitCode(t *testing.T) {
	l := New(zap.NewNop().Sugar())
	stdout := &bytes.Buffer{}
	p, err := l.Launch(context.Background(), launcher.Spec{
		BundleID:   "com.example.app",
		Command:    "sh",
		Args:       []string{"-c", `echo "$APPDRIVER_BUNDLE_ID $APPDRIVER_DRIVER_ADDR"; exit 3`},
		DriverAddr: "127.0.0.1:1234",
		Stdout:     stdout,
	})
	require.NoError(t, err)

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "com.example.app 127.0.0.1:1234\n", stdout.String())

	// Wait is repeatable and Terminate after exit is a no-op.
	res2, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res, res2)
	require.NoError(t, p.Terminate(context.Background()))
}

func TestTerminate(t *testing.T) {
	l := New(zap.NewNop().Sugar())
	p, err := l.Launch(context.Background(), launcher.Spec{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Terminate(ctx))

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestTerminateKillsAfterGrace(t *testing.T) {
	l := New(zap.NewNop().Sugar())
	l.GracePeriod = 50 * time.Millisecond
	p, err := l.Launch(context.Background(), launcher.Spec{
		Command: "sh",
		Args:    []string{"-c", `trap "" INT; sleep 30`},
	})
	require.NoError(t, err)
	// give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, p.Terminate(context.Background()))
	_, err = p.Wait(context.Background())
	require.NoError(t, err)
}

func TestLaunchMissingCommand(t *testing.T) {
	l := New(zap.NewNop().Sugar())
	_, err := l.Launch(context.Background(), launcher.Spec{})
	require.Error(t, err)

	_, err = l.Launch(context.Background(), launcher.Spec{Command: "/nonexistent/appdriver-target"})
	require.Error(t, err)
}

func TestWaitCanceled(t *testing.T) {
	l := New(zap.NewNop().Sugar())
	p, err := l.Launch(context.Background(), launcher.Spec{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	defer p.Terminate(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
