package inprocess

import (
	"context"
	"testing"
	"time"

	"github.com/guseggert/appdriver/connection"
	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/target"
	inprocesstransport "github.com/guseggert/appdriver/transport/inprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunch(t *testing.T) {
	tr := inprocesstransport.New()
	defer tr.Close()
	l := &Launcher{Transport: tr, Runtime: target.New("com.example.app")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := l.Launch(ctx, launcher.Spec{BundleID: "com.example.app"})
	require.NoError(t, err)

	rw, err := tr.Open(ctx)
	require.NoError(t, err)
	conn, err := connection.Accept(ctx, rw, connection.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", conn.PeerBundleID())

	// the runtime stops serving once the driver hangs up
	conn.Close()
	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	require.NoError(t, p.Terminate(ctx))
}

func TestLaunchWrongBundle(t *testing.T) {
	l := &Launcher{Transport: inprocesstransport.New(), Runtime: target.New("com.example.app")}
	_, err := l.Launch(context.Background(), launcher.Spec{BundleID: "com.example.other"})
	require.Error(t, err)
}

func TestTerminateBeforeConnect(t *testing.T) {
	tr := inprocesstransport.New()
	defer tr.Close()
	l := &Launcher{Transport: tr, Runtime: target.New("com.example.app")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := l.Launch(ctx, launcher.Spec{})
	require.NoError(t, err)
	require.NoError(t, p.Terminate(ctx))

	res, err := p.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.ExitCode)
}
