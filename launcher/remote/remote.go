// Package remote launches target applications on another host through its agent.
package remote

import (
	"context"
	"fmt"

	"github.com/guseggert/appdriver/agent"
	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/transport"
	"github.com/guseggert/appdriver/transport/ws"
	"go.uber.org/zap"
)

type Launcher struct {
	Log    *zap.SugaredLogger
	Client *agent.Client
}

func New(log *zap.SugaredLogger, client *agent.Client) *Launcher {
	return &Launcher{Log: log.Named("remote_launcher"), Client: client}
}

// Launch asks the agent to start spec.BundleID. Everything else in spec is decided by the
// agent's own application table.
func (l *Launcher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Process, error) {
	id, err := l.Client.Launch(ctx, spec.BundleID)
	if err != nil {
		return nil, err
	}
	l.Log.Debugw("launched", "bundleID", spec.BundleID, "instance", id)
	return &Process{launcher: l, bundleID: spec.BundleID, instanceID: id}, nil
}

// Process is an application instance running under a remote agent.
type Process struct {
	launcher   *Launcher
	bundleID   string
	instanceID string
}

func (p *Process) InstanceID() string { return p.instanceID }

func (p *Process) Wait(ctx context.Context) (*launcher.Result, error) {
	return p.launcher.Client.Wait(ctx, p.bundleID, p.instanceID)
}

func (p *Process) Terminate(ctx context.Context) error {
	err := p.launcher.Client.Terminate(ctx, p.bundleID, p.instanceID)
	if err != nil {
		return fmt.Errorf("terminating instance %s: %w", p.instanceID, err)
	}
	return nil
}

// Transport reaches this instance through the agent's WebSocket bridge.
func (p *Process) Transport() transport.Transport {
	return ws.NewDialer(p.launcher.Client.ConnectURL(p.bundleID, p.instanceID), nil, p.launcher.Log)
}
