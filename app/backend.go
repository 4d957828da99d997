package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/guseggert/appdriver/agent"
	"github.com/guseggert/appdriver/config"
	"github.com/guseggert/appdriver/internal/net"
	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/launcher/docker"
	inprocesslauncher "github.com/guseggert/appdriver/launcher/inprocess"
	"github.com/guseggert/appdriver/launcher/local"
	"github.com/guseggert/appdriver/launcher/remote"
	"github.com/guseggert/appdriver/target"
	"github.com/guseggert/appdriver/transport"
	"github.com/guseggert/appdriver/transport/inprocess"
	"github.com/guseggert/appdriver/transport/tcp"
)

// Backend is what one launch of an application runs on.
type Backend struct {
	Launcher launcher.Launcher
	// Transport yields the target's connection. When nil, the launched process must provide
	// one through a Transport() method, as remote processes do.
	Transport transport.Transport
}

// BackendFunc builds the backend for one launch of app.
type BackendFunc func(ctx context.Context, app config.AppConfig) (*Backend, error)

type transportProvider interface {
	Transport() transport.Transport
}

// DefaultBackend picks the launcher named by the application's configuration.
// Local and Docker targets dial back to a fresh TCP listener; remote targets are reached
// through their agent.
func (r *Registry) DefaultBackend(ctx context.Context, app config.AppConfig) (*Backend, error) {
	switch app.Launcher {
	case config.LauncherLocal:
		l, err := tcp.Listen(r.cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		return &Backend{Launcher: local.New(r.log), Transport: l}, nil

	case config.LauncherDocker:
		d, err := r.dockerLauncher()
		if err != nil {
			return nil, err
		}
		l, err := tcp.Listen(net.ContainerListenAddr(r.cfg.ListenAddr))
		if err != nil {
			return nil, err
		}
		return &Backend{Launcher: d, Transport: l}, nil

	case config.LauncherRemote:
		url := app.AgentURL
		if url == "" {
			url = r.cfg.Agent.URL
		}
		if url == "" {
			return nil, fmt.Errorf("no agent configured for %q", app.BundleID)
		}
		client, err := r.agentClient(ctx, url)
		if err != nil {
			return nil, err
		}
		return &Backend{Launcher: remote.New(r.log, client)}, nil
	}
	return nil, fmt.Errorf("unknown launcher %q", app.Launcher)
}

func (r *Registry) dockerLauncher() (*docker.Launcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.docker != nil {
		return r.docker, nil
	}
	d, err := docker.New(r.log)
	if err != nil {
		return nil, err
	}
	r.docker = d
	return d, nil
}

// agentClient returns the shared client for the agent at url, heartbeating it from first use.
func (r *Registry) agentClient(ctx context.Context, url string) (*agent.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.agents[url]; ok {
		return c, nil
	}
	c, err := agent.NewClient(r.log, url, agent.WithClientHeartbeatInterval(r.cfg.Agent.HeartbeatInterval.Std()))
	if err != nil {
		return nil, err
	}
	if err := c.SendHeartbeat(ctx); err != nil {
		return nil, fmt.Errorf("reaching agent at %s: %w", url, err)
	}
	c.StartHeartbeat()
	r.agents[url] = c
	return c, nil
}

// InProcess serves each runtime from the driver's own process, keyed by bundle ID.
func InProcess(runtimes ...*target.Runtime) BackendFunc {
	byID := map[string]*target.Runtime{}
	for _, rt := range runtimes {
		byID[rt.BundleID()] = rt
	}
	return func(ctx context.Context, app config.AppConfig) (*Backend, error) {
		rt, ok := byID[app.BundleID]
		if !ok {
			return nil, errors.New("no in-process runtime for " + app.BundleID)
		}
		tr := inprocess.New()
		return &Backend{
			Launcher:  &inprocesslauncher.Launcher{Transport: tr, Runtime: rt},
			Transport: tr,
		}, nil
	}
}
