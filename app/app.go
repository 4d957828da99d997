// Package app is the driver's handle on target applications: launching them, keeping a
// connection to each, and running blocks in them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/appdriver/agent"
	"github.com/guseggert/appdriver/config"
	"github.com/guseggert/appdriver/connection"
	"github.com/guseggert/appdriver/coordinator"
	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/launcher/docker"
	"github.com/guseggert/appdriver/protocol"
	"github.com/guseggert/appdriver/transport"
	"go.uber.org/zap"
)

// Registry hands out one Application per bundle ID.
type Registry struct {
	cfg     config.Config
	zlog    *zap.Logger
	log     *zap.SugaredLogger
	backend BackendFunc
	output  io.Writer

	mu     sync.Mutex
	target *Application
	apps   map[string]*Application
	agents map[string]*agent.Client
	docker *docker.Launcher
}

type Option func(r *Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.zlog = l
	}
}

// WithBackend replaces DefaultBackend.
func WithBackend(f BackendFunc) Option {
	return func(r *Registry) {
		r.backend = f
	}
}

// WithOutput sends the stdout and stderr of locally launched targets to w.
func WithOutput(w io.Writer) Option {
	return func(r *Registry) {
		r.output = w
	}
}

func NewRegistry(cfg config.Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := &Registry{
		cfg:    cfg,
		zlog:   zap.NewNop(),
		apps:   map[string]*Application{},
		agents: map[string]*agent.Client{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.zlog.Named("app").Sugar()
	if r.backend == nil {
		r.backend = r.DefaultBackend
	}
	return r, nil
}

// TargetApplication is the application under test.
func (r *Registry) TargetApplication() *Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target == nil {
		r.target = r.newApplication(r.cfg.Target, false)
	}
	return r.target
}

// ApplicationWithBundleID returns a peer application. Asking for the target's own bundle ID
// returns the target application.
func (r *Registry) ApplicationWithBundleID(bundleID string) *Application {
	if bundleID != "" && bundleID == r.cfg.Target.BundleID {
		return r.TargetApplication()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.apps[bundleID]; ok {
		return a
	}
	appCfg, ok := r.cfg.App(bundleID)
	if !ok {
		appCfg = config.AppConfig{BundleID: bundleID, Launcher: config.LauncherRemote}
	}
	a := r.newApplication(appCfg, true)
	r.apps[bundleID] = a
	return a
}

// Close terminates every application the registry handed out and stops heartbeating agents.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	apps := make([]*Application, 0, len(r.apps)+1)
	if r.target != nil {
		apps = append(apps, r.target)
	}
	for _, a := range r.apps {
		apps = append(apps, a)
	}
	agents := r.agents
	r.agents = map[string]*agent.Client{}
	r.mu.Unlock()

	var errs []error
	for _, a := range apps {
		if err := a.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminating %s: %w", a.BundleID(), err))
		}
	}
	for _, c := range agents {
		c.StopHeartbeat()
	}
	return errors.Join(errs...)
}

func (r *Registry) newApplication(appCfg config.AppConfig, remote bool) *Application {
	return &Application{
		reg:    r,
		cfg:    appCfg,
		remote: remote,
		log:    r.log.With("bundleID", appCfg.BundleID),
	}
}

// Application is the driver's proxy for one target application.
type Application struct {
	reg    *Registry
	cfg    config.AppConfig
	remote bool
	log    *zap.SugaredLogger

	// launchMu serializes Launch and Terminate.
	launchMu sync.Mutex

	mu   sync.Mutex
	inst *instance
}

// instance is one launch of an application.
type instance struct {
	proc      launcher.Process
	transport transport.Transport
	conn      *connection.Conn
	executor  *coordinator.Executor
	cleaner   *coordinator.Cleaner

	stopWatch context.CancelFunc
	exited    chan struct{}
}

func (a *Application) BundleID() string { return a.cfg.BundleID }

// IsRemote reports whether this is a peer application rather than the target.
func (a *Application) IsRemote() bool { return a.remote }

func (a *Application) current() *instance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inst
}

// State is the connection state of the current launch. It is Disconnected before the first
// launch and after Terminate.
func (a *Application) State() connection.State {
	inst := a.current()
	if inst == nil || inst.conn == nil {
		return connection.Disconnected
	}
	return inst.conn.State()
}

// Launch starts the application and connects to it, replacing any previous launch.
func (a *Application) Launch(ctx context.Context) error {
	a.launchMu.Lock()
	defer a.launchMu.Unlock()

	if err := a.terminate(ctx); err != nil {
		a.log.Debugw("terminating previous launch", "err", err)
	}
	if a.cfg.BundleID == "" {
		return errors.New("no bundle ID configured")
	}

	backend, err := a.reg.backend(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("preparing launch of %s: %w", a.cfg.BundleID, err)
	}

	spec := launcher.Spec{
		BundleID: a.cfg.BundleID,
		Command:  a.cfg.Command,
		Args:     a.cfg.Args,
		Env:      a.cfg.Env,
		WD:       a.cfg.WD,
		Image:    a.cfg.Image,
		Stdout:   a.reg.output,
		Stderr:   a.reg.output,
	}
	if backend.Transport != nil {
		spec.DriverAddr = backend.Transport.Addr()
	}

	proc, err := backend.Launcher.Launch(ctx, spec)
	if err != nil {
		if backend.Transport != nil {
			backend.Transport.Close()
		}
		return fmt.Errorf("launching %s: %w", a.cfg.BundleID, err)
	}

	tr := backend.Transport
	if tr == nil {
		p, ok := proc.(transportProvider)
		if !ok {
			proc.Terminate(ctx)
			return fmt.Errorf("launching %s: no transport to reach it", a.cfg.BundleID)
		}
		tr = p.Transport()
	}

	inst := &instance{proc: proc, transport: tr, exited: make(chan struct{})}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	inst.stopWatch = stopWatch
	go a.watch(watchCtx, inst)

	conn, err := a.connect(ctx, inst)
	if err != nil {
		a.teardown(ctx, inst)
		return fmt.Errorf("connecting to %s: %w", a.cfg.BundleID, err)
	}
	inst.conn = conn
	inst.executor = coordinator.NewExecutor(conn, coordinator.WithLogger(a.reg.zlog))
	inst.cleaner = coordinator.NewCleaner(conn, coordinator.WithLogger(a.reg.zlog))

	// a target that exits fails its connection
	go func() {
		select {
		case <-inst.exited:
			conn.Fail(&connection.ConnectivityError{Op: "target", Err: connection.ErrTargetExited})
		case <-conn.Done():
		}
	}()
	conn.StartHeartbeat()

	a.mu.Lock()
	a.inst = inst
	a.mu.Unlock()
	a.log.Debugw("launched", "conn", conn.ID())
	return nil
}

// watch closes inst.exited when the process exits.
func (a *Application) watch(ctx context.Context, inst *instance) {
	res, err := inst.proc.Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if res != nil {
		a.log.Debugw("target exited", "code", res.ExitCode, "err", err)
	} else {
		a.log.Debugw("lost track of target", "err", err)
	}
	close(inst.exited)
}

// connect opens the transport and runs the handshake, giving up early if the target exits.
func (a *Application) connect(ctx context.Context, inst *instance) (*connection.Conn, error) {
	cfg := a.reg.cfg.ConnectionConfig()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.HandshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	go func() {
		select {
		case <-inst.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	exitedErr := func(err error) error {
		select {
		case <-inst.exited:
			return &connection.ConnectivityError{Op: "handshake", Err: connection.ErrTargetExited}
		default:
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &connection.ConnectivityError{Op: "handshake", Err: connection.ErrHandshakeTimeout}
		}
		return err
	}

	rw, err := inst.transport.Open(ctx)
	if err != nil {
		return nil, exitedErr(err)
	}
	conn, err := connection.Accept(ctx, rw, cfg,
		connection.WithLogger(a.reg.zlog),
		connection.WithExpectedBundleID(a.cfg.BundleID),
	)
	if err != nil {
		return nil, exitedErr(err)
	}
	return conn, nil
}

// Terminate closes the connection and stops the application. Calls in flight fail with
// ErrTerminated. Terminating an application that is not running does nothing.
func (a *Application) Terminate(ctx context.Context) error {
	a.launchMu.Lock()
	defer a.launchMu.Unlock()
	return a.terminate(ctx)
}

func (a *Application) terminate(ctx context.Context) error {
	a.mu.Lock()
	inst := a.inst
	a.inst = nil
	a.mu.Unlock()
	if inst == nil {
		return nil
	}
	a.log.Debug("terminating")
	return a.teardown(ctx, inst)
}

func (a *Application) teardown(ctx context.Context, inst *instance) error {
	if inst.conn != nil {
		inst.conn.Close()
	}
	inst.stopWatch()
	err := inst.proc.Terminate(ctx)
	if cerr := inst.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// IsHealthy reports whether the application is connected and answers a probe within the
// heartbeat timeout.
func (a *Application) IsHealthy(ctx context.Context) bool {
	inst := a.current()
	if inst == nil || inst.conn.State() != connection.Connected {
		return false
	}
	if d := a.reg.cfg.ConnectionConfig().HeartbeatTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return inst.conn.Probe(ctx) == nil
}

// ExecuteSync runs the block at ref and waits for its outcome. A nil error means the block
// finished; *coordinator.ExecutionError and *coordinator.ExecutionException report failures
// inside the target, and a *connection.ConnectivityError means the outcome is unknown.
//
// When ctx ends first the block keeps running in the target and later calls queue behind it;
// the application still reports healthy. With [timeouts] reply set, a block that overruns it
// fails the connection instead and IsHealthy turns false until the next Launch.
func (a *Application) ExecuteSync(ctx context.Context, ref protocol.BlockRef) error {
	inst := a.current()
	if inst == nil {
		return &connection.ConnectivityError{Op: "execute", Err: connection.ErrNotConnected}
	}
	return inst.executor.ExecuteSync(ctx, ref)
}

// PerformCleanUp runs the application's cleanup hooks.
func (a *Application) PerformCleanUp(ctx context.Context) error {
	inst := a.current()
	if inst == nil {
		return &connection.ConnectivityError{Op: "cleanup", Err: connection.ErrNotConnected}
	}
	return inst.cleaner.PerformCleanUp(ctx)
}
