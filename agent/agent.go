// Package agent hosts target applications on a remote machine on behalf of a driver.
//
// The driver asks the agent to launch a named application, then reaches it through a
// WebSocket the agent bridges to the application's own TCP connection. The driver keeps
// the agent alive with heartbeats; if they stop, the agent reacts (by default, by
// terminating every application it started).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/launcher/local"
	"github.com/guseggert/appdriver/transport/tcp"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// AppCommand is how the agent starts one application.
type AppCommand struct {
	BundleID string
	Command  string
	Args     []string
	Env      []string
	WD       string
}

type instance struct {
	id       string
	proc     launcher.Process
	listener *tcp.Listener
}

// AppAgent is an HTTP agent that runs on each host with target applications.
type AppAgent struct {
	logger *zap.SugaredLogger

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	launcher  launcher.Launcher
	appOutput io.Writer
	apps      map[string]AppCommand

	httpServer *http.Server

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time

	runningMut sync.Mutex
	running    map[string]*instance
}

type Option func(a *AppAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *AppAgent) {
		a.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler replaces the default reaction to missed heartbeats.
// A nil handler disables it.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *AppAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *AppAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *AppAgent) {
		a.logger = l.Named("appagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *AppAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithApps declares the applications the agent may launch.
func WithApps(apps ...AppCommand) Option {
	return func(a *AppAgent) {
		for _, app := range apps {
			a.apps[app.BundleID] = app
		}
	}
}

func WithLauncher(l launcher.Launcher) Option {
	return func(a *AppAgent) {
		a.launcher = l
	}
}

// WithAppOutput sends the stdout and stderr of launched applications to w.
func WithAppOutput(w io.Writer) Option {
	return func(a *AppAgent) {
		a.appOutput = w
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewAppAgent constructs a new application agent.
func NewAppAgent(opts ...Option) (*AppAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &AppAgent{
		logger:           logger.Named("appagent").Sugar(),
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		apps:             map[string]AppCommand{},
		closed:           make(chan struct{}),
		running:          map[string]*instance{},
	}
	a.heartbeatFailureHandler = a.TerminateAll
	for _, o := range opts {
		o(a)
	}
	if a.launcher == nil {
		a.launcher = local.New(a.logger)
	}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that runs the failure handler each time the
// heartbeat lapses.
func (a *AppAgent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(a.checkInterval())
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lapsed := a.lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now())
			if lapsed {
				a.lastHeartbeat = time.Now()
			}
			a.heartbeatMut.Unlock()

			if lapsed && a.heartbeatFailureHandler != nil {
				a.logger.Debug("heartbeat lapsed")
				a.heartbeatFailureHandler()
			}
		}
	}()
}

func (a *AppAgent) checkInterval() time.Duration {
	if d := a.heartbeatTimeout / 4; d < time.Second {
		if d <= 0 {
			return time.Millisecond
		}
		return d
	}
	return time.Second
}

// Handler returns the agent's HTTP routes.
func (a *AppAgent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.POST("/apps/:bundleID/launch", a.launch)
	router.POST("/apps/:bundleID/terminate", a.terminate)
	router.GET("/apps/:bundleID/wait", a.wait)
	router.GET("/apps/:bundleID/connect", a.connect)
	return router
}

func (a *AppAgent) runHTTPServer() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := http.Server{Handler: a.Handler()}
	a.runningMut.Lock()
	a.httpServer = &server
	a.runningMut.Unlock()

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the agent and returns once the agent has stopped.
func (a *AppAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// StartHeartbeatCheck arms the heartbeat watchdog without running the HTTP server,
// for callers that serve Handler themselves.
func (a *AppAgent) StartHeartbeatCheck() {
	a.startHeartbeatCheck()
}

// Stop shuts the server down and terminates every running application.
func (a *AppAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.TerminateAll()
	a.runningMut.Lock()
	server := a.httpServer
	a.runningMut.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// TerminateAll terminates every application the agent started.
func (a *AppAgent) TerminateAll() {
	a.runningMut.Lock()
	running := a.running
	a.running = map[string]*instance{}
	a.runningMut.Unlock()

	for bundleID, inst := range running {
		a.logger.Debugw("terminating", "bundleID", bundleID, "instance", inst.id)
		a.stopInstance(inst)
	}
}

func (a *AppAgent) stopInstance(inst *instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inst.proc.Terminate(ctx); err != nil {
		a.logger.Debugf("error terminating instance %s: %s", inst.id, err)
	}
	inst.listener.Close()
}

func (a *AppAgent) instance(bundleID string) *instance {
	a.runningMut.Lock()
	defer a.runningMut.Unlock()
	return a.running[bundleID]
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		log.Debugf("error writing response: %s", err)
	}
}

func (a *AppAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	writeJSON(w, a.logger, HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	})
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

type LaunchResponse struct {
	InstanceID string
}

type WaitResponse struct {
	ExitCode int
	TimeMS   int64
	Error    string
}

// launch starts an application, terminating any instance of it already running.
func (a *AppAgent) launch(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bundleID := params.ByName("bundleID")
	app, ok := a.apps[bundleID]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown application %q", bundleID), http.StatusNotFound)
		return
	}

	a.runningMut.Lock()
	prev := a.running[bundleID]
	delete(a.running, bundleID)
	a.runningMut.Unlock()
	if prev != nil {
		a.stopInstance(prev)
	}

	listener, err := tcp.Listen("127.0.0.1:0")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	proc, err := a.launcher.Launch(r.Context(), launcher.Spec{
		BundleID:   bundleID,
		Command:    app.Command,
		Args:       app.Args,
		Env:        app.Env,
		WD:         app.WD,
		DriverAddr: listener.Addr(),
		Stdout:     a.appOutput,
		Stderr:     a.appOutput,
	})
	if err != nil {
		listener.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	inst := &instance{id: uuid.NewString(), proc: proc, listener: listener}
	a.runningMut.Lock()
	a.running[bundleID] = inst
	a.runningMut.Unlock()
	a.logger.Debugw("launched", "bundleID", bundleID, "instance", inst.id, "driverAddr", listener.Addr())

	writeJSON(w, a.logger, LaunchResponse{InstanceID: inst.id})
}

// matching returns the running instance of bundleID if it is the one the request names.
// An empty instance parameter matches any instance.
func (a *AppAgent) matching(r *http.Request, bundleID string) *instance {
	inst := a.instance(bundleID)
	if inst == nil {
		return nil
	}
	if id := r.URL.Query().Get("instance"); id != "" && id != inst.id {
		return nil
	}
	return inst
}

// terminate stops an application. Terminating an application that is not running succeeds.
func (a *AppAgent) terminate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bundleID := params.ByName("bundleID")
	inst := a.matching(r, bundleID)
	if inst != nil {
		a.runningMut.Lock()
		if a.running[bundleID] == inst {
			delete(a.running, bundleID)
		}
		a.runningMut.Unlock()
		a.stopInstance(inst)
	}
	w.WriteHeader(http.StatusOK)
}

// wait blocks until the application exits. An instance that is no longer known is Gone.
func (a *AppAgent) wait(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	inst := a.matching(r, params.ByName("bundleID"))
	if inst == nil {
		http.Error(w, "no such instance", http.StatusGone)
		return
	}
	res, err := inst.proc.Wait(r.Context())
	if res == nil {
		// the request was canceled
		return
	}
	resp := WaitResponse{ExitCode: res.ExitCode, TimeMS: res.TimeMS}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, a.logger, resp)
}

// connect bridges a WebSocket from the driver to the application's TCP connection.
func (a *AppAgent) connect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	inst := a.matching(r, params.ByName("bundleID"))
	if inst == nil {
		http.Error(w, "application not running", http.StatusNotFound)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("connect WebSocket accept error: %s", err)
		return
	}
	remoteConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)

	localConn, err := inst.listener.Open(r.Context())
	if err != nil {
		a.logger.Debugf("connect accept error: %s", err)
		remoteConn.Close()
		return
	}

	go func() {
		defer remoteConn.Close()
		defer localConn.Close()
		_, err := io.Copy(localConn, remoteConn)
		if err != nil {
			a.logger.Debugf("connect copy to local error: %s", err)
		}
	}()
	_, err = io.Copy(remoteConn, localConn)
	if err != nil {
		a.logger.Debugf("connect copy to remote error: %s", err)
	}
	remoteConn.Close()
}
