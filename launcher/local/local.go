// Package local launches target applications as processes on this host.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/appdriver/launcher"
	"go.uber.org/zap"
)

type Launcher struct {
	Log *zap.SugaredLogger
	// GracePeriod is how long Terminate waits after an interrupt before killing.
	GracePeriod time.Duration
}

func New(log *zap.SugaredLogger) *Launcher {
	return &Launcher{Log: log.Named("local_launcher"), GracePeriod: 5 * time.Second}
}

type proc struct {
	cmd   *exec.Cmd
	grace time.Duration
	log   *zap.SugaredLogger

	exited chan struct{}
	result *launcher.Result
	err    error
}

func (l *Launcher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Process, error) {
	if spec.Command == "" {
		return nil, errors.New("no command to launch")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Environ()...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Dir = spec.WD

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	l.Log.Debugw("launched", "bundleID", spec.BundleID, "pid", cmd.Process.Pid)

	p := &proc{cmd: cmd, grace: l.GracePeriod, log: l.Log, exited: make(chan struct{})}

	// wait on the process to finish and record the result
	go func() {
		exitCode := 0
		var resultErr error

		err := cmd.Wait()
		timeMS := time.Since(start).Milliseconds()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				resultErr = err
				exitCode = -1
			}
		}
		p.result = &launcher.Result{ExitCode: exitCode, TimeMS: timeMS}
		p.err = resultErr
		l.Log.Debugw("exited", "bundleID", spec.BundleID, "code", exitCode)
		close(p.exited)
	}()

	return p, nil
}

func (p *proc) Wait(ctx context.Context) (*launcher.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		return p.result, p.err
	}
}

func (p *proc) Terminate(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.log.Debugw("interrupt failed, killing", "err", err)
		return p.kill()
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		return p.kill()
	case <-ctx.Done():
		return p.kill()
	}
}

func (p *proc) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process: %w", err)
	}
	// wait for the reaper so the result is recorded
	<-p.exited
	return nil
}
