// Package launcher starts and stops target application processes.
package launcher

import (
	"context"
	"io"
)

// Environment variables through which a launched target learns how to reach the driver.
const (
	EnvDriverAddr = "APPDRIVER_DRIVER_ADDR"
	EnvBundleID   = "APPDRIVER_BUNDLE_ID"
)

type Spec struct {
	BundleID string
	Command  string
	Args     []string
	Env      []string
	WD       string
	// Image is the container image, for launchers that run containers.
	Image string
	// DriverAddr is the transport address the target connects to.
	DriverAddr string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Environ returns Env plus the variables that point the target at the driver.
func (s Spec) Environ() []string {
	env := append([]string{}, s.Env...)
	if s.DriverAddr != "" {
		env = append(env, EnvDriverAddr+"="+s.DriverAddr)
	}
	if s.BundleID != "" {
		env = append(env, EnvBundleID+"="+s.BundleID)
	}
	return env
}

type Result struct {
	ExitCode int
	TimeMS   int64
}

// Process is a launched target.
type Process interface {
	// Wait blocks until the process exits. It may be called any number of times.
	Wait(ctx context.Context) (*Result, error)
	// Terminate stops the process. Stopping an exited process is not an error.
	Terminate(ctx context.Context) error
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}
