// Package docker launches target applications in Docker containers.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/guseggert/appdriver/launcher"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	chars = "abcefghijklmnopqrstuvwxyz0123456789"
	// hostAlias resolves to the Docker host from inside a container.
	hostAlias = "host.docker.internal"
	// targetBinPath is where a host target binary is mounted inside the container.
	targetBinPath = "/appdriver-target"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	Platform         *specs.Platform
}

type Launcher struct {
	Log                   *zap.SugaredLogger
	DockerClient          *client.Client
	ContainerPrefix       string
	CreateContainerConfig func(*CreateContainerConfig) error

	pulledMut sync.Mutex
	pulled    map[string]bool
	counter   int
}

func (l *Launcher) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Launcher {
	l.CreateContainerConfig = f
	return l
}

// New builds a launcher with a Docker client configured from the environment.
func New(log *zap.SugaredLogger) (*Launcher, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Launcher{
		Log:             log.Named("docker_launcher"),
		DockerClient:    dockerClient,
		ContainerPrefix: randString(6),
		pulled:          map[string]bool{},
	}, nil
}

func (l *Launcher) ensureImagePulled(ctx context.Context, image string) error {
	l.pulledMut.Lock()
	defer l.pulledMut.Unlock()
	if l.pulled[image] {
		return nil
	}
	out, err := l.DockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	l.pulled[image] = true
	return nil
}

// containerDriverAddr rewrites a host address so it is reachable from inside a container.
func containerDriverAddr(addr string) string {
	if addr == "" {
		return ""
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(hostAlias, port)
}

// buildConfig maps spec onto a container. A command that is a file on this host is
// mounted into the container and run from there.
func (l *Launcher) buildConfig(spec launcher.Spec, name string) CreateContainerConfig {
	containerSpec := spec
	containerSpec.DriverAddr = containerDriverAddr(spec.DriverAddr)

	hostConfig := &container.HostConfig{
		ExtraHosts: []string{hostAlias + ":host-gateway"},
	}
	entrypoint := append([]string{spec.Command}, spec.Args...)
	if filepath.IsAbs(spec.Command) {
		if _, err := os.Stat(spec.Command); err == nil {
			hostConfig.Binds = []string{fmt.Sprintf("%s:%s", spec.Command, targetBinPath)}
			entrypoint[0] = targetBinPath
		}
	}

	return CreateContainerConfig{
		Name: name,
		ContainerConfig: &container.Config{
			Image:      spec.Image,
			Entrypoint: entrypoint,
			Env:        containerSpec.Environ(),
			WorkingDir: spec.WD,
		},
		HostConfig: hostConfig,
	}
}

func (l *Launcher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Process, error) {
	if spec.Image == "" {
		return nil, errors.New("no image to launch")
	}
	if spec.Command == "" {
		return nil, errors.New("no command to launch")
	}
	err := l.ensureImagePulled(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	l.pulledMut.Lock()
	l.counter++
	id := l.counter
	l.pulledMut.Unlock()
	name := fmt.Sprintf("appdriver-%s-%s-%d", l.ContainerPrefix, unsafeNameChars.ReplaceAllString(spec.BundleID, "_"), id)

	ccConfig := l.buildConfig(spec, name)
	if l.CreateContainerConfig != nil {
		err := l.CreateContainerConfig(&ccConfig)
		if err != nil {
			return nil, fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	createResp, err := l.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		ccConfig.Platform,
		ccConfig.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	start := time.Now()
	err = l.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		l.remove(context.Background(), containerID)
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}
	l.Log.Debugw("started container", "bundleID", spec.BundleID, "container", name)

	c := &containerProc{launcher: l, id: containerID, exited: make(chan struct{})}
	go c.watch(start)
	return c, nil
}

func (l *Launcher) remove(ctx context.Context, id string) error {
	err := l.DockerClient.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %q: %w", id, err)
	}
	return nil
}

type containerProc struct {
	launcher *Launcher
	id       string

	exited chan struct{}
	result *launcher.Result
	err    error
}

func (c *containerProc) watch(start time.Time) {
	defer close(c.exited)
	waitCh, errCh := c.launcher.DockerClient.ContainerWait(context.Background(), c.id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		c.result = &launcher.Result{ExitCode: int(resp.StatusCode), TimeMS: time.Since(start).Milliseconds()}
		if resp.Error != nil && resp.Error.Message != "" {
			c.err = errors.New(resp.Error.Message)
		}
	case err := <-errCh:
		c.result = &launcher.Result{ExitCode: -1, TimeMS: time.Since(start).Milliseconds()}
		c.err = fmt.Errorf("waiting for container %q: %w", c.id, err)
	}
}

func (c *containerProc) Wait(ctx context.Context) (*launcher.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.exited:
		return c.result, c.err
	}
}

// Terminate force-removes the container.
func (c *containerProc) Terminate(ctx context.Context) error {
	if err := c.launcher.remove(ctx, c.id); err != nil {
		return err
	}
	select {
	case <-c.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
