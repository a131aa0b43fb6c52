// Package container executes a build inside a sealed container: fixed
// volume topology, network disabled, multiplexed log streaming, and
// exit-code collection, always removing the container on every exit
// path.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// Engine is the subset of the Docker Engine API client the executor
// needs, narrowed to an interface so tests can supply a fake rather than
// a real daemon connection.
type Engine interface {
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, image string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// ErrContainerStart is returned when the container cannot be created or
// started; this is a system error distinct from a non-zero build exit.
var ErrContainerStart = errors.New("container start failed")

const (
	mountWork      = "/work/repo"
	mountToolchain = "/work/dalamud"
	mountStatic    = "/static"
	mountOutput    = "/output"
	mountPackages  = "/packages"

	entrypoint = "/static/entrypoint.sh"
)

// Spec describes one build task's container invocation.
type Spec struct {
	Image         string
	WorkDir       string
	ToolchainDir  string
	StaticDir     string
	OutputDir     string
	PackagesDir   string
	PluginName    string
	PluginCommit  string
	PluginVersion string // optional
}

// Result is the outcome of one container run.
type Result struct {
	ExitCode int
	Logs     []byte
}

// Executor drives one container per task through the Docker Engine API.
type Executor struct {
	cli Engine
	log *zap.Logger
}

// New returns an Executor bound to a Docker Engine API client.
func New(cli Engine, log *zap.Logger) *Executor {
	return &Executor{cli: cli, log: log}
}

// EnsureImage pulls Spec.Image if it is not already present locally.
func (e *Executor) EnsureImage(ctx context.Context, image string) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}

	e.log.Info("pulling build image", zap.String("image", image))
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response for %s: %w", image, err)
	}
	return nil
}

// Run creates, starts, streams, and removes one build container for
// spec. The container is always removed, on success, build failure, or
// error, per the fixed volume topology and sealed execution model.
func (e *Executor) Run(ctx context.Context, spec Spec) (Result, error) {
	env := []string{
		"PLOGON_PROJECT_DIR=" + mountWork,
		"PLOGON_PLUGIN_NAME=" + spec.PluginName,
		"PLOGON_PLUGIN_COMMIT=" + spec.PluginCommit,
		"DALAMUD_LIB_PATH=" + mountToolchain + "/",
	}
	if spec.PluginVersion != "" {
		env = append(env, "PLOGON_PLUGIN_VERSION="+spec.PluginVersion)
	}

	config := &containertypes.Config{
		Image:      spec.Image,
		Env:        env,
		Entrypoint: []string{entrypoint},
		Labels: map[string]string{
			"app":       "plogon",
			"component": "build",
			"plugin":    spec.PluginName,
		},
	}

	hostConfig := &containertypes.HostConfig{
		NetworkMode: "none",
		Privileged:  false,
		IpcMode:     containertypes.IpcMode("none"),
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.WorkDir, Target: mountWork, ReadOnly: false},
			{Type: mount.TypeBind, Source: spec.ToolchainDir, Target: mountToolchain, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.StaticDir, Target: mountStatic, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.OutputDir, Target: mountOutput, ReadOnly: false},
			{Type: mount.TypeBind, Source: spec.PackagesDir, Target: mountPackages, ReadOnly: true},
		},
	}

	containerName := "plogon-" + spec.PluginName + "-" + shortCommit(spec.PluginCommit)

	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating container: %v", ErrContainerStart, err)
	}
	containerID := resp.ID

	defer func() {
		if err := e.cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			e.log.Warn("failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		}
	}()

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return Result{}, fmt.Errorf("%w: starting container: %v", ErrContainerStart, err)
	}

	logs, err := e.streamLogs(ctx, containerID)
	if err != nil {
		return Result{}, fmt.Errorf("streaming logs: %w", err)
	}

	waitC, errC := e.cli.ContainerWait(ctx, containerID, containertypes.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errC:
		return Result{Logs: logs}, fmt.Errorf("waiting for container: %w", err)
	case status := <-waitC:
		exitCode = int(status.StatusCode)
	}

	e.log.Info("container exited", zap.String("plugin", spec.PluginName), zap.Int("exit_code", exitCode))
	return Result{ExitCode: exitCode, Logs: logs}, nil
}

// streamLogs reads the multiplexed stdout/stderr log stream to EOF.
func (e *Executor) streamLogs(ctx context.Context, containerID string) ([]byte, error) {
	stream, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening log stream: %w", err)
	}
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, stream); err != nil && err != io.EOF {
		return buf.Bytes(), fmt.Errorf("reading log stream: %w", err)
	}
	return buf.Bytes(), nil
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
