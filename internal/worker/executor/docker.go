package executor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// SessionLabel marks containers started for a session.
const SessionLabel = "io.slotgrid.session"

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runtime is the slice of the container engine a DockerBackend needs.
type Runtime interface {
	Start(ctx context.Context, name, image string, labels map[string]string) (string, error)
	Remove(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error)
}

// DockerRuntime implements Runtime with the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the local engine using the DOCKER_*
// environment variables.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Start(ctx context.Context, name, image string, labels map[string]string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Labels: labels,
		Tty:    false,
	}, &container.HostConfig{
		// Browsers crash with the default 64MB /dev/shm.
		ShmSize: 2 << 30,
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container from %s: %w", image, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", shortID(resp.ID), err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(containerID), err)
	}
	return nil
}

func (d *DockerRuntime) Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec in %s: %w", shortID(containerID), err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec in %s: %w", shortID(containerID), err)
	}
	defer attached.Close()

	// stdcopy splits Docker's multiplexed stream.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec in %s: %w", shortID(containerID), err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
