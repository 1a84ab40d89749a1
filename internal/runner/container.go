package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/peergramming/peer-testing/pkg/docker"
)

// ContainerRunner runs a job in a throwaway container.
type ContainerRunner interface {
	Run(ctx context.Context, job docker.Job) (docker.Result, error)
}

// ContainerSandbox runs commands inside containers with the workspace and
// libraries mounted at fixed paths.
type ContainerSandbox struct {
	runner ContainerRunner
}

// NewContainerSandbox wraps a container runner.
func NewContainerSandbox(runner ContainerRunner) *ContainerSandbox {
	return &ContainerSandbox{runner: runner}
}

// Run executes cmd in a new container.
func (s *ContainerSandbox) Run(ctx context.Context, cmd Command) (Result, error) {
	argv := append([]string{expand(cmd.Program, docker.WorkspacePath, docker.LibsPath)},
		expandAll(cmd.Args, docker.WorkspacePath, docker.LibsPath)...)

	res, err := s.runner.Run(ctx, docker.Job{
		Image:   cmd.Image,
		Cmd:     argv,
		Env:     expandAll(cmd.Env, docker.WorkspacePath, docker.LibsPath),
		Workdir: cmd.Workdir,
		LibDir:  cmd.LibDir,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	return Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Duration: res.Duration,
	}, nil
}
