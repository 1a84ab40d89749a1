// Package runner executes staged test matches for each supported runtime.
package runner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/peergramming/peer-testing/internal/models"
)

var (
	// ErrSpawn is returned when the sandboxed process could not be started or awaited.
	ErrSpawn = errors.New("runner: failed to start process")
	// ErrInvalidRequest is returned when the coursework configuration cannot be executed.
	ErrInvalidRequest = errors.New("runner: invalid execution request")
	// ErrNoExecution is returned for courseworks whose runtime does not execute tests.
	ErrNoExecution = errors.New("runner: runtime does not execute tests")
	// ErrUnsupportedRuntime is returned for runtimes without a registered executor.
	ErrUnsupportedRuntime = errors.New("runner: unsupported runtime")
)

// Request describes one staged execution. Workdir already holds the solution and test files.
type Request struct {
	Workdir      string
	LibDir       string
	TestSelector string
	Script       string
}

// Outcome is the result of running a test match.
type Outcome struct {
	ExitCode int
	Output   string
	TimedOut bool
	Duration time.Duration
}

// Executor runs the tests staged in a workspace. The deadline on ctx is the execution timeout.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// Placeholders substituted by a Sandbox with the paths it exposes to the process.
const (
	WorkdirPlaceholder = "{workdir}"
	LibDirPlaceholder  = "{libdir}"
)

// Command is a single program invocation inside a sandbox.
type Command struct {
	Image   string
	Program string
	Args    []string
	Env     []string
	Workdir string
	LibDir  string
}

// Result is the raw outcome of a sandboxed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Output joins stdout and stderr in that order.
func (r Result) Output() string {
	return r.Stdout + r.Stderr
}

// Sandbox runs commands in isolation. When ctx's deadline passes the whole
// process tree is killed and Result.TimedOut is set.
type Sandbox interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

func expand(value, workdir, libdir string) string {
	return strings.NewReplacer(WorkdirPlaceholder, workdir, LibDirPlaceholder, libdir).Replace(value)
}

func expandAll(values []string, workdir, libdir string) []string {
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = expand(value, workdir, libdir)
	}
	return out
}

// Images names the container image used per runtime.
type Images struct {
	Python string
	Java   string
	Script string
}

// Registry maps runtimes to executors.
type Registry map[models.Runtime]Executor

// NewRegistry wires the built-in executors to a sandbox.
func NewRegistry(sandbox Sandbox, images Images) Registry {
	return Registry{
		models.RuntimePython3: NewPythonExecutor(sandbox, images.Python),
		models.RuntimeJava8:   NewJavaExecutor(sandbox, images.Java),
		models.RuntimeScript:  NewScriptExecutor(sandbox, images.Script),
	}
}

// For returns the executor for a runtime.
func (r Registry) For(runtime models.Runtime) (Executor, error) {
	if runtime == models.RuntimeNone || runtime == "" {
		return nil, ErrNoExecution
	}
	executor, ok := r[runtime]
	if !ok {
		return nil, ErrUnsupportedRuntime
	}
	return executor, nil
}
