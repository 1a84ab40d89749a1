//go:build unix

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ProcessSandbox runs commands as local child processes in their own process group.
type ProcessSandbox struct {
	outputLimit int64
	waitDelay   time.Duration
}

// NewProcessSandbox returns a sandbox keeping at most outputLimit bytes per stream.
func NewProcessSandbox(outputLimit int64) *ProcessSandbox {
	return &ProcessSandbox{outputLimit: outputLimit, waitDelay: time.Second}
}

// Run starts the command and waits for it.
func (p *ProcessSandbox) Run(ctx context.Context, cmd Command) (Result, error) {
	program := expand(cmd.Program, cmd.Workdir, cmd.LibDir)
	c := exec.CommandContext(ctx, program, expandAll(cmd.Args, cmd.Workdir, cmd.LibDir)...)
	c.Dir = cmd.Workdir
	c.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + cmd.Workdir,
		"LANG=C.UTF-8",
	}, expandAll(cmd.Env, cmd.Workdir, cmd.LibDir)...)

	stdout := &limitedBuffer{limit: p.outputLimit}
	stderr := &limitedBuffer{limit: p.outputLimit}
	c.Stdout = stdout
	c.Stderr = stderr

	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return unix.Kill(-c.Process.Pid, unix.SIGKILL)
	}
	c.WaitDelay = p.waitDelay

	start := time.Now()
	runErr := c.Run()
	if c.Process != nil {
		// Reap anything the program left running in its group.
		_ = unix.Kill(-c.Process.Pid, unix.SIGKILL)
	}

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = exitCode(c.ProcessState)
		return result, nil
	case errors.Is(ctx.Err(), context.Canceled):
		return result, ctx.Err()
	}

	if runErr != nil && c.Process == nil {
		return result, fmt.Errorf("%w: %v", ErrSpawn, runErr)
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) && !errors.Is(runErr, exec.ErrWaitDelay) {
		return result, fmt.Errorf("%w: %v", ErrSpawn, runErr)
	}

	result.ExitCode = exitCode(c.ProcessState)
	return result, nil
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}

// limitedBuffer keeps the first limit bytes written and discards the rest
// without failing the writer.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	if room := b.limit - int64(b.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
