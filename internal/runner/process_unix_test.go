//go:build unix

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessSandboxCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	sandbox := NewProcessSandbox(0)

	res, err := sandbox.Run(context.Background(), Command{
		Program: "/bin/sh",
		Args:    []string{"-c", "echo out; echo err >&2; pwd; exit 3"},
		Workdir: dir,
	})
	require.NoError(t, err)
	require.False(t, res.TimedOut)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stdout, "out\n")
	require.Equal(t, "err\n", res.Stderr)
	require.Contains(t, res.Output(), dir)
}

func TestProcessSandboxExpandsPlaceholders(t *testing.T) {
	dir := t.TempDir()
	libs := t.TempDir()

	res, err := NewProcessSandbox(0).Run(context.Background(), Command{
		Program: "/bin/sh",
		Args:    []string{"-c", `printf "%s|%s" "$0" "$1"`, WorkdirPlaceholder, LibDirPlaceholder},
		Workdir: dir,
		LibDir:  libs,
	})
	require.NoError(t, err)
	require.Equal(t, dir+"|"+libs, res.Stdout)
}

func TestProcessSandboxKillsOnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := NewProcessSandbox(0).Run(ctx, Command{
		Program: "/bin/sh",
		Args:    []string{"-c", "echo started; sleep 30 & sleep 30"},
		Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, "started\n", res.Stdout)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessSandboxReportsSpawnFailure(t *testing.T) {
	_, err := NewProcessSandbox(0).Run(context.Background(), Command{
		Program: filepath.Join(t.TempDir(), "missing-binary"),
		Workdir: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrSpawn)
}

func TestProcessSandboxReturnsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := NewProcessSandbox(0).Run(ctx, Command{
		Program: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Workdir: t.TempDir(),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessSandboxCapsOutput(t *testing.T) {
	res, err := NewProcessSandbox(8).Run(context.Background(), Command{
		Program: "/bin/sh",
		Args:    []string{"-c", "printf 0123456789abcdef"},
		Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, "01234567", res.Stdout)
}

func TestScriptExecutorRunsLibraryScript(t *testing.T) {
	libs := t.TempDir()
	work := t.TempDir()
	script := "#!/bin/sh\nls \"$1\"\nexit 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(libs, "check.sh"), []byte(script), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "solution.txt"), []byte("x"), 0o644))

	executor := NewScriptExecutor(NewProcessSandbox(0), "")
	outcome, err := executor.Execute(context.Background(), Request{Workdir: work, LibDir: libs, Script: "check.sh"})
	require.NoError(t, err)
	require.Equal(t, 2, outcome.ExitCode)
	require.Equal(t, "solution.txt\n", outcome.Output)
}
