package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/runner"
)

func newTestDispatcher(t *testing.T, e *peerEnv, registry ExecutorRegistry, listener ResolutionListener, cfg DispatcherConfig) ExecutionDispatcher {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return NewExecutionDispatcher(e.store, e.files, registry, listener, cfg, zerolog.Nop())
}

func readResult(t *testing.T, e *peerEnv, match models.TestMatch) string {
	t.Helper()
	require.NotNil(t, match.Result)
	file, err := e.files.Open(fileKey(e.coursework.CourseCode, *match.Result), 1, ResultFileName)
	require.NoError(t, err)
	defer file.Close()
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	return string(data)
}

func selfMatch(t *testing.T, e *peerEnv, solutionFiles, testFiles map[string]string) models.TestMatch {
	t.Helper()
	solution := e.submit(e.alice, models.SubmissionSolution, solutionFiles)
	test := e.submit(e.alice, models.SubmissionTestCase, testFiles)
	match, err := e.matches.Create(e.ctx, e.alice, CreateTestMatchInput{
		Mode:         models.TestMatchSelf,
		CourseworkID: e.coursework.ID,
		SolutionID:   solution.ID,
		TestID:       test.ID,
	})
	require.NoError(t, err)
	return match
}

func TestRunStagesFilesAndPersistsResult(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	listener := newRecordingListener()
	match := selfMatch(t, e, map[string]string{"lists.py": "def head(x): return x[0]"}, map[string]string{"test_lists.py": "assert head([1]) == 1"})

	var workdir string
	executor := executorFunc(func(ctx context.Context, req runner.Request) (runner.Outcome, error) {
		workdir = req.Workdir
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		for _, name := range []string{"lists.py", "test_lists.py"} {
			_, err := os.Stat(filepath.Join(req.Workdir, name))
			require.NoError(t, err, name)
		}
		return runner.Outcome{ExitCode: 0, Output: "Ran 1 test\n\nOK\n", Duration: 40 * time.Millisecond}, nil
	})

	dispatcher := newTestDispatcher(t, e, fixedRegistry{executor: executor}, listener, DispatcherConfig{LibDir: "/opt/libs"})
	resolved, err := dispatcher.Run(e.ctx, match.ID)
	require.NoError(t, err)

	require.True(t, resolved.HasBeenRun())
	require.Equal(t, 0, *resolved.ErrorLevel)
	require.NotNil(t, resolved.Result)
	require.Equal(t, models.SubmissionTestResult, resolved.Result.Type)
	require.Equal(t, e.alice.ID, resolved.Result.CreatorID)
	require.Equal(t, "Ran 1 test\n\nOK\n", readResult(t, e, resolved))
	require.EqualValues(t, 40, resolved.Details["duration_ms"])

	_, err = os.Stat(workdir)
	require.True(t, os.IsNotExist(err), "workspace must be removed")
	require.Equal(t, 1, listener.count())
}

func TestResultIsOwnedByTestCreator(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	solution := e.submit(e.alice, models.SubmissionSolution, map[string]string{"lists.py": "x"})
	match, err := e.matches.CreateSelfTestForSolution(e.ctx, solution)
	require.NoError(t, err)

	executor := executorFunc(func(context.Context, runner.Request) (runner.Outcome, error) {
		return runner.Outcome{ExitCode: 1, Output: "FAILED (failures=1)"}, nil
	})
	resolved, err := newTestDispatcher(t, e, fixedRegistry{executor: executor}, nil, DispatcherConfig{}).Run(e.ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, 1, *resolved.ErrorLevel)
	require.Equal(t, e.teacher.ID, resolved.Result.CreatorID, "the signature test belongs to the teacher")
}

func TestRunRecordsTimeoutWithPartialOutput(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	match := selfMatch(t, e, map[string]string{"lists.py": "x"}, map[string]string{"test_lists.py": "t"})

	executor := executorFunc(func(ctx context.Context, req runner.Request) (runner.Outcome, error) {
		<-ctx.Done()
		return runner.Outcome{ExitCode: 137, Output: "partial", TimedOut: true, Duration: 50 * time.Millisecond}, nil
	})
	dispatcher := newTestDispatcher(t, e, fixedRegistry{executor: executor}, nil, DispatcherConfig{Timeout: 50 * time.Millisecond})

	resolved, err := dispatcher.Run(e.ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, models.ErrorLevelTimedOut, *resolved.ErrorLevel)
	require.Equal(t, TimeoutOutputPrefix+"partial", readResult(t, e, resolved))
	require.Equal(t, true, resolved.Details["timed_out"])
}

func TestRunRecordsSpawnFailure(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	match := selfMatch(t, e, map[string]string{"lists.py": "x"}, map[string]string{"test_lists.py": "t"})

	executor := executorFunc(func(context.Context, runner.Request) (runner.Outcome, error) {
		return runner.Outcome{}, fmt.Errorf("%w: exec: \"python3\": executable file not found in $PATH", runner.ErrSpawn)
	})
	resolved, err := newTestDispatcher(t, e, fixedRegistry{executor: executor}, nil, DispatcherConfig{}).Run(e.ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, models.ErrorLevelExecutionError, *resolved.ErrorLevel)
	require.Contains(t, readResult(t, e, resolved), ExecutionErrorPrefix)
	require.Contains(t, readResult(t, e, resolved), "executable file not found")
}

func TestRunWithoutExecutionResolvesToZero(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	match := selfMatch(t, e, map[string]string{"lists.py": "x"}, map[string]string{"test_lists.py": "t"})

	resolved, err := newTestDispatcher(t, e, fixedRegistry{err: runner.ErrNoExecution}, nil, DispatcherConfig{}).Run(e.ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, 0, *resolved.ErrorLevel)
	require.Nil(t, resolved.Result)
}

func TestRunIsExactlyOnce(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	match := selfMatch(t, e, map[string]string{"lists.py": "x"}, map[string]string{"test_lists.py": "t"})

	calls := 0
	executor := executorFunc(func(context.Context, runner.Request) (runner.Outcome, error) {
		calls++
		return runner.Outcome{Output: "OK"}, nil
	})
	dispatcher := newTestDispatcher(t, e, fixedRegistry{executor: executor}, nil, DispatcherConfig{})

	resolved, err := dispatcher.Run(e.ctx, match.ID)
	require.NoError(t, err)

	_, err = dispatcher.Run(e.ctx, match.ID)
	require.ErrorIs(t, err, ErrAlreadyResolved)
	require.ErrorIs(t, dispatcher.Dispatch(e.ctx, resolved), ErrAlreadyResolved)
	require.Equal(t, 1, calls)
}

func TestStagingCollisionPolicies(t *testing.T) {
	solutionFiles := map[string]string{"lists.py": "x", "common.py": "from solution"}
	testFiles := map[string]string{"test_lists.py": "t", "common.py": "from test"}

	t.Run("overwrite", func(t *testing.T) {
		e := newPeerEnv(t, models.CourseworkUpload)
		match := selfMatch(t, e, solutionFiles, testFiles)

		executor := executorFunc(func(_ context.Context, req runner.Request) (runner.Outcome, error) {
			data, err := os.ReadFile(filepath.Join(req.Workdir, "common.py"))
			if err != nil {
				return runner.Outcome{}, err
			}
			return runner.Outcome{Output: string(data)}, nil
		})
		resolved, err := newTestDispatcher(t, e, fixedRegistry{executor: executor}, nil, DispatcherConfig{}).Run(e.ctx, match.ID)
		require.NoError(t, err)
		require.Equal(t, "from test", readResult(t, e, resolved), "test files are staged last")
	})

	t.Run("fail", func(t *testing.T) {
		e := newPeerEnv(t, models.CourseworkUpload)
		match := selfMatch(t, e, solutionFiles, testFiles)

		executor := executorFunc(func(context.Context, runner.Request) (runner.Outcome, error) {
			t.Fatal("executor must not run when staging fails")
			return runner.Outcome{}, nil
		})
		resolved, err := newTestDispatcher(t, e, fixedRegistry{executor: executor}, nil, DispatcherConfig{FailOnCollision: true}).Run(e.ctx, match.ID)
		require.NoError(t, err)
		require.Equal(t, models.ErrorLevelExecutionError, *resolved.ErrorLevel)
		require.Contains(t, readResult(t, e, resolved), "common.py")
	})
}

func TestCancelledRunLeavesMatchPending(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	match := selfMatch(t, e, map[string]string{"lists.py": "x"}, map[string]string{"test_lists.py": "t"})

	ctx, cancel := context.WithCancel(e.ctx)
	executor := executorFunc(func(ctx context.Context, _ runner.Request) (runner.Outcome, error) {
		cancel()
		<-ctx.Done()
		return runner.Outcome{}, ctx.Err()
	})

	_, err := newTestDispatcher(t, e, fixedRegistry{executor: executor}, nil, DispatcherConfig{}).Run(ctx, match.ID)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, e.reloadMatch(match.ID).HasBeenRun())
}

func TestDispatchAppliesBackpressure(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	first := selfMatch(t, e, map[string]string{"lists.py": "x"}, map[string]string{"test_a.py": "t"})
	second := selfMatch(t, e, map[string]string{"lists.py": "y"}, map[string]string{"test_b.py": "t"})

	dispatcher := newTestDispatcher(t, e, fixedRegistry{err: runner.ErrNoExecution}, nil, DispatcherConfig{Workers: 1, QueueSize: 1})

	require.NoError(t, dispatcher.Dispatch(e.ctx, first))
	require.NoError(t, dispatcher.Dispatch(e.ctx, first), "queued matches are not queued twice")
	require.ErrorIs(t, dispatcher.Dispatch(e.ctx, second), ErrQueueFull)

	_, err := dispatcher.Run(e.ctx, first.ID)
	require.ErrorIs(t, err, ErrExecutionInProgress)
}

func TestWorkersDrainQueue(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	listener := newRecordingListener()
	matches := []models.TestMatch{
		selfMatch(t, e, map[string]string{"lists.py": "1"}, map[string]string{"test_a.py": "t"}),
		selfMatch(t, e, map[string]string{"lists.py": "2"}, map[string]string{"test_b.py": "t"}),
		selfMatch(t, e, map[string]string{"lists.py": "3"}, map[string]string{"test_c.py": "t"}),
	}

	executor := executorFunc(func(context.Context, runner.Request) (runner.Outcome, error) {
		return runner.Outcome{Output: "OK"}, nil
	})
	dispatcher := newTestDispatcher(t, e, fixedRegistry{executor: executor}, listener, DispatcherConfig{Workers: 2, QueueSize: 8})

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- dispatcher.Start(ctx) }()

	for _, match := range matches {
		require.NoError(t, dispatcher.Dispatch(e.ctx, match))
	}

	seen := make(map[string]bool)
	for len(seen) < len(matches) {
		select {
		case match := <-listener.notify:
			seen[match.ID] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d matches resolved", len(seen), len(matches))
		}
	}

	cancel()
	require.NoError(t, <-done)
	for _, match := range matches {
		require.True(t, e.reloadMatch(match.ID).HasBeenRun())
	}
}
