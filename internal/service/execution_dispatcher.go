package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	cp "github.com/otiai10/copy"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/observability"
	"github.com/peergramming/peer-testing/internal/repository"
	"github.com/peergramming/peer-testing/internal/runner"
)

// Output prefixes recorded for runs that did not complete normally.
const (
	TimeoutOutputPrefix   = "Time Out: \n"
	ExecutionErrorPrefix  = "Execution error: "
	defaultExecTimeout    = 30 * time.Second
	resultDisplayName     = "Test Result"
	persistMaxRetries     = 3
	persistInitialBackoff = 50 * time.Millisecond
)

// ErrExecutionInProgress is returned when a match is already queued or running on this node.
var ErrExecutionInProgress = errors.New("test match is already being executed")

// DispatcherConfig tunes the worker pool and staging.
type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	Timeout         time.Duration
	WorkspaceRoot   string
	LibDir          string
	FailOnCollision bool
}

// ExecutorRegistry resolves the executor for a coursework runtime.
type ExecutorRegistry interface {
	For(runtime models.Runtime) (runner.Executor, error)
}

// ExecutionDispatcher drives pending test matches to a resolved state exactly once.
type ExecutionDispatcher interface {
	// Dispatch queues the match for asynchronous execution. It never blocks;
	// ErrQueueFull is returned when the queue is at capacity.
	Dispatch(ctx context.Context, match models.TestMatch) error
	// Run executes the match synchronously.
	Run(ctx context.Context, matchID string) (models.TestMatch, error)
	// Start runs the worker pool until ctx is cancelled.
	Start(ctx context.Context) error
}

type executionDispatcher struct {
	store     *repository.Store
	files     SubmissionFiles
	executors ExecutorRegistry
	listener  ResolutionListener
	cfg       DispatcherConfig
	queue     chan string
	inflight  sync.Map
	backoff   func() retry.Backoff
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewExecutionDispatcher constructs a dispatcher. listener may be nil.
func NewExecutionDispatcher(store *repository.Store, files SubmissionFiles, executors ExecutorRegistry, listener ResolutionListener, cfg DispatcherConfig, logger zerolog.Logger) ExecutionDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecTimeout
	}

	return &executionDispatcher{
		store:     store,
		files:     files,
		executors: executors,
		listener:  listener,
		cfg:       cfg,
		queue:     make(chan string, cfg.QueueSize),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(persistMaxRetries, retry.NewExponential(persistInitialBackoff))
		},
		logger: logger.With().Str("component", "execution_dispatcher").Logger(),
		tracer: otel.Tracer("github.com/peergramming/peer-testing/internal/service/dispatcher"),
	}
}

func (d *executionDispatcher) Dispatch(ctx context.Context, match models.TestMatch) error {
	if match.HasBeenRun() {
		return ErrAlreadyResolved
	}
	if _, loaded := d.inflight.LoadOrStore(match.ID, struct{}{}); loaded {
		return nil
	}

	select {
	case d.queue <- match.ID:
		observability.DispatchQueueDepth().Inc()
		d.logger.Debug().Str("test_match_id", match.ID).Msg("test match queued")
		return nil
	default:
		d.inflight.Delete(match.ID)
		observability.DispatchRejected().Inc()
		d.logger.Warn().Str("test_match_id", match.ID).Int("queue_size", cap(d.queue)).Msg("execution queue full")
		return ErrQueueFull
	}
}

func (d *executionDispatcher) Run(ctx context.Context, matchID string) (models.TestMatch, error) {
	if _, loaded := d.inflight.LoadOrStore(matchID, struct{}{}); loaded {
		return models.TestMatch{}, ErrExecutionInProgress
	}
	defer d.inflight.Delete(matchID)

	return d.execute(ctx, matchID)
}

func (d *executionDispatcher) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		group.Go(func() error {
			d.work(groupCtx, worker)
			return nil
		})
	}

	d.logger.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("execution workers started")
	return group.Wait()
}

func (d *executionDispatcher) work(ctx context.Context, worker int) {
	logger := d.logger.With().Int("worker", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case matchID := <-d.queue:
			observability.DispatchQueueDepth().Dec()
			if _, err := d.execute(ctx, matchID); err != nil {
				logger.Error().Err(err).Str("test_match_id", matchID).Msg("test match execution failed")
			}
			d.inflight.Delete(matchID)
		}
	}
}

// execute runs one match end to end. Matches are left pending when ctx is
// cancelled before the outcome is persisted.
func (d *executionDispatcher) execute(ctx context.Context, matchID string) (models.TestMatch, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.execute", trace.WithAttributes(attribute.String("test_match.id", matchID)))
	defer span.End()

	match, err := d.store.TestMatches.GetByID(ctx, matchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TestMatch{}, ErrTestMatchNotFound
	}
	if err != nil {
		span.RecordError(err)
		return models.TestMatch{}, err
	}
	if match.HasBeenRun() {
		return match, ErrAlreadyResolved
	}

	runtime := match.Coursework.Runtime
	span.SetAttributes(attribute.String("test_match.runtime", string(runtime)))
	logger := d.logger.With().Str("test_match_id", match.ID).Str("runtime", string(runtime)).Logger()

	executor, err := d.executors.For(runtime)
	if errors.Is(err, runner.ErrNoExecution) {
		if err := d.resolveWithoutExecution(ctx, match); err != nil {
			span.RecordError(err)
			return models.TestMatch{}, err
		}
		logger.Info().Int("error_level", 0).Msg("test match resolved without execution")
		observability.Executions().WithLabelValues(string(models.RuntimeNone), dto.OutcomePassed).Inc()
		return d.resolved(ctx, match.ID)
	}

	var outcome runner.Outcome
	if err != nil {
		outcome = executionError(err)
	} else {
		outcome, err = d.stageAndExecute(ctx, executor, match)
		if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Msg("test match execution abandoned")
			return models.TestMatch{}, ctx.Err()
		}
		if err != nil {
			outcome = executionError(err)
		}
	}

	level := errorLevel(outcome)
	if err := d.persist(ctx, match, level, outcome); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist outcome")
		return models.TestMatch{}, err
	}

	label := dto.Outcome(&level)
	observability.Executions().WithLabelValues(string(runtime), label).Inc()
	observability.ExecutionDuration().WithLabelValues(string(runtime)).Observe(outcome.Duration.Seconds())
	logger.Info().
		Int("error_level", level).
		Int64("duration_ms", outcome.Duration.Milliseconds()).
		Str("outcome", label).
		Msg("test match resolved")

	return d.resolved(ctx, match.ID)
}

// stageAndExecute copies the pinned solution and test versions into a fresh
// workspace and runs the executor there under the execution timeout.
func (d *executionDispatcher) stageAndExecute(ctx context.Context, executor runner.Executor, match models.TestMatch) (runner.Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.stage")
	defer span.End()

	if d.cfg.WorkspaceRoot != "" {
		if err := os.MkdirAll(d.cfg.WorkspaceRoot, 0o755); err != nil {
			return runner.Outcome{}, fmt.Errorf("prepare workspace root: %w", err)
		}
	}
	workdir, err := os.MkdirTemp(d.cfg.WorkspaceRoot, "tm-"+match.ID+"-")
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			d.logger.Warn().Err(err).Str("workdir", workdir).Msg("failed to remove workspace")
		}
	}()

	courseCode := match.Coursework.CourseCode
	sources := []struct {
		submission models.Submission
		version    int
	}{
		{match.Solution, match.SolutionVersion},
		{match.Test, match.TestVersion},
	}

	staged := make(map[string]string)
	for _, source := range sources {
		key := fileKey(courseCode, source.submission)
		names, err := d.files.Files(key, source.version)
		if err != nil {
			return runner.Outcome{}, fmt.Errorf("list files of %s v%d: %w", source.submission.ID, source.version, err)
		}
		for _, name := range names {
			if previous, ok := staged[name]; ok {
				if d.cfg.FailOnCollision {
					return runner.Outcome{}, fmt.Errorf("file %q is present in both %s and %s", name, previous, source.submission.ID)
				}
				d.logger.Warn().Str("test_match_id", match.ID).Str("file", name).Msg("staged file overwritten by test file")
			}
			staged[name] = source.submission.ID
		}

		dir, err := d.files.OriginalsPath(key, source.version)
		if err != nil {
			return runner.Outcome{}, err
		}
		if len(names) == 0 {
			continue
		}
		if err := cp.Copy(dir, workdir); err != nil {
			return runner.Outcome{}, fmt.Errorf("stage %s v%d: %w", source.submission.ID, source.version, err)
		}
	}
	span.SetAttributes(attribute.Int("stage.files", len(staged)))

	execCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	return executor.Execute(execCtx, runner.Request{
		Workdir:      workdir,
		LibDir:       d.cfg.LibDir,
		TestSelector: match.Coursework.TestSelector,
		Script:       match.Coursework.ExecuteScript,
	})
}

func (d *executionDispatcher) resolveWithoutExecution(ctx context.Context, match models.TestMatch) error {
	details := datatypes.JSONMap{"runtime": string(models.RuntimeNone), "executed": false}
	return d.withRetry(ctx, func(ctx context.Context) error {
		return d.store.TestMatches.SetErrorLevel(ctx, match.ID, 0, details)
	})
}

// persist stores the output as a test result owned by the test's creator and
// binds it to the match together with the error level in one transaction.
func (d *executionDispatcher) persist(ctx context.Context, match models.TestMatch, level int, outcome runner.Outcome) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.persist")
	defer span.End()

	output := ResultOutput(outcome)
	details := datatypes.JSONMap{
		"runtime":      string(match.Coursework.Runtime),
		"executed":     true,
		"exit_code":    outcome.ExitCode,
		"timed_out":    outcome.TimedOut,
		"duration_ms":  outcome.Duration.Milliseconds(),
		"output_bytes": len(output),
	}

	return d.withRetry(ctx, func(ctx context.Context) error {
		var saved *models.Submission
		err := d.store.Transaction(ctx, func(tx *repository.Store) error {
			result := models.Submission{
				CourseworkID:  match.CourseworkID,
				CreatorID:     match.Test.CreatorID,
				Type:          models.SubmissionTestResult,
				DisplayName:   resultDisplayName,
				LatestVersion: 1,
			}
			if err := tx.Submissions.Create(ctx, &result); err != nil {
				return err
			}
			saved = &result

			key := fileKey(match.Coursework.CourseCode, result)
			if err := d.files.SaveContent(ctx, key, 1, ResultFileName, output); err != nil {
				return err
			}
			if err := tx.TestMatches.SetErrorLevel(ctx, match.ID, level, details); err != nil {
				return err
			}
			return tx.TestMatches.SetResult(ctx, match.ID, result.ID)
		})
		if err != nil && saved != nil {
			if rmErr := d.files.Delete(ctx, fileKey(match.Coursework.CourseCode, *saved)); rmErr != nil {
				d.logger.Warn().Err(rmErr).Str("submission_id", saved.ID).Msg("failed to remove orphaned result files")
			}
		}
		return err
	})
}

// withRetry retries fn on transient failures. Invariant breaches and
// cancellations are returned immediately.
func (d *executionDispatcher) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrInvariantViolation) {
			return ErrAlreadyResolved
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTestMatchNotFound
		}
		if ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (d *executionDispatcher) resolved(ctx context.Context, matchID string) (models.TestMatch, error) {
	match, err := d.store.TestMatches.GetByID(ctx, matchID)
	if err != nil {
		return models.TestMatch{}, err
	}
	if d.listener != nil {
		d.listener.TestMatchResolved(ctx, match)
	}
	return match, nil
}

func executionError(err error) runner.Outcome {
	return runner.Outcome{
		ExitCode: models.ErrorLevelExecutionError,
		Output:   ExecutionErrorPrefix + err.Error(),
	}
}

func errorLevel(outcome runner.Outcome) int {
	if outcome.TimedOut {
		return models.ErrorLevelTimedOut
	}
	return outcome.ExitCode
}

// ResultOutput normalises executor output before it is stored.
func ResultOutput(outcome runner.Outcome) string {
	output := strings.ToValidUTF8(strings.ReplaceAll(outcome.Output, "\x00", ""), "�")
	if outcome.TimedOut && !strings.HasPrefix(output, TimeoutOutputPrefix) {
		return TimeoutOutputPrefix + output
	}
	return output
}
