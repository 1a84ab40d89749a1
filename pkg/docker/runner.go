// Package docker runs commands inside throwaway containers with a bind-mounted workspace.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Container paths the host directories are mounted at.
const (
	WorkspacePath = "/workspace"
	LibsPath      = "/libs"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "peertest",
		Subsystem: "container",
		Name:      "run_duration_seconds",
		Help:      "Duration of container runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	runTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peertest",
		Subsystem: "container",
		Name:      "run_timeouts_total",
		Help:      "Number of container runs killed at their deadline",
	}, []string{"image"})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peertest",
		Subsystem: "container",
		Name:      "run_failures_total",
		Help:      "Number of container runs that could not be started or awaited",
	}, []string{"image"})
)

// Job describes one command to run in a fresh container.
type Job struct {
	Image   string
	Cmd     []string
	Env     []string
	Workdir string
	LibDir  string
}

// Result is the outcome of a container run. Output is capped at the configured limit.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Config groups runner configuration values.
type Config struct {
	Host          string
	MemoryLimitMB int64
	CPUShares     int64
	OutputLimit   int64
	Logger        zerolog.Logger
}

// Runner executes jobs with the Docker engine. Containers have no network
// and a read-only root filesystem; only the workspace is writable.
type Runner struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewRunner constructs a Docker backed runner.
func NewRunner(cfg Config) (*Runner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Runner{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/peergramming/peer-testing/pkg/docker"),
		logger: cfg.Logger.With().Str("component", "docker_runner").Logger(),
	}, nil
}

// Run starts the job and waits until it exits or ctx ends. A deadline on ctx
// is reported as TimedOut with whatever output was produced; cancellation is
// returned as ctx.Err().
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	if job.Image == "" {
		return Result{}, errors.New("image is required")
	}

	ctx, span := r.tracer.Start(ctx, "docker.runner.run", trace.WithAttributes(
		attribute.String("docker.image", job.Image),
	))
	defer span.End()

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    r.cfg.MemoryLimitMB * 1024 * 1024,
			CPUShares: r.cfg.CPUShares,
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
	}
	if job.Workdir != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: job.Workdir,
			Target: WorkspacePath,
		})
	}
	if job.LibDir != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   job.LibDir,
			Target:   LibsPath,
			ReadOnly: true,
		})
	}

	cfg := &container.Config{
		Image:           job.Image,
		Cmd:             job.Cmd,
		Env:             job.Env,
		WorkingDir:      WorkspacePath,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}

	start := time.Now()
	var result Result

	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return result, r.fail(span, job.Image, fmt.Errorf("container create: %w", err))
	}

	id := created.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Error().Err(err).Str("container_id", id).Msg("failed to remove container")
		}
	}()

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return result, r.fail(span, job.Image, fmt.Errorf("container start: %w", err))
	}

	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNextExit)

	var waitErr error
	select {
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		waitErr = err
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	result.Duration = time.Since(start)
	runDuration.WithLabelValues(job.Image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.client.ContainerKill(killCtx, id, "KILL"); err != nil {
			r.logger.Warn().Err(err).Str("container_id", id).Msg("failed to kill container")
		}
		cancel()

		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			runTimeouts.WithLabelValues(job.Image).Inc()
			span.SetStatus(codes.Error, "execution timed out")
		case errors.Is(ctx.Err(), context.Canceled):
			return result, ctx.Err()
		default:
			return result, r.fail(span, job.Image, fmt.Errorf("container wait: %w", waitErr))
		}
	}

	logsCtx, cancelLogs := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelLogs()
	logs, err := r.client.ContainerLogs(logsCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logger.Error().Err(err).Str("container_id", id).Msg("failed to fetch container logs")
		return result, nil
	}
	defer logs.Close()

	stdout, stderr, err := splitLogs(logs, r.cfg.OutputLimit)
	if err != nil {
		r.logger.Error().Err(err).Str("container_id", id).Msg("failed to read container logs")
	}
	result.Stdout = stdout
	result.Stderr = stderr

	return result, nil
}

func (r *Runner) fail(span trace.Span, image string, err error) error {
	runFailures.WithLabelValues(image).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func splitLogs(reader io.Reader, limit int64) (string, string, error) {
	var stdout, stderr bytes.Buffer
	out := &cappedWriter{buf: &stdout, limit: limit}
	errOut := &cappedWriter{buf: &stderr, limit: limit}
	_, err := stdcopy.StdCopy(out, errOut, reader)
	return stdout.String(), stderr.String(), err
}

type cappedWriter struct {
	buf   *bytes.Buffer
	limit int64
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	if room := w.limit - int64(w.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// Close shuts down the runner's underlying client.
func (r *Runner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
