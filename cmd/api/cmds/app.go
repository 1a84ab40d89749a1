package cmds

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/config"
	"github.com/peergramming/peer-testing/internal/database"
	"github.com/peergramming/peer-testing/internal/handler"
	"github.com/peergramming/peer-testing/internal/repository"
	"github.com/peergramming/peer-testing/internal/runner"
	"github.com/peergramming/peer-testing/internal/service"
	cloud "github.com/peergramming/peer-testing/pkg/cloudinary"
	"github.com/peergramming/peer-testing/pkg/docker"
	"github.com/peergramming/peer-testing/pkg/filestore"
)

// application holds the connections and services shared by every subcommand.
type application struct {
	cfg      config.Config
	logger   zerolog.Logger
	db       *gorm.DB
	store    *repository.Store
	redis    *redis.Client
	nats     *nats.Conn
	docker   *docker.Runner
	files    *filestore.Store
	validate *validator.Validate

	permissions   service.PermissionService
	notifications service.NotificationService
	dispatcher    service.ExecutionDispatcher
	matches       service.TestMatchService
}

func newLogger(cfg config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.AppEnv == "development" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()
}

// bootstrap loads configuration and connects the database. Redis, NATS and
// Cloudinary are optional and skipped when unconfigured.
func bootstrap() (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	app := &application{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    repository.NewStore(db),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	if cfg.RedisURL != "" {
		if app.redis, err = database.ConnectRedis(ctx, cfg.RedisURL); err != nil {
			app.close()
			return nil, err
		}
	}
	if cfg.NATSURL != "" {
		if app.nats, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName); err != nil {
			app.close()
			return nil, err
		}
	}

	return app, nil
}

// wireServices builds the execution pipeline on top of the connections.
func (a *application) wireServices() error {
	var mirror filestore.Mirror
	if a.cfg.CloudinaryCloudName != "" {
		uploader, err := cloud.New(cloud.Config{
			CloudName: a.cfg.CloudinaryCloudName,
			APIKey:    a.cfg.CloudinaryAPIKey,
			APISecret: a.cfg.CloudinaryAPISecret,
			Folder:    a.cfg.CloudinaryUploadFolder,
		}, a.logger)
		if err != nil {
			return err
		}
		mirror = uploader
	}

	files, err := filestore.New(a.cfg.MediaRoot, mirror, a.logger)
	if err != nil {
		return err
	}
	a.files = files

	sandbox, err := a.sandbox()
	if err != nil {
		return err
	}
	registry := runner.NewRegistry(sandbox, runner.Images{
		Python: a.cfg.PythonImage,
		Java:   a.cfg.JavaImage,
		Script: a.cfg.ScriptImage,
	})

	a.permissions = service.NewPermissionService(a.store)
	a.matches = service.NewTestMatchService(a.store, a.permissions, a.logger)
	a.notifications = service.NewNotificationService(a.store, a.redis, a.cfg.EventsChannel, a.nats, a.validate, a.logger)
	a.dispatcher = service.NewExecutionDispatcher(a.store, a.files, registry, a.notifications, service.DispatcherConfig{
		Workers:         a.cfg.ExecutionWorkers,
		QueueSize:       a.cfg.ExecutionQueueSize,
		Timeout:         a.cfg.ExecutionTimeout,
		WorkspaceRoot:   a.cfg.WorkspaceRoot,
		LibDir:          a.cfg.LibsDir,
		FailOnCollision: a.cfg.CollisionPolicy == config.CollisionFail,
	}, a.logger)
	return nil
}

func (a *application) sandbox() (runner.Sandbox, error) {
	if a.cfg.ExecutionBackend != config.BackendDocker {
		return runner.NewProcessSandbox(a.cfg.OutputLimitBytes), nil
	}

	dockerRunner, err := docker.NewRunner(docker.Config{
		Host:          a.cfg.DockerHost,
		MemoryLimitMB: int64(a.cfg.CodeRunMemoryMB),
		CPUShares:     int64(a.cfg.CodeRunCPUShares),
		OutputLimit:   a.cfg.OutputLimitBytes,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.docker = dockerRunner
	return runner.NewContainerSandbox(dockerRunner), nil
}

func (a *application) close() {
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close docker client")
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (a *application) probes() []handler.HealthProbe {
	probes := []handler.HealthProbe{{Name: "database", Check: func(ctx context.Context) error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}}}
	if a.redis != nil {
		probes = append(probes, handler.HealthProbe{Name: "redis", Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	if a.nats != nil {
		probes = append(probes, handler.HealthProbe{Name: "nats", Check: func(context.Context) error {
			if !a.nats.IsConnected() {
				return fmt.Errorf("nats %s", a.nats.Status())
			}
			return nil
		}})
	}
	return probes
}
