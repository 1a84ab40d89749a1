package cmds

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/peergramming/peer-testing/internal/handler"
	"github.com/peergramming/peer-testing/internal/middleware"
	"github.com/peergramming/peer-testing/internal/observability"
	"github.com/peergramming/peer-testing/internal/router"
	"github.com/peergramming/peer-testing/internal/service"
)

const shutdownTimeout = 10 * time.Second

var serveRequeue bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the execution workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := bootstrap()
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.wireServices(); err != nil {
			return err
		}
		return app.serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveRequeue, "requeue-pending", false, "queue every unresolved test match on startup")
}

func (a *application) serve(ctx context.Context) error {
	observability.RegisterMetrics()

	groups := service.NewFeedbackGroupService(a.store, a.permissions, a.validate, a.logger)
	access := service.NewFeedbackAccessService(a.store, a.permissions)
	courses := service.NewCourseService(a.store, a.files, a.permissions, a.dispatcher, a.redis, a.cfg.CourseworkCacheTTL, a.validate, a.logger)
	submissions := service.NewSubmissionService(a.store, a.files, a.permissions, a.matches, a.dispatcher, a.logger)
	views := service.NewTestMatchViewService(a.matches, access, groups, a.files)

	server := fiber.New(fiber.Config{
		AppName:      a.cfg.AppName,
		ServerHeader: a.cfg.AppName,
		BodyLimit:    32 * 1024 * 1024,
	})
	middleware.Register(server, middleware.Config{
		Logger:       &a.logger,
		AllowOrigins: a.cfg.CORSOrigins,
		AccessLog:    a.cfg.AppEnv == "development",
	})
	router.Register(server, a.cfg, router.Dependencies{
		CourseHandler:        handler.NewCourseHandler(courses, a.logger),
		SubmissionHandler:    handler.NewSubmissionHandler(submissions, a.validate, a.logger),
		TestMatchHandler:     handler.NewTestMatchHandler(a.matches, a.dispatcher, views, a.notifications, a.validate, a.logger),
		FeedbackGroupHandler: handler.NewFeedbackGroupHandler(groups, a.logger),
		NotificationHandler:  handler.NewNotificationHandler(a.notifications, a.logger, 30*time.Second),
		HealthProbes:         a.probes(),
		JWTMiddleware:        middleware.JWTProtected(a.cfg.JWTSecret),
		Users:                a.store.Users,
		ExecutionLimiter:     middleware.ExecutionRateLimit(a.cfg.ExecutionRateLimit, a.cfg.ExecutionRateWindow),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	a.notifications.Start(groupCtx)
	group.Go(func() error {
		return a.dispatcher.Start(groupCtx)
	})
	if serveRequeue {
		group.Go(func() error {
			return a.requeueAll(groupCtx)
		})
	}
	group.Go(func() error {
		a.logger.Info().Str("addr", a.cfg.HTTPAddress()).Str("backend", a.cfg.ExecutionBackend).Msg("api listening")
		return server.Listen(a.cfg.HTTPAddress())
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.ShutdownWithContext(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})

	err := group.Wait()
	a.logger.Info().Msg("server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// requeueAll queues the unresolved matches of every coursework, stopping at
// the first full queue.
func (a *application) requeueAll(ctx context.Context) error {
	pending, err := a.store.TestMatches.ListPending(ctx, "")
	if err != nil {
		return err
	}
	queued := 0
	for _, match := range pending {
		if err := a.dispatcher.Dispatch(ctx, match); err != nil {
			if errors.Is(err, service.ErrQueueFull) {
				a.logger.Warn().Int("queued", queued).Int("pending", len(pending)).Msg("execution queue full during startup requeue")
				return nil
			}
			a.logger.Warn().Err(err).Str("test_match_id", match.ID).Msg("failed to requeue test match")
			continue
		}
		queued++
	}
	a.logger.Info().Int("queued", queued).Msg("pending test matches requeued")
	return nil
}
