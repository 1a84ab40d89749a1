package handler

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/service"
	"github.com/peergramming/peer-testing/internal/utils"
)

const watchWriteTimeout = 5 * time.Second

// MatchWatcher streams status changes of a test match.
type MatchWatcher interface {
	WatchMatch(matchID string) (<-chan dto.TestMatchStatus, func())
}

// TestMatchHandler creates, shows and streams test matches.
type TestMatchHandler struct {
	matches      service.TestMatchService
	dispatcher   service.ExecutionDispatcher
	view         service.TestMatchViewService
	watcher      MatchWatcher
	validator    *validator.Validate
	logger       zerolog.Logger
	pingInterval time.Duration
}

// NewTestMatchHandler constructs a test match handler.
func NewTestMatchHandler(matches service.TestMatchService, dispatcher service.ExecutionDispatcher, view service.TestMatchViewService, watcher MatchWatcher, validator *validator.Validate, logger zerolog.Logger) *TestMatchHandler {
	return &TestMatchHandler{
		matches:      matches,
		dispatcher:   dispatcher,
		view:         view,
		watcher:      watcher,
		validator:    validator,
		logger:       logger.With().Str("component", "test_match_handler").Logger(),
		pingInterval: 30 * time.Second,
	}
}

// Register binds the test match routes under the authenticated API group.
func (h *TestMatchHandler) Register(router fiber.Router) {
	router.Post("/courseworks/:cw/test-matches", h.create)
	router.Get("/test-matches/:id", h.detail)
	router.Get("/test-matches/:id/watch", h.upgrade, websocket.New(h.watch))
}

func (h *TestMatchHandler) create(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)
	user, ok := principal(c)
	if !ok {
		return nil
	}

	var payload dto.TestMatchCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, logger, err)
	}

	ctx := requestContext(c)
	match, err := h.matches.Create(ctx, user, service.CreateTestMatchInput{
		Mode:         models.TestMatchType(payload.Mode),
		CourseworkID: c.Params("cw"),
		SolutionID:   payload.SolutionID,
		TestID:       payload.TestID,
		GroupID:      payload.GroupID,
	})
	if err != nil {
		return respondError(c, logger, err)
	}

	message := "test match queued"
	if err := h.dispatcher.Dispatch(ctx, match); err != nil {
		if !errors.Is(err, service.ErrQueueFull) {
			return respondError(c, logger, err)
		}
		message = "test match created, execution deferred until the queue drains"
	}

	logger.Info().Str("test_match_id", match.ID).Str("mode", payload.Mode).Uint("user_id", user.ID).Msg("test match created")
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, message, dto.NewTestMatchStatus(match))
}

func (h *TestMatchHandler) detail(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)
	user, ok := principal(c)
	if !ok {
		return nil
	}

	response, mode, err := h.view.Detail(requestContext(c), user, c.Params("id"))
	if err != nil {
		return respondError(c, logger, err)
	}

	switch mode {
	case service.FeedbackDeny:
		return utils.SendError(c, fiber.StatusForbidden, "no access to this test match")
	case service.FeedbackWait:
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "test match has not been run yet", response)
	default:
		c.Set("X-Feedback-Mode", string(mode))
		return utils.SendSuccess(c, "test match retrieved", response)
	}
}

// upgrade authorises the watcher before switching protocols.
func (h *TestMatchHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	user, ok := principal(c)
	if !ok {
		return nil
	}

	ctx := requestContext(c)
	_, mode, err := h.view.Detail(ctx, user, c.Params("id"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	if mode == service.FeedbackDeny {
		return utils.SendError(c, fiber.StatusForbidden, "no access to this test match")
	}

	c.Locals("request_ctx", ctx)
	return c.Next()
}

func (h *TestMatchHandler) watch(conn *websocket.Conn) {
	matchID := conn.Params("id")
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	logger := h.logger.With().Str("test_match_id", matchID).Logger()

	statuses, unwatch := h.watcher.WatchMatch(matchID)
	defer unwatch()

	match, err := h.matches.Get(ctx, matchID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load watched test match")
		closeWatch(conn, websocket.CloseInternalServerErr, "test match unavailable")
		return
	}
	status := dto.NewTestMatchStatus(match)
	if err := h.send(conn, status); err != nil || status.Resolved {
		closeWatch(conn, websocket.CloseNormalClosure, "resolved")
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case status, ok := <-statuses:
			if !ok {
				return
			}
			if err := h.send(conn, status); err != nil {
				logger.Debug().Err(err).Msg("failed to push test match status")
				return
			}
			if status.Resolved {
				closeWatch(conn, websocket.CloseNormalClosure, "resolved")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			closeWatch(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (h *TestMatchHandler) send(conn *websocket.Conn, status dto.TestMatchStatus) error {
	if err := conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(status)
}

func closeWatch(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(watchWriteTimeout))
	_ = conn.Close()
}
