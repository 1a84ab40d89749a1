package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/peergramming/peer-testing/internal/middleware"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
	"github.com/peergramming/peer-testing/internal/service"
	"github.com/peergramming/peer-testing/internal/utils"
	"github.com/peergramming/peer-testing/pkg/filestore"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.Params(key))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return uint(parsed), nil
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

// principal returns the authenticated user. The second return is false when
// an unauthorised response has already been written.
func principal(c *fiber.Ctx) (models.User, bool) {
	user, ok := middleware.PrincipalFromContext(c)
	if !ok || user.ID == 0 {
		_ = utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
		return models.User{}, false
	}
	return user, true
}

// testContext reads the ?context=<test match> query used to reach a peer's
// submission through a match. version pins the submission version.
func testContext(c *fiber.Ctx, version int) *service.TestContext {
	id := strings.TrimSpace(c.Query("context"))
	if id == "" {
		return nil
	}
	return &service.TestContext{TestMatchID: id, Version: version}
}

// respondError maps service errors onto the response envelope.
func respondError(c *fiber.Ctx, logger *zerolog.Logger, err error) error {
	var validationErr *service.ValidationError
	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErr):
		return utils.SendError(c, fiber.StatusBadRequest, validationErr.Message)
	case errors.As(err, &validationErrors):
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	case errors.Is(err, filestore.ErrInvalidName):
		return utils.SendError(c, fiber.StatusBadRequest, "invalid file name")
	case errors.Is(err, service.ErrNotFound), errors.Is(err, filestore.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
	case errors.Is(err, service.ErrExecutionInProgress):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrInvariantViolation):
		return utils.SendError(c, fiber.StatusConflict, "test match already resolved")
	case errors.Is(err, repository.ErrDuplicate):
		return utils.SendError(c, fiber.StatusConflict, "a conflicting record already exists, try again")
	case errors.Is(err, service.ErrQueueFull):
		return utils.SendError(c, fiber.StatusServiceUnavailable, "execution queue is full, try again later")
	case errors.Is(err, context.Canceled):
		return utils.SendError(c, fiber.StatusRequestTimeout, "request cancelled")
	default:
		logger.Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
