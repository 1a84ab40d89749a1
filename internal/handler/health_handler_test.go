package handler_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/peergramming/peer-testing/internal/config"
	"github.com/peergramming/peer-testing/internal/handler"
)

func TestHealthCheck(t *testing.T) {
	cfg := config.Config{AppName: "peer-testing", AppEnv: "test", ExecutionBackend: config.BackendDocker}

	app := fiber.New()
	app.Get("/api/v1/health", handler.HealthCheck(cfg, handler.HealthProbe{
		Name:  "database",
		Check: func(context.Context) error { return nil },
	}))

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var health handler.HealthResponse
	payload := decode(t, resp, &health)
	require.True(t, payload.Success)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, cfg.AppName, health.Service)
	require.Equal(t, cfg.AppEnv, health.Environment)
	require.Equal(t, config.BackendDocker, health.ExecutionBackend)
	require.Equal(t, map[string]string{"database": "ok"}, health.Components)
	require.WithinDuration(t, time.Now().UTC(), health.Timestamp, 2*time.Second)
}

func TestHealthCheckDegraded(t *testing.T) {
	app := fiber.New()
	app.Get("/health", handler.HealthCheck(config.Config{AppName: "peer-testing"},
		handler.HealthProbe{Name: "database", Check: func(context.Context) error { return nil }},
		handler.HealthProbe{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	))

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var health handler.HealthResponse
	decode(t, resp, &health)
	require.Equal(t, "degraded", health.Status)
	require.Equal(t, "ok", health.Components["database"])
	require.Equal(t, "connection refused", health.Components["redis"])
}
