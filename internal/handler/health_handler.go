package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/peergramming/peer-testing/internal/config"
	"github.com/peergramming/peer-testing/internal/utils"
)

const probeTimeout = 2 * time.Second

// HealthProbe checks one backing dependency.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status           string            `json:"status"`
	Timestamp        time.Time         `json:"timestamp"`
	Service          string            `json:"service"`
	Environment      string            `json:"environment"`
	ExecutionBackend string            `json:"execution_backend"`
	Components       map[string]string `json:"components,omitempty"`
}

// HealthCheck reports application health. Any failing probe marks the
// service degraded and answers 503.
func HealthCheck(cfg config.Config, probes ...HealthProbe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:           "ok",
			Timestamp:        time.Now().UTC(),
			Service:          cfg.AppName,
			Environment:      cfg.AppEnv,
			ExecutionBackend: cfg.ExecutionBackend,
		}

		if len(probes) > 0 {
			payload.Components = make(map[string]string, len(probes))
		}
		for _, probe := range probes {
			ctx, cancel := context.WithTimeout(c.UserContext(), probeTimeout)
			err := probe.Check(ctx)
			cancel()
			if err != nil {
				payload.Status = "degraded"
				payload.Components[probe.Name] = err.Error()
				continue
			}
			payload.Components[probe.Name] = "ok"
		}

		if payload.Status != "ok" {
			return utils.SendSuccessWithStatus(c, fiber.StatusServiceUnavailable, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
