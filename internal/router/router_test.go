package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/peergramming/peer-testing/internal/config"
	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/handler"
	"github.com/peergramming/peer-testing/internal/middleware"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/router"
)

const secret = "router-secret"

type userTable map[uint]models.User

func (u userTable) GetByID(_ context.Context, id uint) (models.User, error) {
	user, ok := u[id]
	if !ok {
		return models.User{}, errors.New("record not found")
	}
	return user, nil
}

type inbox struct{}

func (inbox) List(_ context.Context, userID uint, _, _ int) ([]dto.NotificationResponse, error) {
	return []dto.NotificationResponse{{ID: 1, UserID: userID, Type: models.NotificationResultsReady, Message: "ready"}}, nil
}

func (inbox) MarkRead(_ context.Context, id uint, userID uint) (dto.NotificationResponse, error) {
	return dto.NotificationResponse{ID: id, UserID: userID, Read: true}, nil
}

func (inbox) Subscribe(uint) (<-chan dto.NotificationResponse, func()) {
	ch := make(chan dto.NotificationResponse)
	return ch, func() {}
}

func newApp() *fiber.App {
	app := fiber.New()
	router.Register(app, config.Config{AppName: "peer-testing", AppEnv: "test"}, router.Dependencies{
		NotificationHandler: handler.NewNotificationHandler(inbox{}, zerolog.New(io.Discard), time.Second),
		JWTMiddleware:       middleware.JWTProtected(secret),
		Users:               userTable{7: {ID: 7, Username: "alice", Role: models.RoleStudent}},
	})
	return app
}

func token(t *testing.T, key string, subject uint) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(subject), 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func TestRegisterPublicRoutes(t *testing.T) {
	app := newApp()

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "peer-testing", resp.Header.Get("X-Application"))

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRegisterAuthenticatesAPI(t *testing.T) {
	app := newApp()

	cases := []struct {
		name          string
		authorization string
		status        int
	}{
		{"missing header", "", fiber.StatusUnauthorized},
		{"wrong secret", "Bearer " + token(t, "other", 7), fiber.StatusUnauthorized},
		{"unknown user", "Bearer " + token(t, secret, 8), fiber.StatusUnauthorized},
		{"valid", "Bearer " + token(t, secret, 7), fiber.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/api/v1/notifications", nil)
			if tc.authorization != "" {
				req.Header.Set(fiber.HeaderAuthorization, tc.authorization)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			if tc.status != fiber.StatusOK {
				return
			}
			var payload struct {
				Data []dto.NotificationResponse `json:"data"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			require.Len(t, payload.Data, 1)
			require.Equal(t, uint(7), payload.Data[0].UserID)
		})
	}
}
