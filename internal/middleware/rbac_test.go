package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/peergramming/peer-testing/internal/models"
)

func TestRequireRole(t *testing.T) {
	cases := map[string]struct {
		user     *models.User
		expected int
	}{
		"teacher":      {user: &models.User{ID: 1, Role: models.RoleTeacher}, expected: fiber.StatusOK},
		"student":      {user: &models.User{ID: 2, Role: models.RoleStudent}, expected: fiber.StatusForbidden},
		"no principal": {expected: fiber.StatusUnauthorized},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			app := fiber.New()
			app.Use(func(c *fiber.Ctx) error {
				if tc.user != nil {
					SetPrincipal(c, *tc.user)
				}
				return c.Next()
			})
			app.Get("/courses/new", RequireRole(models.RoleTeacher), func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusOK)
			})

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/courses/new", nil))
			require.NoError(t, err)
			require.Equal(t, tc.expected, resp.StatusCode)
		})
	}
}

func TestRequireRoleIgnoresClaimedRole(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_role", models.RoleTeacher)
		return c.Next()
	})
	app.Get("/", RequireTeacher(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
