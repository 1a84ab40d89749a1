package middleware

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/peergramming/peer-testing/internal/utils"
)

var errNoSubject = errors.New("token carries no user id")

// subjectClaims accepts the user id under "sub" as well as the legacy
// "user_id" and "id" claims issued by older login services.
type subjectClaims struct {
	jwt.RegisteredClaims
	UserID any `json:"user_id,omitempty"`
	ID     any `json:"id,omitempty"`
}

// JWTProtected validates HMAC-signed bearer tokens and stores the subject as
// the "user_id" local. Roles are never read from the token; LoadPrincipal
// takes them from the user table.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		raw, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "bearer token required")
		}

		var claims subjectClaims
		if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		}); err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		userID, err := claims.userID()
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		c.Locals("user_id", userID)
		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (c subjectClaims) userID() (uint, error) {
	for _, candidate := range []any{c.Subject, c.UserID, c.ID} {
		if id, ok := parseSubject(candidate); ok {
			return id, nil
		}
	}
	return 0, errNoSubject
}

func parseSubject(value any) (uint, bool) {
	switch v := value.(type) {
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil || parsed == 0 {
			return 0, false
		}
		return uint(parsed), true
	case float64:
		if v < 1 || v != float64(uint32(v)) {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}
