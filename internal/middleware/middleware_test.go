package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func protectedApp(roles ...string) *fiber.App {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Use(JWTProtected(testSecret))
	if len(roles) > 0 {
		app.Use(RequireRole(roles...))
	}
	app.Get("/whoami", func(c *fiber.Ctx) error {
		operator, _ := c.Locals("user_id").(string)
		role, _ := c.Locals("user_role").(string)
		return c.JSON(fiber.Map{"operator": operator, "role": role})
	})
	return app
}

func TestJWTProtectedAcceptsValidToken(t *testing.T) {
	app := protectedApp()
	token := signToken(t, jwt.MapClaims{"sub": "op-7", "role": "Teacher", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "req-1", resp.Header.Get("X-Correlation-ID"))
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	app := protectedApp()
	expired := signToken(t, jwt.MapClaims{"sub": "op-7", "exp": time.Now().Add(-time.Hour).Unix()})
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("other"))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":         "",
		"not bearer":      "Basic abc",
		"empty token":     "Bearer ",
		"expired":         "Bearer " + expired,
		"wrong signature": "Bearer " + foreign,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestRequireRole(t *testing.T) {
	app := protectedApp(RoleAdmin, RoleTeacher)

	for role, status := range map[string]int{
		"teacher":  fiber.StatusOK,
		"ADMIN":    fiber.StatusOK,
		"operator": fiber.StatusForbidden,
		"":         fiber.StatusForbidden,
	} {
		t.Run("role="+role, func(t *testing.T) {
			claims := jwt.MapClaims{"sub": "op-1"}
			if role != "" {
				claims["roles"] = []interface{}{role}
			}
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, status, resp.StatusCode)
		})
	}
}
