package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coldfront/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

func authApp(t *testing.T) *fiber.App {
	t.Helper()
	InitMiddleware(&config.Config{JWTSecret: testSecret})
	app := fiber.New()
	app.Get("/whoami", AuthRequired, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": c.Locals("userID"), "jti": c.Locals("jti")})
	})
	return app
}

func issue(t *testing.T, userID uint, ttl time.Duration) (string, *Claims) {
	t.Helper()
	signed, claims, err := IssueToken(testSecret, userID, "u", time.Now(), ttl)
	require.NoError(t, err)
	return signed, claims
}

func call(t *testing.T, app *fiber.App, authorization string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authorization != "" {
		req.Header.Set(fiber.HeaderAuthorization, authorization)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestIssueAndParseToken(t *testing.T) {
	signed, issued := issue(t, 42, time.Hour)

	claims, err := ParseToken(testSecret, signed)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)
	assert.Equal(t, issued.ID, claims.ID)
	assert.Equal(t, "u", claims.Username)

	_, _, err = IssueToken("", 1, "u", time.Now(), time.Hour)
	assert.Error(t, err)

	_, err = (&Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "abc"}}).UserID()
	assert.Error(t, err)
}

func TestAuthRequired(t *testing.T) {
	app := authApp(t)
	live, claims := issue(t, 123, time.Hour)
	expired, _ := issue(t, 123, -time.Hour)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"bearer scheme", "Bearer " + live, http.StatusOK},
		{"token scheme", "Token " + live, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"extra fields", "Bearer " + live + " extra", http.StatusUnauthorized},
		{"malformed", "Bearer malformed.token.here", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, call(t, app, tt.header).StatusCode)
		})
	}

	var body struct {
		UserID uint   `json:"user_id"`
		JTI    string `json:"jti"`
	}
	require.NoError(t, json.NewDecoder(call(t, app, "Bearer "+live).Body).Decode(&body))
	assert.Equal(t, uint(123), body.UserID)
	assert.Equal(t, claims.ID, body.JTI)
}

func TestAuthRequired_RevokedToken(t *testing.T) {
	app := authApp(t)
	revoked, claims := issue(t, 5, time.Hour)
	live, _ := issue(t, 5, time.Hour)
	SetRevocationCheck(func(_ context.Context, jti string) bool { return jti == claims.ID })
	t.Cleanup(func() { SetRevocationCheck(nil) })

	assert.Equal(t, http.StatusUnauthorized, call(t, app, "Bearer "+revoked).StatusCode)
	assert.Equal(t, http.StatusOK, call(t, app, "Bearer "+live).StatusCode)
}

func TestAuthRequired_RejectsForeignTokens(t *testing.T) {
	app := authApp(t)

	sign := func(method jwt.SigningMethod, key interface{}, mutate func(*Claims)) string {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "5",
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		if mutate != nil {
			mutate(claims)
		}
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}

	for name, token := range map[string]string{
		"issuer":     sign(jwt.SigningMethodHS256, []byte(testSecret), func(c *Claims) { c.Issuer = "someone-else" }),
		"audience":   sign(jwt.SigningMethodHS256, []byte(testSecret), func(c *Claims) { c.Audience = jwt.ClaimStrings{"someone-else"} }),
		"no expiry":  sign(jwt.SigningMethodHS256, []byte(testSecret), func(c *Claims) { c.ExpiresAt = nil }),
		"subject":    sign(jwt.SigningMethodHS256, []byte(testSecret), func(c *Claims) { c.Subject = "root" }),
		"secret":     sign(jwt.SigningMethodHS256, []byte("another-secret"), nil),
		"hs512":      sign(jwt.SigningMethodHS512, []byte(testSecret), nil),
		"no signing": sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, nil),
	} {
		assert.Equal(t, http.StatusUnauthorized, call(t, app, "Bearer "+token).StatusCode, name)
	}
}
