package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "agenda-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func serve(mw echo.MiddlewareFunc, header string, handler echo.HandlerFunc) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	return mw(handler)(e.NewContext(req, rec))
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	expectUnauthorized(t, serve(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "", ok))
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectUnauthorized(t, serve(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header, ok))
		})
	}
}

func TestJWTMiddleware_ValidTokenSetsIdentity(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("3f1c0d6e-4b4a-4a58-9f8e-2d1c5b7a9e10", "provider"), testSigningKey)

	called := false
	handler := func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "3f1c0d6e-4b4a-4a58-9f8e-2d1c5b7a9e10" {
			t.Errorf("unexpected user id %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "provider" {
			t.Errorf("expected roles=[provider], got %v", roles)
		}
		return ok(c)
	}

	err := serve(JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "agenda-test"}), "Bearer "+tokenStr, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims("user-1", "client")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name  string
		token string
		cfg   JWTConfig
	}{
		{"expired", createTestToken(t, expired, testSigningKey), JWTConfig{SigningKey: testSigningKey}},
		{"wrong key", createTestToken(t, validClaims("user-1", "client"), []byte("other-key")), JWTConfig{SigningKey: testSigningKey}},
		{"wrong issuer", createTestToken(t, validClaims("user-1", "client"), testSigningKey), JWTConfig{SigningKey: testSigningKey, Issuer: "someone-else"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectUnauthorized(t, serve(JWTMiddleware(tt.cfg), "Bearer "+tt.token, ok))
		})
	}
}

func TestDevAuthMiddleware_NoTokenIsAdministrator(t *testing.T) {
	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != DevUserID {
			t.Errorf("expected dev user id, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "administrator" {
			t.Errorf("expected roles=[administrator], got %v", roles)
		}
		return ok(c)
	}
	if err := serve(DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey}), "", handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-9", "client"), testSigningKey)
	handler := func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "user-9" {
			t.Errorf("expected token subject, got %s", uid)
		}
		return ok(c)
	}
	mw := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})
	if err := serve(mw, "Bearer "+tokenStr, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectUnauthorized(t, serve(mw, "Bearer broken", ok))
}
