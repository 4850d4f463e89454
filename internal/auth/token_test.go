package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTokenTestServer(token string) *echo.Echo {
	e := echo.New()
	e.Use(TokenMiddleware(token))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestTokenMiddleware_NoTokenConfigured(t *testing.T) {
	e := newTokenTestServer("")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", rec.Code)
	}
}

func TestTokenMiddleware_ValidToken(t *testing.T) {
	e := newTokenTestServer("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Auth-Token", "secret-token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", rec.Code)
	}
}

func TestTokenMiddleware_InvalidToken(t *testing.T) {
	e := newTokenTestServer("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Auth-Token", "wrong-token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with invalid token, got %d", rec.Code)
	}
}

func TestTokenMiddleware_MissingToken(t *testing.T) {
	e := newTokenTestServer("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", rec.Code)
	}
}
