package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"channelverify/internal/utils"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func TestRequireAuthSetsOwner(t *testing.T) {
	manager := utils.JWTManager{Secret: []byte("secret")}
	owner := uuid.New()
	token, _, err := manager.IssueAccessToken(owner.String())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	var seen uuid.UUID
	err = AuthMiddleware{JWT: &manager}.RequireAuth(func(c echo.Context) error {
		seen, _ = OwnerIDFromContext(c)
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != owner {
		t.Fatalf("expected owner %s, got %s", owner, seen)
	}
}

func TestRequireAuthWithoutManager(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := AuthMiddleware{}.RequireAuth(func(echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestOwnerIDFromEmptyContext(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if _, ok := OwnerIDFromContext(c); ok {
		t.Fatal("empty context must not yield an owner")
	}
}
