package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthbook/healthbook/internal/platform/access"
)

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens(testKey, time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	return tokens
}

func runSession(t *testing.T, tokens *Tokens, path, header string) (*httptest.ResponseRecorder, access.Actor, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)

	var seen access.Actor
	handler := func(c echo.Context) error {
		seen, _ = ActorFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}
	err := SessionMiddleware(tokens, AuthSkipper)(handler)(c)
	return rec, seen, err
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestSessionMiddleware_MissingHeader(t *testing.T) {
	_, _, err := runSession(t, newTestTokens(t), "/api/v1/patients", "")
	if statusOf(t, err) != http.StatusUnauthorized {
		t.Errorf("expected 401")
	}
}

func TestSessionMiddleware_InvalidFormat(t *testing.T) {
	tests := []string{"Basic abc", "Bearer", "token-only"}
	for _, h := range tests {
		t.Run(h, func(t *testing.T) {
			_, _, err := runSession(t, newTestTokens(t), "/api/v1/patients", h)
			if statusOf(t, err) != http.StatusUnauthorized {
				t.Errorf("expected 401 for %q", h)
			}
		})
	}
}

func TestSessionMiddleware_InvalidToken(t *testing.T) {
	_, _, err := runSession(t, newTestTokens(t), "/api/v1/patients", "Bearer not.a.jwt")
	if statusOf(t, err) != http.StatusUnauthorized {
		t.Errorf("expected 401")
	}
}

func TestSessionMiddleware_ValidToken(t *testing.T) {
	tokens := newTestTokens(t)
	actor := access.Actor{ID: "pat1", Role: access.RolePatient}
	signed, _, err := tokens.Issue(actor, "patient@santeoctet.app")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rec, seen, err := runSession(t, tokens, "/api/v1/patients/:id", "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if seen != actor {
		t.Errorf("expected actor %+v in context, got %+v", actor, seen)
	}
}

func TestSessionMiddleware_SkipsPublicPaths(t *testing.T) {
	rec, seen, err := runSession(t, newTestTokens(t), "/api/v1/sessions", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if seen != (access.Actor{}) {
		t.Errorf("expected no actor on public path, got %+v", seen)
	}
}

func TestCurrentActor(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	if _, err := CurrentActor(c); statusOf(t, err) != http.StatusUnauthorized {
		t.Error("expected 401 without actor")
	}

	actor := access.Actor{ID: "doc1", Role: access.RoleClinician}
	c.SetRequest(req.WithContext(WithActor(req.Context(), actor, "medecin@santeoctet.app")))
	got, err := CurrentActor(c)
	if err != nil || got != actor {
		t.Errorf("CurrentActor() = %+v, %v", got, err)
	}
	if EmailFromContext(c.Request().Context()) != "medecin@santeoctet.app" {
		t.Error("expected email in context")
	}
}
