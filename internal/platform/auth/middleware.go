package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/healthbook/healthbook/internal/platform/access"
)

type contextKey string

const (
	actorKey contextKey = "actor"
	emailKey contextKey = "email"
)

// WithActor returns a context carrying actor and email.
func WithActor(ctx context.Context, actor access.Actor, email string) context.Context {
	ctx = context.WithValue(ctx, actorKey, actor)
	return context.WithValue(ctx, emailKey, email)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (access.Actor, bool) {
	a, ok := ctx.Value(actorKey).(access.Actor)
	return a, ok
}

func EmailFromContext(ctx context.Context) string {
	e, _ := ctx.Value(emailKey).(string)
	return e
}

// CurrentActor returns the actor for c or a 401 error.
func CurrentActor(c echo.Context) (access.Actor, error) {
	a, ok := ActorFromContext(c.Request().Context())
	if !ok {
		return access.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return a, nil
}

// SessionMiddleware validates the bearer session token and stores the actor
// on the request context. Requests for which skipper returns true pass
// through untouched.
func SessionMiddleware(tokens *Tokens, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := tokens.Parse(strings.TrimSpace(parts[1]))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actor := claims.Actor()
			c.Set("actor_id", actor.ID)
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor, claims.Email)))
			return next(c)
		}
	}
}
