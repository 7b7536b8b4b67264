package account

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/platform/persist"
)

// Session is the locally remembered login, stored as the sessionIdentity blob.
type Session struct {
	Identity
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session token is past its expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Sessions persists the current session of a local caller such as the CLI.
type Sessions struct {
	backend persist.Backend
	logger  zerolog.Logger
	now     func() time.Time
}

// NewSessions creates a session store.
func NewSessions(backend persist.Backend, logger zerolog.Logger) *Sessions {
	return &Sessions{backend: backend, logger: logger, now: time.Now}
}

// Save replaces the current session.
func (s *Sessions) Save(ctx context.Context, sess Session) error {
	return persist.SaveJSON(ctx, s.backend, persist.KeySession, sess)
}

// Current returns the stored session. A missing, expired or unreadable
// session yields ErrNoSession; unreadable and expired ones are cleared.
func (s *Sessions) Current(ctx context.Context) (Session, error) {
	var sess Session
	err := persist.LoadJSON(ctx, s.backend, persist.KeySession, &sess)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		return Session{}, ErrNoSession
	case errors.Is(err, persist.ErrCorrupt):
		s.logger.Warn().Err(err).Msg("discarding corrupt session")
		if derr := s.Clear(ctx); derr != nil {
			return Session{}, derr
		}
		return Session{}, ErrNoSession
	case err != nil:
		return Session{}, err
	}
	if sess.ID == "" || sess.Token == "" {
		_ = s.Clear(ctx)
		return Session{}, ErrNoSession
	}
	if sess.Expired(s.now()) {
		_ = s.Clear(ctx)
		return Session{}, ErrNoSession
	}
	return sess, nil
}

// Clear forgets the current session. Clearing an absent session is not an error.
func (s *Sessions) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, persist.KeySession); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return err
	}
	return nil
}
