package account

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/platform/access"
	"github.com/healthbook/healthbook/internal/platform/auth"
)

// LoginResult is an authenticated identity with its session token.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Identity  Identity  `json:"identity"`
}

// Service implements login, self-registration and identity lookup.
type Service struct {
	store  *Store
	tokens *auth.Tokens
	logger zerolog.Logger
}

// NewService creates a new account service.
func NewService(store *Store, tokens *auth.Tokens, logger zerolog.Logger) *Service {
	return &Service{store: store, tokens: tokens, logger: logger}
}

// Store exposes the underlying store.
func (s *Service) Store() *Store { return s.store }

// Login verifies the credential and issues a session token. There is no
// lockout or retry limit.
func (s *Service) Login(ctx context.Context, email, secret string) (LoginResult, error) {
	ok, err := s.store.VerifyCredential(ctx, email, secret)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		s.logger.Info().Str("email", normalizeEmail(email)).Msg("login rejected")
		return LoginResult{}, ErrInvalidCredentials
	}
	ident, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return LoginResult{}, err
	}
	token, expires, err := s.tokens.Issue(ident.Actor(), ident.Email)
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.Info().Str("account_id", ident.ID).Str("role", string(ident.Role)).Msg("login succeeded")
	return LoginResult{Token: token, ExpiresAt: expires, Identity: ident}, nil
}

// Register creates a patient account and its linked patient record.
// Self-service registration always yields the patient role.
func (s *Service) Register(ctx context.Context, in RegisterInput, secret string) (Identity, error) {
	in.Role = access.RolePatient
	return s.store.Register(ctx, in, secret)
}

// Me returns the identity behind actor.
func (s *Service) Me(ctx context.Context, actor access.Actor) (Identity, error) {
	return s.store.Get(ctx, actor.ID)
}
