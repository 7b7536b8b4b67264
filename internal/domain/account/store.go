package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/platform/access"
	"github.com/healthbook/healthbook/internal/platform/persist"
)

// DefaultTimeout bounds a single store operation.
const DefaultTimeout = 5 * time.Second

// RecordLinker creates and removes the patient record that shares a
// patient account's id.
type RecordLinker interface {
	LinkPatientRecord(ctx context.Context, id, givenName, familyName, dateOfBirth string) error
	UnlinkPatientRecord(ctx context.Context, id string) error
}

// Hasher hashes and verifies secrets.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) (bool, error)
}

// Store owns identities and their credentials, persisted as the
// allIdentities and allCredentials blobs.
type Store struct {
	mu          sync.Mutex
	backend     persist.Backend
	hasher      Hasher
	linker      RecordLinker
	identities  []Identity
	credentials map[string]string
	seed        []SeedAccount
	timeout     time.Duration
	logger      zerolog.Logger
	newID       func() string

	dummyOnce sync.Once
	dummyHash string
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the per-operation timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithSeed sets the accounts created when the backend holds none.
func WithSeed(accounts []SeedAccount) Option {
	return func(s *Store) { s.seed = append([]SeedAccount(nil), accounts...) }
}

// WithLinker sets the collaborator that creates linked patient records.
func WithLinker(l RecordLinker) Option {
	return func(s *Store) { s.linker = l }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore creates an identity store.
func NewStore(backend persist.Backend, hasher Hasher, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		hasher:      hasher,
		credentials: map[string]string{},
		timeout:     DefaultTimeout,
		logger:      zerolog.Nop(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreDegraded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ensureLoaded refreshes the cache from the backend when it is empty.
// Caller holds s.mu.
func (s *Store) ensureLoaded(ctx context.Context) error {
	if len(s.identities) > 0 {
		return nil
	}
	var identities []Identity
	err := persist.LoadJSON(ctx, s.backend, persist.KeyIdentities, &identities)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		return s.reseed(ctx)
	case errors.Is(err, persist.ErrUndecryptable):
		s.logger.Error().Err(err).Str("key", persist.KeyIdentities).
			Msg("stored identities cannot be decrypted with the configured key")
		return err
	case errors.Is(err, persist.ErrCorrupt):
		s.logger.Warn().Err(err).Str("key", persist.KeyIdentities).
			Msg("discarding corrupt identities, reinitializing from seed")
		return s.reseed(ctx)
	case err != nil:
		return err
	}

	credentials := map[string]string{}
	err = persist.LoadJSON(ctx, s.backend, persist.KeyCredentials, &credentials)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		credentials = map[string]string{}
	case errors.Is(err, persist.ErrUndecryptable):
		s.logger.Error().Err(err).Str("key", persist.KeyCredentials).
			Msg("stored credentials cannot be decrypted with the configured key")
		return err
	case errors.Is(err, persist.ErrCorrupt):
		s.logger.Warn().Err(err).Str("key", persist.KeyCredentials).
			Msg("discarding corrupt credentials, reinitializing from seed")
		return s.reseed(ctx)
	case err != nil:
		return err
	}
	s.identities = identities
	s.credentials = credentials
	return nil
}

func (s *Store) reseed(ctx context.Context) error {
	identities := make([]Identity, 0, len(s.seed))
	credentials := make(map[string]string, len(s.seed))
	for _, a := range s.seed {
		ident := a.Identity
		ident.Email = normalizeEmail(ident.Email)
		hash, err := s.hasher.Hash(a.Password)
		if err != nil {
			return fmt.Errorf("hash seed credential: %w", err)
		}
		identities = append(identities, ident)
		credentials[ident.Email] = hash
	}
	if err := persist.SaveJSON(ctx, s.backend, persist.KeyCredentials, credentials); err != nil {
		return err
	}
	if err := persist.SaveJSON(ctx, s.backend, persist.KeyIdentities, identities); err != nil {
		return err
	}
	s.identities = identities
	s.credentials = credentials
	if len(identities) > 0 {
		s.logger.Info().Int("accounts", len(identities)).Msg("accounts initialized from seed")
	}
	return nil
}

func (s *Store) indexByEmail(email string) int {
	email = normalizeEmail(email)
	for i := range s.identities {
		if normalizeEmail(s.identities[i].Email) == email {
			return i
		}
	}
	return -1
}

// FindByEmail looks an identity up by email, ignoring case.
func (s *Store) FindByEmail(ctx context.Context, email string) (Identity, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return Identity{}, s.wrap("find account", err)
	}
	i := s.indexByEmail(email)
	if i < 0 {
		return Identity{}, ErrNotFound
	}
	return s.identities[i], nil
}

// Get looks an identity up by id.
func (s *Store) Get(ctx context.Context, id string) (Identity, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return Identity{}, s.wrap("get account", err)
	}
	for _, ident := range s.identities {
		if ident.ID == id {
			return ident, nil
		}
	}
	return Identity{}, ErrNotFound
}

// List returns every identity.
func (s *Store) List(ctx context.Context) ([]Identity, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, s.wrap("list accounts", err)
	}
	return append([]Identity(nil), s.identities...), nil
}

func (s *Store) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("not-a-real-password")
	})
	return s.dummyHash
}

// VerifyCredential reports whether an identity exists for email and secret
// matches its stored credential. Unknown emails still cost one hash
// comparison.
func (s *Store) VerifyCredential(ctx context.Context, email, secret string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	if err := s.ensureLoaded(ctx); err != nil {
		s.mu.Unlock()
		return false, s.wrap("verify credential", err)
	}
	var encoded string
	known := false
	if i := s.indexByEmail(email); i >= 0 {
		encoded, known = s.credentials[normalizeEmail(s.identities[i].Email)]
	}
	s.mu.Unlock()

	if !known {
		_, _ = s.hasher.Verify(secret, s.dummy())
		return false, nil
	}
	ok, err := s.hasher.Verify(secret, encoded)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stored credential could not be verified")
		return false, nil
	}
	return ok, nil
}

// Register creates an identity and its credential. A patient registration
// also creates the linked patient record; if that fails nothing is stored,
// and if storing the identity fails the linked record is removed again.
func (s *Store) Register(ctx context.Context, in RegisterInput, secret string) (Identity, error) {
	in.normalize()
	if err := in.Validate(secret); err != nil {
		return Identity{}, err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return Identity{}, fmt.Errorf("hash credential: %w", err)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return Identity{}, s.wrap("register", err)
	}
	if s.indexByEmail(in.Email) >= 0 {
		return Identity{}, ErrDuplicateEmail
	}

	ident := Identity{
		ID:         s.newID(),
		Email:      normalizeEmail(in.Email),
		Role:       in.Role,
		GivenName:  in.GivenName,
		FamilyName: in.FamilyName,
	}

	linked := false
	if ident.Role == access.RolePatient && s.linker != nil {
		if err := s.linker.LinkPatientRecord(ctx, ident.ID, ident.GivenName, ident.FamilyName, in.DateOfBirth); err != nil {
			return Identity{}, s.wrap("create linked patient record", err)
		}
		linked = true
	}
	unlink := func() {
		if !linked {
			return
		}
		// a fresh context, the operation context may already be spent
		uctx, ucancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeoutOrDefault())
		defer ucancel()
		if err := s.linker.UnlinkPatientRecord(uctx, ident.ID); err != nil {
			s.logger.Error().Err(err).Str("account_id", ident.ID).Msg("failed to remove linked patient record")
		}
	}

	identities := append(append([]Identity(nil), s.identities...), ident)
	credentials := make(map[string]string, len(s.credentials)+1)
	for k, v := range s.credentials {
		credentials[k] = v
	}
	credentials[ident.Email] = hash

	if err := persist.SaveJSON(ctx, s.backend, persist.KeyCredentials, credentials); err != nil {
		unlink()
		return Identity{}, s.wrap("register", err)
	}
	if err := persist.SaveJSON(ctx, s.backend, persist.KeyIdentities, identities); err != nil {
		unlink()
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeoutOrDefault())
		defer rcancel()
		if rerr := persist.SaveJSON(rctx, s.backend, persist.KeyCredentials, s.credentials); rerr != nil {
			s.logger.Error().Err(rerr).Msg("failed to restore credentials after failed registration")
		}
		return Identity{}, s.wrap("register", err)
	}

	s.identities = identities
	s.credentials = credentials
	s.logger.Info().Str("account_id", ident.ID).Str("role", string(ident.Role)).Msg("account registered")
	return ident, nil
}

func (s *Store) timeoutOrDefault() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return DefaultTimeout
}

// Reset replaces every account with the seed accounts.
func (s *Store) Reset(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reseed(ctx); err != nil {
		return s.wrap("reset accounts", err)
	}
	return nil
}
