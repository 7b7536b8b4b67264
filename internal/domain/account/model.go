package account

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"github.com/healthbook/healthbook/internal/platform/access"
	"github.com/healthbook/healthbook/internal/platform/apierr"
)

// MinSecretLength is the shortest accepted password.
const MinSecretLength = 8

var (
	ErrNotFound           = fmt.Errorf("account %w", apierr.ErrNotFound)
	ErrDuplicateEmail     = fmt.Errorf("email already registered: %w", apierr.ErrConflict)
	ErrInvalidCredentials = fmt.Errorf("invalid email or password: %w", apierr.ErrUnauthorized)
	ErrStoreDegraded      = fmt.Errorf("identity store did not respond: %w", apierr.ErrDegraded)
	ErrNoSession          = errors.New("no active session")
)

// Identity is an account. Email is unique, compared case-insensitively.
type Identity struct {
	ID         string      `json:"id" yaml:"id"`
	Email      string      `json:"email" yaml:"email"`
	Role       access.Role `json:"role" yaml:"role"`
	GivenName  string      `json:"givenName,omitempty" yaml:"givenName"`
	FamilyName string      `json:"familyName,omitempty" yaml:"familyName"`
}

// Actor returns the access actor for the identity.
func (i Identity) Actor() access.Actor {
	return access.Actor{ID: i.ID, Role: i.Role}
}

// DisplayName is "Given Family", falling back to the email.
func (i Identity) DisplayName() string {
	if n := strings.TrimSpace(i.GivenName + " " + i.FamilyName); n != "" {
		return n
	}
	return i.Email
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RegisterInput is a self-service registration. DateOfBirth seeds the
// linked patient record.
type RegisterInput struct {
	Email       string      `json:"email"`
	GivenName   string      `json:"givenName"`
	FamilyName  string      `json:"familyName"`
	DateOfBirth string      `json:"dateOfBirth"`
	Role        access.Role `json:"-"`
}

func (in *RegisterInput) normalize() {
	in.Email = strings.TrimSpace(in.Email)
	in.GivenName = strings.TrimSpace(in.GivenName)
	in.FamilyName = strings.TrimSpace(in.FamilyName)
	in.DateOfBirth = strings.TrimSpace(in.DateOfBirth)
	if in.Role == "" {
		in.Role = access.RolePatient
	}
}

// Validate checks the input together with the chosen secret.
func (in RegisterInput) Validate(secret string) error {
	var errs errsx.Map
	if _, err := mail.ParseAddress(in.Email); err != nil || !strings.Contains(in.Email, "@") {
		errs.Set("email", errors.New("must be a valid email address"))
	}
	if len([]rune(in.GivenName)) < 2 {
		errs.Set("givenName", errors.New("must be at least 2 characters"))
	}
	if len([]rune(in.FamilyName)) < 2 {
		errs.Set("familyName", errors.New("must be at least 2 characters"))
	}
	if in.Role == access.RolePatient || in.DateOfBirth != "" {
		if _, err := time.Parse("2006-01-02", in.DateOfBirth); err != nil {
			errs.Set("dateOfBirth", errors.New("must be a YYYY-MM-DD date"))
		}
	}
	if !in.Role.Valid() {
		errs.Set("role", fmt.Errorf("unknown role %q", in.Role))
	}
	if len(secret) < MinSecretLength {
		errs.Set("password", fmt.Errorf("must be at least %d characters", MinSecretLength))
	}
	return apierr.Invalid(errs)
}

// SeedAccount is a bootstrap identity with its clear-text secret; the secret
// is hashed before it is stored.
type SeedAccount struct {
	Identity `yaml:",inline"`
	Password string `yaml:"password"`
}
