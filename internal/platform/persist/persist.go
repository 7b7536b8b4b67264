// Package persist is the durability boundary for the record and identity
// stores. State is kept as a handful of named JSON blobs; each Backend only
// needs to load, save and delete a blob by key.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Blob keys.
const (
	KeyIdentities     = "allIdentities"
	KeyCredentials    = "allCredentials"
	KeySession        = "sessionIdentity"
	KeyPatientRecords = "allPatientRecords"
)

// Keys lists every blob key in a stable order.
var Keys = []string{KeyIdentities, KeyCredentials, KeySession, KeyPatientRecords}

var (
	// ErrNotFound is returned by Load when nothing is stored under the key.
	ErrNotFound = errors.New("persist: key not found")
	// ErrCorrupt marks a stored payload that could not be decoded.
	ErrCorrupt = errors.New("persist: corrupt payload")
	// ErrUndecryptable marks a payload that fails authentication under the
	// configured encryption key. The stored bytes are left untouched.
	ErrUndecryptable = errors.New("persist: payload cannot be decrypted")
	// ErrTransient marks a backend failure while writing.
	ErrTransient = errors.New("persist: transient store failure")
)

// Backend stores opaque payloads by key.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LoadJSON loads key and decodes it into v. A missing key yields ErrNotFound,
// an undecodable payload yields ErrCorrupt.
func LoadJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := b.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("load %s: %w", key, ctxErr)
		}
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w: %w", key, ErrCorrupt, err)
	}
	return nil
}

// SaveJSON encodes v and writes it under key. Backend failures are reported
// as ErrTransient unless the context expired first.
func SaveJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := b.Save(ctx, key, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("save %s: %w", key, ctxErr)
		}
		return fmt.Errorf("save %s: %w: %w", key, ErrTransient, err)
	}
	return nil
}
