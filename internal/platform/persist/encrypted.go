package persist

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Encrypted wraps a Backend with AES-256-GCM. Stored payloads are
// nonce || ciphertext; the blob key is bound as additional data so a payload
// copied under another key fails to open.
type Encrypted struct {
	Backend
	aead cipher.AEAD
}

// NewEncrypted returns an encrypting wrapper around next. key must be 32 bytes.
func NewEncrypted(next Backend, key []byte) (*Encrypted, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("store encryption: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store encryption: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store encryption: create GCM: %w", err)
	}
	return &Encrypted{Backend: next, aead: aead}, nil
}

func (e *Encrypted) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := e.Backend.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("open %s: %w: ciphertext too short", key, ErrUndecryptable)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", key, ErrUndecryptable, err)
	}
	return plaintext, nil
}

func (e *Encrypted) Save(ctx context.Context, key string, data []byte) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("seal %s: generate nonce: %w", key, err)
	}
	return e.Backend.Save(ctx, key, e.aead.Seal(nonce, nonce, data, []byte(key)))
}

func (e *Encrypted) Ping(ctx context.Context) error {
	if p, ok := e.Backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
