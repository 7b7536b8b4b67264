package persist

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthbook/healthbook/internal/platform/db"
)

// Backend kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Kind          string
	Path          string
	DatabaseURL   string
	MaxConns      int32
	MinConns      int32
	RedisURL      string
	RedisPrefix   string
	EncryptionKey []byte
	// Pool is reused for the postgres backend instead of dialing
	// DatabaseURL, so callers can report its stats.
	Pool *pgxpool.Pool
}

// Open builds the backend described by opts, wrapped in Encrypted when an
// encryption key is set.
func Open(ctx context.Context, opts Options) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch opts.Kind {
	case KindMemory, "":
		b = NewMemory()
	case KindFile:
		b, err = NewFile(opts.Path)
	case KindSQLite:
		b, err = NewSQLite(ctx, opts.Path)
	case KindPostgres:
		pool := opts.Pool
		if pool == nil {
			var perr error
			if pool, perr = db.NewPool(ctx, opts.DatabaseURL, opts.MaxConns, opts.MinConns); perr != nil {
				return nil, perr
			}
		}
		b, err = NewPostgres(ctx, pool)
		if err != nil && opts.Pool == nil {
			pool.Close()
		}
	case KindRedis:
		b, err = NewRedis(ctx, opts.RedisURL, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Kind, err)
	}
	if len(opts.EncryptionKey) > 0 {
		enc, err := NewEncrypted(b, opts.EncryptionKey)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		return enc, nil
	}
	return b, nil
}
