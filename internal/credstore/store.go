// Package credstore persists the bearer credential across restarts.
package credstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// TokenKey is the single durable key holding the bearer token. Its absence
// means signed out.
const TokenKey = "auth_token"

// Backend kinds accepted by Open.
const (
	KindSQLite = "sqlite"
	KindBolt   = "bolt"
	KindMemory = "memory"
)

var ErrNotFound = errors.New("credstore: key not found")

// Store is a small durable key-value store.
type Store interface {
	// Get returns ErrNotFound when key has never been set or was deleted.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the backend named by kind, rooted at path.
func Open(kind, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindSQLite, "":
		return NewSQLite(path)
	case KindBolt, "bbolt":
		return NewBolt(path)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, errors.Errorf("credstore: unknown backend %q", kind)
	}
}
