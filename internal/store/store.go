// Package store persists small identity blobs: wallet secrets, birth
// certificates, personality config. Enclave filesystems are wiped on
// redeploy, so a redis backend is available alongside the default
// file backend for identities that must survive.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/proofofflip/proofofflip/internal/config"
)

// ErrNotFound is returned when a key has no stored blob.
var ErrNotFound = errors.New("store: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
}

// New builds the backend named in config.
func New(cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return NewFileStore(cfg.Store.Path)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		return NewRedisStore(rdb), nil
	}
	return nil, fmt.Errorf("store: unknown backend %q", cfg.Store.Backend)
}
