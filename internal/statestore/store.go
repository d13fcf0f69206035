// Package statestore provides the durable key/value and hash storage shared by
// every request handler. Backends differ only in where the bytes live; absence
// is always reported as ErrNotFound.
package statestore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the key is absent, expired, or was already consumed.
	ErrNotFound = errors.New("state_store.not_found")
	// ErrUnsupportedScheme indicates that no backend is registered for the URL scheme.
	ErrUnsupportedScheme = errors.New("state_store.unsupported_scheme")
	// ErrEmptyKey indicates that an operation was attempted with an empty key.
	ErrEmptyKey = errors.New("state_store.empty_key")
)

// Store is the Durable State Store contract. A zero ttl means the value never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// GetAndDelete atomically reads and removes a value; at most one caller observes it.
	GetAndDelete(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error

	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGet(ctx context.Context, key string, field string) (string, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashDelete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}
