package statestore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open selects a backend from the URL scheme: redis:// and rediss:// use Redis,
// postgres:// and sqlite:// use the database store, and an empty URL yields a
// MemoryStore. The returned label names the chosen backend for logging.
func Open(ctx context.Context, storeURL string) (Store, string, error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" {
		return NewMemoryStore(), "memory", nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("state_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "redis", "rediss":
		store, openErr := NewRedisStore(ctx, trimmed)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, "redis", nil
	case "postgres", "postgresql", "sqlite", "sqlite3":
		store, openErr := NewDatabaseStore(ctx, trimmed)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, store.Driver(), nil
	case "":
		return nil, "", fmt.Errorf("state_store.open: %w", errUnsupportedNoScheme)
	default:
		return nil, "", fmt.Errorf("state_store.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}
