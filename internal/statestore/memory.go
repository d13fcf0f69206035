package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store intended for tests and local runs.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	hashes  map[string]map[string]string
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		hashes:  make(map[string]map[string]string),
		now:     time.Now,
	}
}

// Get returns the value stored under key.
func (store *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry, ok := store.liveEntryLocked(key)
	if !ok {
		return "", fmt.Errorf("state_store.get.memory: %w", ErrNotFound)
	}
	return entry.value, nil
}

// Set stores value under key, replacing any previous value and expiry.
func (store *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("state_store.set.memory: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.purgeExpiredLocked()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = store.now().Add(ttl)
	}
	store.entries[key] = entry
	return nil
}

// GetAndDelete returns and removes the value under key in one critical section.
func (store *MemoryStore) GetAndDelete(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry, ok := store.liveEntryLocked(key)
	if !ok {
		return "", fmt.Errorf("state_store.get_and_delete.memory: %w", ErrNotFound)
	}
	delete(store.entries, key)
	return entry.value, nil
}

// Delete removes key. Missing keys are not an error.
func (store *MemoryStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

// HashSet merges fields into the hash stored under key.
func (store *MemoryStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if key == "" {
		return fmt.Errorf("state_store.hash_set.memory: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hash, ok := store.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		store.hashes[key] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

// HashGet returns a single field of the hash stored under key.
func (store *MemoryStore) HashGet(ctx context.Context, key string, field string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.hashes[key][field]
	if !ok {
		return "", fmt.Errorf("state_store.hash_get.memory: %w", ErrNotFound)
	}
	return value, nil
}

// HashGetAll returns a copy of every field of the hash stored under key.
func (store *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hash, ok := store.hashes[key]
	if !ok || len(hash) == 0 {
		return nil, fmt.Errorf("state_store.hash_get_all.memory: %w", ErrNotFound)
	}
	clone := make(map[string]string, len(hash))
	for field, value := range hash {
		clone[field] = value
	}
	return clone, nil
}

// HashDelete removes the whole hash stored under key.
func (store *MemoryStore) HashDelete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.hashes, key)
	return nil
}

// Ping always succeeds.
func (store *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (store *MemoryStore) Close() error {
	return nil
}

func (store *MemoryStore) liveEntryLocked(key string) (memoryEntry, bool) {
	entry, ok := store.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !store.now().Before(entry.expiresAt) {
		delete(store.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (store *MemoryStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for key, entry := range store.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(store.entries, key)
		}
	}
}
