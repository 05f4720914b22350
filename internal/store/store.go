// Package store provides the local persistent key-value storage shared by the
// repository, interruption handler, preservation system and recovery manager.
//
// It includes an in-memory store for tests and ephemeral sessions and an SQLite-backed
// store for on-device persistence. Components never share keys: each one owns a
// namespace prefix (see the Namespace constants).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Key namespaces. Every component reads and clears only its own prefix.
const (
	NamespacePreservation = "@preservation/"
	NamespaceInterruption = "@interruption/"
	NamespaceRecovery     = "@recovery/"
	NamespaceOffline      = "@offline/"
	NamespaceRepository   = "@repository/"
	NamespaceCache        = "@cache/"
)

// Namespaces lists every namespace owned by the onboarding core.
func Namespaces() []string {
	return []string{
		NamespacePreservation,
		NamespaceInterruption,
		NamespaceRecovery,
		NamespaceOffline,
		NamespaceRepository,
		NamespaceCache,
	}
}

// ErrStorage wraps failures of the underlying medium (full disk, corrupt file).
var ErrStorage = errors.New("local storage failure")

// Store is the local persistent key-value store.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists keys that start with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases resources held by the store.
	Close() error
}

// GetJSON decodes the JSON value stored under key into out.
// It reports false when the key is missing.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		slog.Error("store.GetJSON: corrupt value", "key", key, "error", err)
		return false, fmt.Errorf("%w: corrupt value for %s: %v", ErrStorage, key, err)
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

// DeletePrefix removes every key under prefix and returns how many were removed.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// InMemoryStore is a simple in-memory Store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
	// failWrites simulates a full or corrupt medium.
	failWrites bool
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]string)}
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Set implements Store.
func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return fmt.Errorf("%w: write rejected for %s", ErrStorage, key)
	}
	s.data[key] = value
	return nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys implements Store.
func (s *InMemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	return nil
}

// SetFailWrites makes subsequent writes fail with ErrStorage (for tests).
func (s *InMemoryStore) SetFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}
