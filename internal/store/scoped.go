package store

import (
	"context"
	"strings"
)

// ScopedStore confines a Store to keys under a fixed prefix so several users can
// share one database. Namespaced keys keep their shape inside the scope.
type ScopedStore struct {
	parent Store
	prefix string
}

// Compile-time check that ScopedStore implements Store.
var _ Store = (*ScopedStore)(nil)

// Scope returns a view of s holding only keys under "users/<scope>/".
func Scope(s Store, scope string) *ScopedStore {
	return &ScopedStore{parent: s, prefix: "users/" + scope + "/"}
}

// Prefix returns the raw key prefix of the scope.
func (s *ScopedStore) Prefix() string { return s.prefix }

// Get implements Store.
func (s *ScopedStore) Get(ctx context.Context, key string) (string, bool, error) {
	return s.parent.Get(ctx, s.prefix+key)
}

// Set implements Store.
func (s *ScopedStore) Set(ctx context.Context, key, value string) error {
	return s.parent.Set(ctx, s.prefix+key, value)
}

// Delete implements Store.
func (s *ScopedStore) Delete(ctx context.Context, key string) error {
	return s.parent.Delete(ctx, s.prefix+key)
}

// Keys implements Store. Returned keys are relative to the scope.
func (s *ScopedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.parent.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}

// Close is a no-op; the parent store is owned by the caller.
func (s *ScopedStore) Close() error {
	return nil
}
