package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "local.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func storeImplementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
		"scoped": Scope(newTestSQLiteStore(t), "u1"),
	}
}

func TestStoreBasicOperations(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, "@cache/missing"); err != nil || ok {
				t.Fatalf("Get missing = %v, %v", ok, err)
			}
			if err := s.Set(ctx, "@cache/a", "1"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, "@cache/a", "2"); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			v, ok, err := s.Get(ctx, "@cache/a")
			if err != nil || !ok || v != "2" {
				t.Fatalf("Get = %q, %v, %v", v, ok, err)
			}
			if err := s.Delete(ctx, "@cache/a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "@cache/a"); err != nil {
				t.Fatalf("Delete missing: %v", err)
			}
			if _, ok, _ := s.Get(ctx, "@cache/a"); ok {
				t.Error("key still present after Delete")
			}
		})
	}
}

func TestStoreKeysAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"@interruption/b", "@interruption/a", "@offline/queue", "@interruptionX"} {
				if err := s.Set(ctx, k, "v"); err != nil {
					t.Fatalf("Set %s: %v", k, err)
				}
			}
			keys, err := s.Keys(ctx, NamespaceInterruption)
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if len(keys) != 2 || keys[0] != "@interruption/a" || keys[1] != "@interruption/b" {
				t.Fatalf("Keys = %v", keys)
			}
			n, err := DeletePrefix(ctx, s, NamespaceInterruption)
			if err != nil || n != 2 {
				t.Fatalf("DeletePrefix = %d, %v", n, err)
			}
			if _, ok, _ := s.Get(ctx, "@offline/queue"); !ok {
				t.Error("DeletePrefix removed a key from another namespace")
			}
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	type payload struct {
		Screen string `json:"screen"`
	}
	if err := SetJSON(ctx, s, "@interruption/current", payload{Screen: "mood"}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got payload
	ok, err := GetJSON(ctx, s, "@interruption/current", &got)
	if err != nil || !ok || got.Screen != "mood" {
		t.Fatalf("GetJSON = %+v, %v, %v", got, ok, err)
	}

	_ = s.Set(ctx, "@interruption/broken", "{not json")
	if _, err := GetJSON(ctx, s, "@interruption/broken", &got); !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage for corrupt value, got %v", err)
	}
}

func TestInMemoryStoreFailWrites(t *testing.T) {
	s := NewInMemoryStore()
	s.SetFailWrites(true)
	if err := s.Set(context.Background(), "k", "v"); !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "local.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if err := s1.Set(ctx, "@preservation/state", `{"v":1}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()
	v, ok, err := s2.Get(ctx, "@preservation/state")
	if err != nil || !ok || v != `{"v":1}` {
		t.Errorf("after reopen Get = %q, %v, %v", v, ok, err)
	}
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db": "postgres",
		"host=localhost dbname=x":     "postgres",
		"/var/lib/prayerpipe/local.db": "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %s, want %s", dsn, got, want)
		}
	}
}

func TestScopedStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	shared := NewInMemoryStore()
	a, b := Scope(shared, "a"), Scope(shared, "b")
	SetJSON(ctx, a, NamespaceOffline+"op1", 1)
	SetJSON(ctx, a, NamespaceCache+"x", 1)
	SetJSON(ctx, b, NamespaceOffline+"op2", 2)

	keys, err := a.Keys(ctx, NamespaceOffline)
	if err != nil || len(keys) != 1 || keys[0] != NamespaceOffline+"op1" {
		t.Fatalf("a keys = %v, %v", keys, err)
	}
	if n, _ := DeletePrefix(ctx, a, ""); n != 2 {
		t.Errorf("deleted %d from a", n)
	}
	if keys, _ := shared.Keys(ctx, ""); len(keys) != 1 || keys[0] != b.Prefix()+NamespaceOffline+"op2" {
		t.Errorf("shared keys = %v", keys)
	}
}
