package interruption

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newHandler() (*Handler, *store.InMemoryStore, *testClock) {
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	st := store.NewInMemoryStore()
	return New(st, WithNow(clock.Now)), st, clock
}

func TestSaveAndGet(t *testing.T) {
	h, _, _ := newHandler()
	ctx := context.Background()
	scroll := 120.5
	err := h.SaveInterruptionState(ctx, "mood_context", map[string]any{"text": "tired"}, &Extra{ScrollPosition: &scroll, ActiveElement: "context-input"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	st, err := h.GetInterruptionState(ctx)
	if err != nil || st == nil {
		t.Fatalf("Get = %v, %v", st, err)
	}
	if st.Screen != "mood_context" || st.FormData["text"] != "tired" || *st.ScrollPosition != 120.5 || st.ActiveElement != "context-input" {
		t.Errorf("state = %+v", st)
	}
	screen, _ := h.GetScreenState(ctx, "mood_context")
	if screen == nil || screen.FormData["text"] != "tired" {
		t.Errorf("screen state = %+v", screen)
	}
	if err := h.SaveInterruptionState(ctx, "", nil, nil); err == nil {
		t.Error("expected error for empty screen")
	}
}

func TestExpiredSnapshotIsCleared(t *testing.T) {
	h, st, clock := newHandler()
	ctx := context.Background()
	h.SaveInterruptionState(ctx, "first_name", map[string]any{"first_name": "Ru"}, nil)

	clock.now = clock.now.Add(31 * time.Minute)
	got, err := h.GetInterruptionState(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for a 31 minute old snapshot, got %+v", got)
	}
	if _, ok, _ := st.Get(ctx, keyCurrent); ok {
		t.Error("expired snapshot key was not cleared")
	}
	if _, ok, _ := st.Get(ctx, ScreenKey("first_name")); ok {
		t.Error("screen snapshot was not cleared")
	}
}

func TestSnapshotWithinTimeoutSurvives(t *testing.T) {
	h, _, clock := newHandler()
	ctx := context.Background()
	h.SaveInterruptionState(ctx, "mood", nil, nil)
	clock.now = clock.now.Add(29 * time.Minute)
	if got, _ := h.GetInterruptionState(ctx); got == nil {
		t.Error("snapshot younger than the timeout was dropped")
	}
}

func TestClearScreenState(t *testing.T) {
	h, _, _ := newHandler()
	ctx := context.Background()
	h.SaveInterruptionState(ctx, "mood", nil, nil)
	h.SaveInterruptionState(ctx, "first_name", nil, nil)
	if err := h.ClearScreenState(ctx, "mood"); err != nil {
		t.Fatalf("ClearScreenState: %v", err)
	}
	if got, _ := h.GetScreenState(ctx, "mood"); got != nil {
		t.Error("mood snapshot survived")
	}
	if got, _ := h.GetInterruptionState(ctx); got == nil || got.Screen != "first_name" {
		t.Errorf("current snapshot = %+v", got)
	}
}

func TestForegroundAfterTimeoutExpiresSession(t *testing.T) {
	h, st, clock := newHandler()
	app := lifecycle.NewAppMonitor()
	var results []ForegroundResult
	h.Attach(app, func(r ForegroundResult) { results = append(results, r) })
	defer h.Detach()
	ctx := context.Background()

	h.SaveInterruptionState(ctx, "mood", map[string]any{"mood": "happy"}, nil)
	app.Set(lifecycle.StateBackground)
	clock.now = clock.now.Add(10 * time.Minute)
	app.Set(lifecycle.StateActive)

	if len(results) != 1 || results[0].SessionExpired || results[0].State == nil || results[0].Elapsed != 10*time.Minute {
		t.Fatalf("short background result = %+v", results)
	}

	// The committed context lives elsewhere and must survive a session expiry.
	st.Set(ctx, store.NamespacePreservation+"state", "{}")

	app.Set(lifecycle.StateBackground)
	clock.now = clock.now.Add(45 * time.Minute)
	app.Set(lifecycle.StateActive)
	if len(results) != 2 || !results[1].SessionExpired || results[1].State != nil {
		t.Fatalf("long background result = %+v", results[1])
	}
	if _, ok, _ := st.Get(ctx, keyCurrent); ok {
		t.Error("interruption state not cleared on expiry")
	}
	if _, ok, _ := st.Get(ctx, store.NamespacePreservation+"state"); !ok {
		t.Error("session expiry touched another namespace")
	}
}
