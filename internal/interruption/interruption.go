// Package interruption keeps uncommitted per-screen form data across app
// backgrounding, and expires it once the session has been idle too long.
package interruption

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

// DefaultSessionTimeout is how long interruption data stays valid.
const DefaultSessionTimeout = 30 * time.Minute

const (
	keyCurrent      = store.NamespaceInterruption + "current"
	keyLastActive   = store.NamespaceInterruption + "last_active"
	keyScreenPrefix = store.NamespaceInterruption + "screen/"
)

// Extra carries optional view state saved alongside form data.
type Extra struct {
	ScrollPosition *float64
	ActiveElement  string
}

// ForegroundResult describes what the handler found when the app came back.
type ForegroundResult struct {
	Elapsed        time.Duration
	SessionExpired bool
	State          *models.InterruptionState
}

// Opts configures a Handler.
type Opts struct {
	Now            func() time.Time
	SessionTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Opts)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithSessionTimeout overrides the 30 minute timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SessionTimeout = d }
}

// Handler saves and restores interruption snapshots in the local store.
type Handler struct {
	store   store.Store
	now     func() time.Time
	timeout time.Duration

	mu          sync.Mutex
	unsubscribe func()
}

// New creates a Handler.
func New(st store.Store, opts ...Option) *Handler {
	cfg := Opts{Now: time.Now, SessionTimeout: DefaultSessionTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Handler{store: st, now: cfg.Now, timeout: cfg.SessionTimeout}
}

// SessionTimeout returns the configured timeout.
func (h *Handler) SessionTimeout() time.Duration {
	return h.timeout
}

// SaveInterruptionState records the screen's uncommitted form data as the current
// interruption and as that screen's own snapshot.
func (h *Handler) SaveInterruptionState(ctx context.Context, screen string, formData map[string]any, extra *Extra) error {
	if screen == "" {
		return fmt.Errorf("interruption: screen is required")
	}
	st := models.InterruptionState{Timestamp: h.now(), Screen: screen, FormData: formData}
	if extra != nil {
		st.ScrollPosition = extra.ScrollPosition
		st.ActiveElement = extra.ActiveElement
	}
	if err := store.SetJSON(ctx, h.store, keyCurrent, st); err != nil {
		slog.Error("Handler.SaveInterruptionState: write failed", "screen", screen, "error", err)
		return err
	}
	if err := store.SetJSON(ctx, h.store, keyScreenPrefix+screen, st); err != nil {
		slog.Error("Handler.SaveInterruptionState: screen write failed", "screen", screen, "error", err)
		return err
	}
	slog.Debug("Handler.SaveInterruptionState: saved", "screen", screen, "fields", len(formData))
	return nil
}

func (h *Handler) expired(st models.InterruptionState) bool {
	return h.now().Sub(st.Timestamp) > h.timeout
}

// GetInterruptionState returns the latest snapshot. An expired snapshot is cleared
// together with every screen snapshot and nil is returned.
func (h *Handler) GetInterruptionState(ctx context.Context) (*models.InterruptionState, error) {
	var st models.InterruptionState
	ok, err := store.GetJSON(ctx, h.store, keyCurrent, &st)
	if err != nil {
		slog.Warn("Handler.GetInterruptionState: unreadable snapshot cleared", "error", err)
		return nil, h.ClearInterruptionState(ctx)
	}
	if !ok {
		return nil, nil
	}
	if h.expired(st) {
		slog.Info("Handler.GetInterruptionState: snapshot expired", "screen", st.Screen, "age", h.now().Sub(st.Timestamp))
		return nil, h.ClearInterruptionState(ctx)
	}
	return &st, nil
}

// GetScreenState returns the snapshot saved for screen, clearing it when expired.
func (h *Handler) GetScreenState(ctx context.Context, screen string) (*models.InterruptionState, error) {
	key := keyScreenPrefix + screen
	var st models.InterruptionState
	ok, err := store.GetJSON(ctx, h.store, key, &st)
	if err != nil {
		return nil, h.store.Delete(ctx, key)
	}
	if !ok {
		return nil, nil
	}
	if h.expired(st) {
		return nil, h.store.Delete(ctx, key)
	}
	return &st, nil
}

// ClearScreenState removes the snapshot of one screen, typically after its data was committed.
func (h *Handler) ClearScreenState(ctx context.Context, screen string) error {
	if err := h.store.Delete(ctx, keyScreenPrefix+screen); err != nil {
		return err
	}
	var st models.InterruptionState
	if ok, _ := store.GetJSON(ctx, h.store, keyCurrent, &st); ok && st.Screen == screen {
		return h.store.Delete(ctx, keyCurrent)
	}
	return nil
}

// ClearInterruptionState removes the current and every per-screen snapshot. The
// last-active timestamp is kept.
func (h *Handler) ClearInterruptionState(ctx context.Context) error {
	keys, err := h.store.Keys(ctx, store.NamespaceInterruption)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == keyLastActive {
			continue
		}
		if err := h.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// HandleBackground records when the app left the foreground.
func (h *Handler) HandleBackground(ctx context.Context) error {
	return store.SetJSON(ctx, h.store, keyLastActive, h.now())
}

// HandleForeground compares the time spent in the background with the session
// timeout. Past the timeout the interruption state is cleared as a session expiry;
// the committed onboarding context is not touched.
func (h *Handler) HandleForeground(ctx context.Context) (ForegroundResult, error) {
	var res ForegroundResult
	var last time.Time
	ok, err := store.GetJSON(ctx, h.store, keyLastActive, &last)
	if err != nil {
		slog.Warn("Handler.HandleForeground: unreadable last-active timestamp", "error", err)
	}
	if ok {
		res.Elapsed = h.now().Sub(last)
		if err := h.store.Delete(ctx, keyLastActive); err != nil {
			return res, err
		}
		if res.Elapsed > h.timeout {
			res.SessionExpired = true
			slog.Info("Handler.HandleForeground: session expired", "elapsed", res.Elapsed)
			return res, h.ClearInterruptionState(ctx)
		}
	}
	st, err := h.GetInterruptionState(ctx)
	if err != nil {
		return res, err
	}
	res.State = st
	return res, nil
}

// Attach follows app state changes. onForeground, if set, receives every foreground result.
func (h *Handler) Attach(app lifecycle.AppStates, onForeground func(ForegroundResult)) {
	h.Detach()
	unsub := app.Subscribe(func(prev, next lifecycle.AppState) {
		ctx := context.Background()
		switch {
		case lifecycle.IsBackgrounding(prev, next):
			if err := h.HandleBackground(ctx); err != nil {
				slog.Error("Handler: background handling failed", "error", err)
			}
		case lifecycle.IsForegrounding(prev, next):
			res, err := h.HandleForeground(ctx)
			if err != nil {
				slog.Error("Handler: foreground handling failed", "error", err)
				return
			}
			if onForeground != nil {
				onForeground(res)
			}
		}
	})
	h.mu.Lock()
	h.unsubscribe = unsub
	h.mu.Unlock()
}

// Detach stops following app state changes.
func (h *Handler) Detach() {
	h.mu.Lock()
	unsub := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ScreenKey returns the store key of a screen snapshot.
func ScreenKey(screen string) string {
	return keyScreenPrefix + strings.TrimSpace(screen)
}
