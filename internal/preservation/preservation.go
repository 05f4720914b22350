// Package preservation snapshots the onboarding context when the app leaves the
// foreground and restores it when the app returns. It also owns the crash hook and
// the ring of coarse recovery points.
package preservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/repository"
	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

const (
	// DefaultFreshness is how old a preserved snapshot may be and still be restored.
	DefaultFreshness = 30 * time.Minute
	// DefaultCrashWindow is how recent a crash must be to trigger crash recovery.
	DefaultCrashWindow = time.Hour
	// MaxCrashAge is the hard cap after which crash records are always dropped.
	MaxCrashAge = 24 * time.Hour
	// DefaultAutoSaveInterval is the period of the foreground auto-save.
	DefaultAutoSaveInterval = 30 * time.Second
	// MaxRecoveryPoints bounds the recovery point ring.
	MaxRecoveryPoints = 5
	// SnapshotVersion is written into every PreservedState.
	SnapshotVersion = 1

	// CrashRecoveredCode is the error code set after recovering from a crash.
	CrashRecoveredCode = "CRASH_RECOVERED"
)

const (
	keyState  = store.NamespacePreservation + "state"
	keyCrash  = store.NamespacePreservation + "crash"
	keyPoints = store.NamespacePreservation + "recovery_points"
)

// Router resumes navigation at a restored state.
type Router interface {
	Resume(ctx context.Context, state models.State) error
	History() []models.State
	RestoreHistory(states []models.State)
}

// Saver persists the context through the data repository.
type Saver interface {
	SaveOnboardingState(ctx context.Context, c models.OnboardingContext) repository.SaveResult
}

// ForegroundOutcome reports what HandleForeground did.
type ForegroundOutcome struct {
	CrashRecovered bool
	Restored       bool
	Discarded      bool
	State          models.State
	Age            time.Duration
}

// Opts configures a Service.
type Opts struct {
	Clock            scheduler.Clock
	Freshness        time.Duration
	CrashWindow      time.Duration
	AutoSaveInterval time.Duration
	CrashDetection   bool
	Router           Router
	Saver            Saver
}

// Option configures a Service.
type Option func(*Opts)

// WithClock sets the clock used for timestamps and auto-save.
func WithClock(c scheduler.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithFreshness overrides the preserved snapshot freshness window.
func WithFreshness(d time.Duration) Option {
	return func(o *Opts) { o.Freshness = d }
}

// WithCrashWindow overrides the crash recency window. Values above MaxCrashAge are capped.
func WithCrashWindow(d time.Duration) Option {
	return func(o *Opts) { o.CrashWindow = d }
}

// WithAutoSaveInterval overrides the auto-save period.
func WithAutoSaveInterval(d time.Duration) Option {
	return func(o *Opts) { o.AutoSaveInterval = d }
}

// WithCrashDetection enables or disables crash recovery on foreground.
func WithCrashDetection(enabled bool) Option {
	return func(o *Opts) { o.CrashDetection = enabled }
}

// WithRouter sets the navigation target for restored state.
func WithRouter(r Router) Option {
	return func(o *Opts) { o.Router = r }
}

// WithSaver sets the repository fed on background.
func WithSaver(s Saver) Option {
	return func(o *Opts) { o.Saver = s }
}

// Service preserves and restores one machine's context.
type Service struct {
	store   store.Store
	machine *flow.Machine
	cfg     Opts

	mu          sync.Mutex
	autoSave    scheduler.Task
	lastSaved   time.Time
	unsubscribe func()
}

// New creates a Service for machine backed by st.
func New(st store.Store, machine *flow.Machine, opts ...Option) *Service {
	cfg := Opts{
		Freshness:        DefaultFreshness,
		CrashWindow:      DefaultCrashWindow,
		AutoSaveInterval: DefaultAutoSaveInterval,
		CrashDetection:   true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.Default()
	}
	if cfg.CrashWindow > MaxCrashAge {
		cfg.CrashWindow = MaxCrashAge
	}
	return &Service{store: st, machine: machine, cfg: cfg}
}

// SetRouter sets the router after construction.
func (s *Service) SetRouter(r Router) {
	s.mu.Lock()
	s.cfg.Router = r
	s.mu.Unlock()
}

func (s *Service) router() Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Router
}

func (s *Service) now() time.Time {
	return s.cfg.Clock.Now()
}

// Preserve writes the current context and navigation history.
func (s *Service) Preserve(ctx context.Context) error {
	c := s.machine.Context()
	ps := models.PreservedState{
		Context:   c,
		Timestamp: s.now(),
		SessionID: c.SessionID,
		Version:   SnapshotVersion,
	}
	if r := s.router(); r != nil {
		ps.NavigationHistory = r.History()
	}
	if err := store.SetJSON(ctx, s.store, keyState, ps); err != nil {
		slog.Error("Service.Preserve: write failed", "sessionID", c.SessionID, "error", err)
		return fmt.Errorf("failed to preserve state: %w", err)
	}
	s.mu.Lock()
	s.lastSaved = c.LastActivity
	s.mu.Unlock()
	slog.Debug("Service.Preserve: state preserved", "sessionID", c.SessionID, "state", c.CurrentState)
	return nil
}

// LoadPreserved returns the preserved snapshot, or nil.
func (s *Service) LoadPreserved(ctx context.Context) (*models.PreservedState, error) {
	var ps models.PreservedState
	ok, err := store.GetJSON(ctx, s.store, keyState, &ps)
	if err != nil {
		slog.Warn("Service.LoadPreserved: unreadable snapshot discarded", "error", err)
		return nil, s.store.Delete(ctx, keyState)
	}
	if !ok {
		return nil, nil
	}
	return &ps, nil
}

// ClearPreserved removes the preserved snapshot.
func (s *Service) ClearPreserved(ctx context.Context) error {
	return s.store.Delete(ctx, keyState)
}

// StartAutoSave preserves the context periodically while in the foreground.
func (s *Service) StartAutoSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoSave != nil {
		return
	}
	s.autoSave = s.cfg.Clock.Every(s.cfg.AutoSaveInterval, s.autoSaveTick)
}

// StopAutoSave stops the periodic save.
func (s *Service) StopAutoSave() {
	s.mu.Lock()
	task := s.autoSave
	s.autoSave = nil
	s.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}

func (s *Service) autoSaveTick() {
	c := s.machine.Context()
	s.mu.Lock()
	unchanged := !c.LastActivity.After(s.lastSaved)
	s.mu.Unlock()
	if unchanged {
		return
	}
	if err := s.Preserve(context.Background()); err != nil {
		slog.Error("Service.autoSaveTick: auto-save failed", "error", err)
	}
}

// HandleBackground stops auto-save, preserves the context and hands it to the repository.
func (s *Service) HandleBackground(ctx context.Context) error {
	s.StopAutoSave()
	if err := s.Preserve(ctx); err != nil {
		return err
	}
	if s.cfg.Saver != nil {
		if res := s.cfg.Saver.SaveOnboardingState(ctx, s.machine.Context()); res.Err != nil {
			slog.Warn("Service.HandleBackground: repository save failed", "error", res.Err)
		}
	}
	return nil
}

// HandleForeground runs crash recovery first, then restores a fresh preserved
// snapshot or discards a stale one. Auto-save is restarted in every case.
func (s *Service) HandleForeground(ctx context.Context) (ForegroundOutcome, error) {
	defer s.StartAutoSave()

	if s.cfg.CrashDetection {
		out, handled, err := s.recoverCrash(ctx)
		if err != nil || handled {
			return out, err
		}
	}

	var out ForegroundOutcome
	ps, err := s.LoadPreserved(ctx)
	if err != nil || ps == nil {
		out.State = s.machine.Current()
		return out, err
	}
	out.Age = s.now().Sub(ps.Timestamp)
	if out.Age > s.cfg.Freshness {
		slog.Info("Service.HandleForeground: stale snapshot discarded", "age", out.Age, "sessionID", ps.SessionID)
		out.Discarded = true
		out.State = s.machine.Current()
		return out, s.ClearPreserved(ctx)
	}

	s.machine.Restore(ps.Context)
	out.Restored = true
	out.State = ps.Context.CurrentState
	if r := s.router(); r != nil {
		r.RestoreHistory(ps.NavigationHistory)
		if err := r.Resume(ctx, out.State); err != nil {
			slog.Error("Service.HandleForeground: resume failed", "state", out.State, "error", err)
			return out, fmt.Errorf("failed to resume navigation: %w", err)
		}
	}
	slog.Info("Service.HandleForeground: state restored", "state", out.State, "age", out.Age)
	return out, nil
}

func (s *Service) recoverCrash(ctx context.Context) (ForegroundOutcome, bool, error) {
	var out ForegroundOutcome
	rec, err := s.CrashRecord(ctx)
	if err != nil || rec == nil {
		return out, false, err
	}
	age := s.now().Sub(rec.CrashTimestamp)
	if age > s.cfg.CrashWindow {
		slog.Info("Service.recoverCrash: old crash record dropped", "age", age)
		return out, false, s.MarkCleanExit(ctx)
	}

	s.machine.Restore(rec.Context)
	msg := "the app closed unexpectedly"
	if rec.ErrorInfo != "" {
		msg = rec.ErrorInfo
	}
	res := s.machine.Fail(CrashRecoveredCode, msg, true)
	if !res.Valid {
		slog.Warn("Service.recoverCrash: cannot enter error state", "state", rec.LastKnownState, "errors", res.Errors)
	}
	if err := s.MarkCleanExit(ctx); err != nil {
		return out, true, err
	}
	if err := s.ClearPreserved(ctx); err != nil {
		return out, true, err
	}

	out.CrashRecovered = true
	out.Age = age
	out.State = s.machine.Current()
	if r := s.router(); r != nil {
		if err := r.Resume(ctx, out.State); err != nil {
			return out, true, fmt.Errorf("failed to navigate after crash: %w", err)
		}
	}
	slog.Warn("Service.recoverCrash: recovered from crash", "lastKnownState", rec.LastKnownState, "age", age)
	return out, true, nil
}

// CrashRecord returns the persisted crash record, or nil. Records past MaxCrashAge are deleted.
func (s *Service) CrashRecord(ctx context.Context) (*models.CrashRecord, error) {
	var rec models.CrashRecord
	ok, err := store.GetJSON(ctx, s.store, keyCrash, &rec)
	if err != nil {
		return nil, s.store.Delete(ctx, keyCrash)
	}
	if !ok {
		return nil, nil
	}
	if s.now().Sub(rec.CrashTimestamp) > MaxCrashAge {
		return nil, s.store.Delete(ctx, keyCrash)
	}
	return &rec, nil
}

// RecordCrash persists a crash record for the current context.
func (s *Service) RecordCrash(ctx context.Context, cause error) error {
	return s.recordCrash(ctx, cause, debug.Stack())
}

func (s *Service) recordCrash(ctx context.Context, cause error, stack []byte) error {
	c := s.machine.Context()
	rec := models.CrashRecord{
		LastKnownState: c.CurrentState,
		Context:        c,
		CrashTimestamp: s.now(),
		Stack:          string(stack),
	}
	if cause != nil {
		rec.ErrorInfo = cause.Error()
	}
	if err := store.SetJSON(ctx, s.store, keyCrash, rec); err != nil {
		slog.Error("Service.RecordCrash: write failed", "error", err)
		return err
	}
	slog.Error("Service.RecordCrash: crash recorded", "state", c.CurrentState, "error", cause)
	return nil
}

// MarkCleanExit removes the crash record.
func (s *Service) MarkCleanExit(ctx context.Context) error {
	return s.store.Delete(ctx, keyCrash)
}

// Guard runs fn and records a crash if it panics. The panic is re-raised.
func (s *Service) Guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("panic: %v", r)
			}
			if err := s.recordCrash(context.Background(), cause, debug.Stack()); err != nil {
				slog.Error("Service.Guard: crash record lost", "error", errors.Join(cause, err))
			}
			panic(r)
		}
	}()
	fn()
}

// AddRecoveryPoint appends a point for the current context, dropping the oldest past MaxRecoveryPoints.
func (s *Service) AddRecoveryPoint(ctx context.Context, formData, screenData map[string]any) error {
	points, err := s.RecoveryPoints(ctx)
	if err != nil {
		return err
	}
	c := s.machine.Context()
	points = append(points, models.RecoveryPoint{
		ID:         uuid.NewString(),
		Timestamp:  s.now(),
		State:      c.CurrentState,
		Context:    c,
		FormData:   formData,
		ScreenData: screenData,
	})
	if len(points) > MaxRecoveryPoints {
		points = points[len(points)-MaxRecoveryPoints:]
	}
	return store.SetJSON(ctx, s.store, keyPoints, points)
}

// RecoveryPoints returns the stored points, oldest first.
func (s *Service) RecoveryPoints(ctx context.Context) ([]models.RecoveryPoint, error) {
	var points []models.RecoveryPoint
	if _, err := store.GetJSON(ctx, s.store, keyPoints, &points); err != nil {
		slog.Warn("Service.RecoveryPoints: unreadable points discarded", "error", err)
		return nil, s.store.Delete(ctx, keyPoints)
	}
	return points, nil
}

// UpdateRecoveryPoint replaces the point with the same ID.
func (s *Service) UpdateRecoveryPoint(ctx context.Context, p models.RecoveryPoint) error {
	points, err := s.RecoveryPoints(ctx)
	if err != nil {
		return err
	}
	for i := range points {
		if p.ID != "" && points[i].ID == p.ID {
			points[i] = p
			return store.SetJSON(ctx, s.store, keyPoints, points)
		}
	}
	return fmt.Errorf("recovery point %q not found", p.ID)
}

// ClearRecoveryPoints removes every point.
func (s *Service) ClearRecoveryPoints(ctx context.Context) error {
	return s.store.Delete(ctx, keyPoints)
}

// Attach follows app state changes and starts auto-save.
func (s *Service) Attach(app lifecycle.AppStates, onForeground func(ForegroundOutcome)) {
	s.Detach()
	unsub := app.Subscribe(func(prev, next lifecycle.AppState) {
		ctx := context.Background()
		switch {
		case lifecycle.IsBackgrounding(prev, next):
			if err := s.HandleBackground(ctx); err != nil {
				slog.Error("Service: background handling failed", "error", err)
			}
		case lifecycle.IsForegrounding(prev, next):
			out, err := s.HandleForeground(ctx)
			if err != nil {
				slog.Error("Service: foreground handling failed", "error", err)
			}
			if onForeground != nil {
				onForeground(out)
			}
		}
	})
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()
	s.StartAutoSave()
}

// Detach stops following app state changes and stops auto-save.
func (s *Service) Detach() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.StopAutoSave()
}
