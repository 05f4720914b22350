// Package flow implements the onboarding state machine: a declarative transition
// table over models.OnboardingContext with validated, side-effecting transitions.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/models"
)

var (
	// ErrInvalidTransition is returned when no edge leads to the target or validation fails.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotRecoverable is returned by Recover when the pending error cannot be recovered.
	ErrNotRecoverable = errors.New("error state is not recoverable")
	// ErrConcurrentTransition is returned when the context changed while an action ran.
	ErrConcurrentTransition = errors.New("context changed during transition")
)

// TransitionResult reports the outcome of a transition attempt.
type TransitionResult struct {
	Valid     bool                  `json:"valid"`
	Errors    []string              `json:"errors,omitempty"`
	From      models.State          `json:"from"`
	To        models.State          `json:"to"`
	Kind      models.TransitionKind `json:"kind,omitempty"`
	ActionErr error                 `json:"-"`
}

// Err converts an invalid result into an error wrapping ErrInvalidTransition or the action error.
func (r TransitionResult) Err() error {
	if r.Valid {
		return nil
	}
	if r.ActionErr != nil {
		return fmt.Errorf("transition %s -> %s aborted: %w", r.From, r.To, r.ActionErr)
	}
	return fmt.Errorf("%w: %s -> %s: %s", ErrInvalidTransition, r.From, r.To, strings.Join(r.Errors, "; "))
}

// Listener is notified with a copy of the context after every change.
type Listener func(models.OnboardingContext)

// Opts configures a Machine.
type Opts struct {
	Transitions []Transition
	Initial     *models.OnboardingContext
	Now         func() time.Time
}

// Option configures a Machine.
type Option func(*Opts)

// WithTransitions replaces the default transition table.
func WithTransitions(t []Transition) Option {
	return func(o *Opts) { o.Transitions = t }
}

// WithInitialContext starts the machine from c instead of a fresh context.
func WithInitialContext(c models.OnboardingContext) Option {
	return func(o *Opts) { o.Initial = &c }
}

// WithNow overrides the clock used for LastActivity and error timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Machine owns one OnboardingContext. The mutex protects memory only; callers are
// expected to serialize transitions.
type Machine struct {
	mu        sync.Mutex
	ctx       models.OnboardingContext
	version   uint64
	edges     map[models.State][]Transition
	now       func() time.Time
	listeners map[int]Listener
	nextID    int
}

// NewMachine creates a Machine. Without options it uses DefaultTransitions with the
// template prayer generator and a fresh context.
func NewMachine(opts ...Option) *Machine {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Transitions == nil {
		cfg.Transitions = DefaultTransitions(TransitionDeps{Now: cfg.Now})
	}
	m := &Machine{
		edges:     make(map[models.State][]Transition),
		now:       cfg.Now,
		listeners: make(map[int]Listener),
	}
	for _, t := range cfg.Transitions {
		m.edges[t.From] = append(m.edges[t.From], t)
	}
	if cfg.Initial != nil {
		m.ctx = cfg.Initial.Clone()
	} else {
		m.ctx = models.NewOnboardingContext(cfg.Now())
	}
	slog.Debug("Machine.NewMachine: created", "sessionID", m.ctx.SessionID, "state", m.ctx.CurrentState, "edges", len(cfg.Transitions))
	return m
}

// Context returns a copy of the current context.
func (m *Machine) Context() models.OnboardingContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Clone()
}

// Current returns the current state.
func (m *Machine) Current() models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.CurrentState
}

// Transitions returns the declared edges leaving from.
func (m *Machine) Transitions(from models.State) []Transition {
	return append([]Transition(nil), m.edges[from]...)
}

// resolve finds the edge to target for c. It prefers an edge that validates and
// otherwise reports the validation errors of the first existing edge.
func (m *Machine) resolve(c *models.OnboardingContext, target models.State) (*Transition, []string) {
	var firstErrs []string
	found := false
	for i := range m.edges[c.CurrentState] {
		t := &m.edges[c.CurrentState][i]
		if t.To != target || !t.allowed(c) {
			continue
		}
		errs := t.validate(c)
		if len(errs) == 0 {
			return t, nil
		}
		if !found {
			firstErrs = errs
			found = true
		}
	}
	if !found {
		return nil, []string{fmt.Sprintf("no transition from %s to %s", c.CurrentState, target)}
	}
	return nil, firstErrs
}

// CanTransitionTo reports whether a declared edge to target exists and validates.
func (m *Machine) CanTransitionTo(target models.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := m.resolve(&m.ctx, target)
	return t != nil
}

// TransitionTo validates against the current context, runs the edge action on a
// working copy and commits it. Invalid targets, failed validation and action errors
// all leave the context unchanged.
func (m *Machine) TransitionTo(ctx context.Context, target models.State) TransitionResult {
	m.mu.Lock()
	from := m.ctx.CurrentState
	t, errs := m.resolve(&m.ctx, target)
	if t == nil {
		m.mu.Unlock()
		slog.Debug("Machine.TransitionTo: rejected", "from", from, "to", target, "errors", errs)
		return TransitionResult{Valid: false, Errors: errs, From: from, To: target}
	}
	work := m.ctx.Clone()
	version := m.version
	edge := *t
	m.mu.Unlock()

	if edge.Action != nil {
		if err := edge.Action(ctx, &work); err != nil {
			slog.Error("Machine.TransitionTo: action failed", "from", from, "to", target, "error", err)
			return TransitionResult{Valid: false, Errors: []string{err.Error()}, From: from, To: target, Kind: edge.Kind, ActionErr: err}
		}
	}

	m.mu.Lock()
	if m.version != version {
		m.mu.Unlock()
		slog.Warn("Machine.TransitionTo: context changed while action ran", "from", from, "to", target)
		return TransitionResult{Valid: false, Errors: []string{ErrConcurrentTransition.Error()}, From: from, To: target, Kind: edge.Kind}
	}
	m.apply(&work, target)
	m.ctx = work
	snapshot := m.commitLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	slog.Debug("Machine.TransitionTo: succeeded", "from", from, "to", target, "kind", edge.Kind)
	return TransitionResult{Valid: true, From: from, To: target, Kind: edge.Kind}
}

// apply moves c into target, keeping the context invariants.
func (m *Machine) apply(c *models.OnboardingContext, target models.State) {
	c.PreviousState = c.CurrentState
	c.CurrentState = target
	if target != models.StateError {
		c.ErrorState = nil
		c.MarkCompleted(target)
	}
	c.LastActivity = m.now()
}

// commitLocked bumps the version and returns a snapshot for listeners. m.mu must be held.
func (m *Machine) commitLocked() models.OnboardingContext {
	m.version++
	return m.ctx.Clone()
}

// UpdateContext applies fn to the context without validation.
func (m *Machine) UpdateContext(fn func(c *models.OnboardingContext)) {
	m.mu.Lock()
	work := m.ctx.Clone()
	fn(&work)
	work.LastActivity = m.now()
	m.ctx = work
	snapshot := m.commitLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

// Restore replaces the whole context, as loaded from a snapshot.
func (m *Machine) Restore(c models.OnboardingContext) {
	m.mu.Lock()
	m.ctx = c.Clone()
	snapshot := m.commitLocked()
	m.mu.Unlock()
	slog.Debug("Machine.Restore: context restored", "sessionID", c.SessionID, "state", c.CurrentState)
	m.notify(snapshot)
}

// BackTarget returns the state GoBack would move to, or "".
// It prefers the most recently visited earlier step among the back edges.
func (m *Machine) BackTarget() models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backTargetLocked()
}

func (m *Machine) backTargetLocked() models.State {
	var candidates []models.State
	for _, t := range m.edges[m.ctx.CurrentState] {
		if t.Kind == models.TransitionBack && t.allowed(&m.ctx) {
			candidates = append(candidates, t.To)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Index() > candidates[j].Index() })
	for _, c := range candidates {
		if m.ctx.HasCompleted(c) {
			return c
		}
	}
	return candidates[0]
}

// GoBack moves to the previous step.
func (m *Machine) GoBack(ctx context.Context) TransitionResult {
	target := m.BackTarget()
	if target == "" {
		from := m.Current()
		return TransitionResult{Valid: false, Errors: []string{fmt.Sprintf("cannot go back from %s", from)}, From: from}
	}
	return m.TransitionTo(ctx, target)
}

// NextState returns the forward target of the current step, or "".
func (m *Machine) NextState() models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.edges[m.ctx.CurrentState] {
		if t.Kind == models.TransitionForward {
			return t.To
		}
	}
	return ""
}

// SkipTarget returns where skipping the current step leads, or "" when it cannot be skipped.
func (m *Machine) SkipTarget() models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.edges[m.ctx.CurrentState] {
		if t.Kind == models.TransitionSkip && t.allowed(&m.ctx) {
			return t.To
		}
	}
	if SkippableSteps[m.ctx.CurrentState] {
		return m.ctx.CurrentState.Next()
	}
	return ""
}

// Reset discards the context and starts a new session at welcome.
func (m *Machine) Reset() {
	m.mu.Lock()
	old := m.ctx.SessionID
	m.ctx = models.NewOnboardingContext(m.now())
	snapshot := m.commitLocked()
	m.mu.Unlock()
	slog.Info("Machine.Reset: context reset", "oldSessionID", old, "sessionID", snapshot.SessionID)
	m.notify(snapshot)
}

// Fail enters the error state through the gated error edge. When already in error
// it bumps RetryCount and replaces the message.
func (m *Machine) Fail(code, message string, recoverable bool) TransitionResult {
	m.mu.Lock()
	from := m.ctx.CurrentState
	work := m.ctx.Clone()

	if from == models.StateError && work.ErrorState != nil {
		work.ErrorState.Code = code
		work.ErrorState.Message = message
		work.ErrorState.Recoverable = recoverable
		work.ErrorState.RetryCount++
		work.ErrorState.Timestamp = m.now()
		work.LastActivity = m.now()
		m.ctx = work
		snapshot := m.commitLocked()
		m.mu.Unlock()
		m.notify(snapshot)
		return TransitionResult{Valid: true, From: from, To: models.StateError, Kind: models.TransitionError}
	}

	work.ErrorState = &models.ErrorState{
		Code:          code,
		Message:       message,
		Recoverable:   recoverable,
		PreviousState: from,
		Timestamp:     m.now(),
	}
	t, errs := m.resolve(&work, models.StateError)
	if t == nil {
		m.mu.Unlock()
		slog.Warn("Machine.Fail: no error edge", "from", from, "code", code)
		return TransitionResult{Valid: false, Errors: errs, From: from, To: models.StateError}
	}
	m.apply(&work, models.StateError)
	m.ctx = work
	snapshot := m.commitLocked()
	m.mu.Unlock()

	slog.Warn("Machine.Fail: entered error state", "from", from, "code", code, "recoverable", recoverable)
	m.notify(snapshot)
	return TransitionResult{Valid: true, From: from, To: models.StateError, Kind: models.TransitionError}
}

// Recover leaves the error state for the step it interrupted, if recoverable.
func (m *Machine) Recover(ctx context.Context) TransitionResult {
	m.mu.Lock()
	c := m.ctx
	m.mu.Unlock()
	if c.CurrentState != models.StateError || c.ErrorState == nil {
		return TransitionResult{Valid: false, Errors: []string{"not in error state"}, From: c.CurrentState}
	}
	if !c.ErrorState.Recoverable {
		return TransitionResult{Valid: false, Errors: []string{ErrNotRecoverable.Error()}, From: c.CurrentState, To: c.ErrorState.PreviousState}
	}
	return m.TransitionTo(ctx, c.ErrorState.PreviousState)
}

// ForceState jumps to target without consulting the transition table.
// Only forced deep links use it.
func (m *Machine) ForceState(target models.State) error {
	if !target.Valid() || target == models.StateError {
		return fmt.Errorf("%w: cannot force %q", ErrInvalidTransition, target)
	}
	m.mu.Lock()
	work := m.ctx.Clone()
	from := work.CurrentState
	m.apply(&work, target)
	m.ctx = work
	snapshot := m.commitLocked()
	m.mu.Unlock()
	slog.Warn("Machine.ForceState: forced state change", "from", from, "to", target)
	m.notify(snapshot)
	return nil
}

// Subscribe registers l and returns a function that removes it.
func (m *Machine) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Machine) notify(c models.OnboardingContext) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, m.listeners[id])
	}
	m.mu.Unlock()
	for _, l := range ls {
		l(c.Clone())
	}
}
