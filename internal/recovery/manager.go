package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/interruption"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/offline"
	"github.com/BTreeMap/PrayerPipe/internal/preservation"
	"github.com/BTreeMap/PrayerPipe/internal/repository"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

// MaxPointAttempts is how often a single recovery point may be tried.
const MaxPointAttempts = 3

// Strategy names, in cascade order.
const (
	StrategyAuth         = "auth"
	StrategyInterruption = "interruption"
	StrategyPoints       = "recovery_points"
	StrategyLocal        = "local_store"
	StrategyRemote       = "remote"
	StrategyDestructive  = "destructive_reset"
)

// Resumer re-navigates to a recovered state.
type Resumer interface {
	Resume(ctx context.Context, state models.State) error
}

// Deps are the collaborators the default strategies read from. Nil collaborators
// make their strategy a no-op.
type Deps struct {
	Machine      *flow.Machine
	Store        store.Store
	Auth         backend.Auth
	Interruption *interruption.Handler
	Preservation *preservation.Service
	Repository   *repository.Repository
	Router       Resumer
}

// Opts configures a Manager.
type Opts struct {
	Strategies []Strategy
}

// Option configures a Manager.
type Option func(*Opts)

// WithStrategies replaces the default cascade.
func WithStrategies(s ...Strategy) Option {
	return func(o *Opts) { o.Strategies = s }
}

// Manager runs the recovery cascade. Only one attempt runs at a time.
type Manager struct {
	deps       Deps
	strategies []Strategy

	mu         sync.Mutex
	recovering bool
	deferred   []func(ctx context.Context)
}

// NewManager creates a Manager with the default cascade unless WithStrategies is given.
func NewManager(deps Deps, opts ...Option) *Manager {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	m := &Manager{deps: deps}
	if cfg.Strategies != nil {
		m.strategies = cfg.Strategies
	} else {
		m.strategies = m.defaultStrategies()
	}
	return m
}

// Strategies returns the cascade strategy names in order.
func (m *Manager) Strategies() []string {
	names := make([]string, len(m.strategies))
	for i, s := range m.strategies {
		names[i] = s.Name()
	}
	return names
}

// IsRecovering reports whether an attempt is running.
func (m *Manager) IsRecovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering
}

// Enqueue runs op once the current attempt finishes, or right away when idle.
// It reports whether op was deferred.
func (m *Manager) Enqueue(ctx context.Context, op func(ctx context.Context)) bool {
	m.mu.Lock()
	if m.recovering {
		m.deferred = append(m.deferred, op)
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()
	op(ctx)
	return false
}

// AttemptRecovery runs the cascade. A concurrent call returns ErrRecoveryInProgress.
func (m *Manager) AttemptRecovery(ctx context.Context, opts Options) Result {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return Result{Err: ErrRecoveryInProgress}
	}
	m.recovering = true
	m.mu.Unlock()

	slog.Info("Manager.AttemptRecovery: starting", "preserveProgress", opts.PreserveProgress, "allowDestructive", opts.AllowDestructive)
	res := RunCascade(ctx, m.strategies, opts)

	m.mu.Lock()
	m.recovering = false
	deferred := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	for _, op := range deferred {
		op(ctx)
	}
	return res
}

func (m *Manager) defaultStrategies() []Strategy {
	return []Strategy{
		NewStrategy(StrategyAuth, m.recoverAuth),
		NewStrategy(StrategyInterruption, m.recoverInterruption),
		NewStrategy(StrategyPoints, m.recoverPoints),
		NewStrategy(StrategyLocal, m.recoverLocal),
		NewStrategy(StrategyRemote, m.recoverRemote),
		NewStrategy(StrategyDestructive, m.destructiveReset),
	}
}

// restore installs c in the machine and resumes navigation at its current state.
func (m *Manager) restore(ctx context.Context, c models.OnboardingContext) (*Result, error) {
	m.deps.Machine.Restore(c)
	if m.deps.Router != nil {
		if err := m.deps.Router.Resume(ctx, c.CurrentState); err != nil {
			return nil, fmt.Errorf("failed to resume at %s: %w", c.CurrentState, err)
		}
	}
	return &Result{Success: true, State: c.CurrentState}, nil
}

// recoverAuth makes sure a backend session exists: refresh, else anonymous sign-in.
// It never ends the cascade on success. A session that cannot be restored, for
// any reason, aborts the cascade so later strategies never run without one.
func (m *Manager) recoverAuth(ctx context.Context, opts Options) (*Result, error) {
	auth := m.deps.Auth
	if auth == nil {
		return nil, nil
	}
	user, err := auth.GetUser(ctx)
	if err == nil {
		m.setUser(user.ID)
		return nil, nil
	}
	if offline.IsNetworkError(err) {
		slog.Warn("Manager.recoverAuth: backend unreachable", "error", err)
		return nil, Fatal(fmt.Errorf("authentication could not be checked: %w", err))
	}
	session, err := auth.RefreshSession(ctx)
	if err == nil {
		m.setUser(session.User.ID)
		return nil, nil
	}
	slog.Info("Manager.recoverAuth: refresh failed, signing in anonymously", "error", err)
	session, err = auth.SignInAnonymously(ctx)
	if err != nil {
		return nil, Fatal(fmt.Errorf("authentication could not be restored: %w", err))
	}
	m.setUser(session.User.ID)
	return nil, nil
}

func (m *Manager) setUser(id string) {
	if m.deps.Repository != nil && id != "" {
		m.deps.Repository.SetUserID(id)
	}
}

// baseContext is the best committed context available locally.
func (m *Manager) baseContext(ctx context.Context) models.OnboardingContext {
	if m.deps.Repository != nil {
		if c, err := m.deps.Repository.LoadLocalOnboardingState(ctx); err == nil && c != nil {
			return *c
		}
	}
	return m.deps.Machine.Context()
}

// recoverInterruption moves to the interrupted screen and merges its form data.
// The screen must be the current or an already completed step.
func (m *Manager) recoverInterruption(ctx context.Context, opts Options) (*Result, error) {
	if m.deps.Interruption == nil {
		return nil, nil
	}
	st, err := m.deps.Interruption.GetInterruptionState(ctx)
	if err != nil || st == nil {
		return nil, err
	}
	screen, ok := models.ParseState(st.Screen)
	if !ok || screen == models.StateError {
		return nil, fmt.Errorf("interrupted screen %q is not an onboarding step", st.Screen)
	}
	c := m.baseContext(ctx)
	if screen != c.CurrentState && !c.HasCompleted(screen) {
		return nil, fmt.Errorf("interrupted screen %s was never reached", screen)
	}
	if err := c.Answers.MergeAnswers(st.FormData); err != nil {
		slog.Warn("Manager.recoverInterruption: form data not merged", "screen", screen, "error", err)
	}
	moveTo(&c, screen)
	return m.restore(ctx, c)
}

// recoverPoints tries the newest recovery points first. Every try is counted
// against the point before it is used.
func (m *Manager) recoverPoints(ctx context.Context, opts Options) (*Result, error) {
	if m.deps.Preservation == nil {
		return nil, nil
	}
	points, err := m.deps.Preservation.RecoveryPoints(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		if p.Attempt >= MaxPointAttempts {
			continue
		}
		p.Attempt++
		if err := m.deps.Preservation.UpdateRecoveryPoint(ctx, p); err != nil {
			return nil, err
		}
		if !p.State.Valid() || p.State == models.StateError || p.Context.SessionID == "" {
			slog.Warn("Manager.recoverPoints: unusable point", "id", p.ID, "timestamp", p.Timestamp, "state", p.State)
			continue
		}
		c := p.Context
		moveTo(&c, p.State)
		return m.restore(ctx, c)
	}
	return nil, nil
}

// recoverLocal restores the repository's local copy of the context.
func (m *Manager) recoverLocal(ctx context.Context, opts Options) (*Result, error) {
	if m.deps.Repository == nil {
		return nil, nil
	}
	c, err := m.deps.Repository.LoadLocalOnboardingState(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	target := c.CurrentState
	if target == models.StateError && c.ErrorState != nil {
		target = c.ErrorState.PreviousState
	}
	if !opts.PreserveProgress {
		if last := c.LastCompleted(); last != "" {
			target = last
		}
	}
	if !target.Valid() || target == models.StateError {
		return nil, fmt.Errorf("local state has no usable step")
	}
	moveTo(c, target)
	return m.restore(ctx, *c)
}

// recoverRemote restores the backend session row, or infers a position from the
// user's other rows.
func (m *Manager) recoverRemote(ctx context.Context, opts Options) (*Result, error) {
	if m.deps.Repository == nil {
		return nil, nil
	}
	snap, err := m.deps.Repository.LoadRemoteSnapshot(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	if snap.Session != nil && snap.Session.CurrentState != models.StateError {
		return m.restore(ctx, *snap.Session)
	}

	c := m.deps.Machine.Context()
	firstName, _ := snap.Profile["first_name"].(string)
	switch {
	case len(snap.PrayerPeople) > 0:
		c.PrayerPeople = snap.PrayerPeople
		if firstName != "" {
			c.FirstName = firstName
		}
		advance(&c, models.StatePrayerNeeds)
	case firstName != "":
		c.FirstName = firstName
		advance(&c, models.StateFaithTradition)
	default:
		return nil, nil
	}
	return m.restore(ctx, c)
}

// moveTo puts c at target with target's declared predecessor as the previous
// state, and clears any error.
func moveTo(c *models.OnboardingContext, target models.State) {
	if target != c.CurrentState {
		c.PreviousState = target.Prev()
		c.CurrentState = target
	}
	c.ErrorState = nil
}

// advance marks every step before target completed and moves to target.
func advance(c *models.OnboardingContext, target models.State) {
	for _, s := range models.OnboardingStates() {
		if s.Index() > target.Index() {
			break
		}
		c.MarkCompleted(s)
	}
	moveTo(c, target)
}

// destructiveReset wipes local recovery artifacts and restarts. Pending offline
// operations are kept so user data still reaches the backend.
func (m *Manager) destructiveReset(ctx context.Context, opts Options) (*Result, error) {
	if !opts.AllowDestructive {
		return nil, nil
	}
	if m.deps.Store != nil {
		for _, ns := range store.Namespaces() {
			if ns == store.NamespaceOffline {
				continue
			}
			if _, err := store.DeletePrefix(ctx, m.deps.Store, ns); err != nil {
				return nil, fmt.Errorf("failed to clear %s: %w", ns, err)
			}
		}
	}
	if m.deps.Repository != nil {
		m.deps.Repository.InvalidateCache()
	}
	m.deps.Machine.Reset()
	if m.deps.Router != nil {
		if err := m.deps.Router.Resume(ctx, models.StateWelcome); err != nil {
			return nil, err
		}
	}
	slog.Warn("Manager.destructiveReset: local state wiped")
	return &Result{Success: true, State: models.StateWelcome, DataLoss: true}, nil
}
