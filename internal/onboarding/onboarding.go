// Package onboarding wires the onboarding services into a single Flow with the
// operations screens call: navigate, save step data, pause, resume, restart and
// recover.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/flowdef"
	"github.com/BTreeMap/PrayerPipe/internal/genai"
	"github.com/BTreeMap/PrayerPipe/internal/interruption"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/navigation"
	"github.com/BTreeMap/PrayerPipe/internal/offline"
	"github.com/BTreeMap/PrayerPipe/internal/preservation"
	"github.com/BTreeMap/PrayerPipe/internal/recovery"
	"github.com/BTreeMap/PrayerPipe/internal/repository"
	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

// Error codes written into ErrorState by the facade.
const (
	CodeActionFailed   = "ACTION_FAILED"
	CodeNavigationLoop = "NAVIGATION_LOOP"
)

// Analytics event names.
const (
	EventStepCompleted  = "onboarding_step_completed"
	EventStepSkipped    = "onboarding_step_skipped"
	EventPaused         = "onboarding_paused"
	EventResumed        = "onboarding_resumed"
	EventRestarted      = "onboarding_restarted"
	EventCompleted      = "onboarding_completed"
	EventSessionExpired = "onboarding_session_expired"
	EventCrashRecovered = "onboarding_crash_recovered"
)

var (
	// ErrNoNextStep is returned when the current step has no forward edge.
	ErrNoNextStep = errors.New("no next step")
	// ErrNotSkippable is returned by SkipStep on a required step.
	ErrNotSkippable = errors.New("step cannot be skipped")
	// ErrNotAtSummary is returned by CompleteFlow before the summary step.
	ErrNotAtSummary = errors.New("onboarding can only be completed from the summary step")
	// ErrRecoveryQueued is returned when recovery was queued behind a running attempt.
	ErrRecoveryQueued = errors.New("recovery queued behind a running attempt")
)

const stepDataPrefix = "steps/"

// Deps are the collaborators of a Flow. Store and Backend are required.
type Deps struct {
	Store     store.Store
	Backend   backend.Client
	Clock     scheduler.Clock
	App       lifecycle.AppStates
	Network   lifecycle.Network
	Navigator navigation.Navigator
	Generator genai.PrayerGenerator
	UserID    string
}

// Opts configures a Flow.
type Opts struct {
	FlowName       string
	Fallback       *flowdef.Definition
	CrashDetection bool
}

// Option configures a Flow.
type Option func(*Opts)

// WithFlowName selects the server flow definition.
func WithFlowName(name string) Option {
	return func(o *Opts) { o.FlowName = name }
}

// WithFallbackDefinition replaces the embedded default flow.
func WithFallbackDefinition(def *flowdef.Definition) Option {
	return func(o *Opts) { o.Fallback = def }
}

// WithCrashDetection enables or disables crash recovery on foreground.
func WithCrashDetection(enabled bool) Option {
	return func(o *Opts) { o.CrashDetection = enabled }
}

// Snapshot is the screen-facing view of the flow.
type Snapshot struct {
	SessionID         string             `json:"session_id"`
	CurrentState      models.State       `json:"current_state"`
	CurrentStepConfig *flowdef.Step      `json:"current_step_config,omitempty"`
	IsLoading         bool               `json:"is_loading"`
	Paused            bool               `json:"paused"`
	Error             *models.ErrorState `json:"error,omitempty"`
	ValidationErrors  []string           `json:"validation_errors,omitempty"`
	Progress          float64            `json:"progress"`
	CanGoNext         bool               `json:"can_go_next"`
	CanGoBack         bool               `json:"can_go_back"`
	UsingFallbackFlow bool               `json:"using_fallback_flow"`
}

// Flow is one user's onboarding session.
type Flow struct {
	cfg          Opts
	clock        scheduler.Clock
	backend      backend.Client
	network      lifecycle.Network
	app          lifecycle.AppStates
	machine      *flow.Machine
	offline      *offline.Manager
	repo         *repository.Repository
	interruption *interruption.Handler
	preservation *preservation.Service
	recovery     *recovery.Manager
	startup      *recovery.Startup
	nav          *navigation.Controller
	deeplinks    *navigation.DeepLinkHandler
	loader       *flowdef.Loader

	mu               sync.Mutex
	def              *flowdef.Definition
	usingFallback    bool
	loading          bool
	paused           bool
	validationErrors []string
}

// New builds a Flow and all the services behind it.
func New(deps Deps, opts ...Option) (*Flow, error) {
	if deps.Store == nil || deps.Backend == nil {
		return nil, fmt.Errorf("onboarding: store and backend are required")
	}
	cfg := Opts{FlowName: flowdef.DefaultFlowName, CrashDetection: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if deps.Clock == nil {
		deps.Clock = scheduler.Default()
	}
	if deps.Network == nil {
		deps.Network = lifecycle.NewNetworkMonitor()
	}
	if deps.Generator == nil {
		deps.Generator = genai.Template{}
	}

	f := &Flow{cfg: cfg, clock: deps.Clock, backend: deps.Backend, network: deps.Network, app: deps.App}
	f.machine = flow.NewMachine(
		flow.WithNow(deps.Clock.Now),
		flow.WithTransitions(flow.DefaultTransitions(flow.TransitionDeps{Generator: deps.Generator, Now: deps.Clock.Now})),
	)
	f.offline = offline.NewManager(deps.Backend, deps.Network, offline.NewQueue(deps.Store, deps.Clock.Now), offline.WithNow(deps.Clock.Now))
	f.repo = repository.New(deps.Store, deps.Backend, f.offline, deps.Network,
		repository.WithClock(deps.Clock), repository.WithUserID(deps.UserID))
	f.interruption = interruption.New(deps.Store, interruption.WithNow(deps.Clock.Now))
	f.nav = navigation.NewController(f.machine, deps.Navigator, navigation.WithNow(deps.Clock.Now))
	f.preservation = preservation.New(deps.Store, f.machine,
		preservation.WithClock(deps.Clock),
		preservation.WithRouter(f.nav),
		preservation.WithSaver(f.repo),
		preservation.WithCrashDetection(cfg.CrashDetection),
	)
	f.recovery = recovery.NewManager(recovery.Deps{
		Machine:      f.machine,
		Store:        deps.Store,
		Auth:         deps.Backend,
		Interruption: f.interruption,
		Preservation: f.preservation,
		Repository:   f.repo,
		Router:       f.nav,
	})
	f.startup = recovery.NewStartup(deps.Store, deps.Clock)
	f.startup.RegisterRecoverable(recovery.OfflineQueueRecovery(f.offline))
	f.startup.RegisterRecoverable(recovery.InterruptionSweep(f.interruption))
	f.startup.RegisterRecoverable(recovery.CrashRecordSweep(f.preservation))
	f.deeplinks = navigation.NewDeepLinkHandler(f.nav, f)
	f.loader = flowdef.NewLoader(deps.Backend, cfg.Fallback)
	f.def = flowdef.Default()
	if cfg.Fallback != nil {
		f.def = cfg.Fallback
	}
	return f, nil
}

// Machine exposes the state machine.
func (f *Flow) Machine() *flow.Machine { return f.machine }

// Repository exposes the data repository.
func (f *Flow) Repository() *repository.Repository { return f.repo }

// Recovery exposes the recovery manager.
func (f *Flow) Recovery() *recovery.Manager { return f.recovery }

// Preservation exposes the state preservation service.
func (f *Flow) Preservation() *preservation.Service { return f.preservation }

// Interruption exposes the interruption handler.
func (f *Flow) Interruption() *interruption.Handler { return f.interruption }

// Navigation exposes the navigation controller.
func (f *Flow) Navigation() *navigation.Controller { return f.nav }

// App returns the app state source, or nil when none was given.
func (f *Flow) App() lifecycle.AppStates { return f.app }

// Network returns the connectivity source.
func (f *Flow) Network() lifecycle.Network { return f.network }

func (f *Flow) setLoading(v bool) {
	f.mu.Lock()
	f.loading = v
	f.mu.Unlock()
}

func (f *Flow) setValidationErrors(errs []string) {
	f.mu.Lock()
	f.validationErrors = errs
	f.mu.Unlock()
}

// Start loads the flow definition, recovers leftovers from a previous run and puts
// the user back where they left off.
func (f *Flow) Start(ctx context.Context) error {
	f.setLoading(true)
	defer f.setLoading(false)

	def, fallback := f.loader.Load(ctx, f.cfg.FlowName, f.repo.UserID())
	f.mu.Lock()
	f.def, f.usingFallback = def, fallback
	f.mu.Unlock()

	if err := f.startup.RecoverAll(ctx); err != nil {
		slog.Warn("Flow.Start: startup recovery incomplete", "error", err)
	}

	out, err := f.preservation.HandleForeground(ctx)
	if err != nil {
		slog.Error("Flow.Start: foreground handling failed", "error", err)
	}
	if out.CrashRecovered {
		f.TrackEvent(ctx, EventCrashRecovered, nil)
	}
	if !out.CrashRecovered && !out.Restored {
		if err := f.resumeStored(ctx, def); err != nil {
			if cerr := f.preservation.RecordCrash(ctx, err); cerr != nil {
				slog.Error("Flow.Start: crash record lost", "error", cerr)
			}
			return err
		}
	}

	f.repo.Start()
	if f.app != nil {
		f.interruption.Attach(f.app, func(r interruption.ForegroundResult) {
			if r.SessionExpired {
				f.TrackEvent(context.Background(), EventSessionExpired, map[string]any{"elapsed_seconds": int(r.Elapsed.Seconds())})
			}
		})
		f.preservation.Attach(f.app, nil)
	}
	slog.Info("Flow.Start: started", "sessionID", f.machine.Context().SessionID, "state", f.machine.Current(), "fallbackFlow", fallback)
	return nil
}

// resumeStored restores the repository copy, else continues at the server's last
// step, else shows welcome.
func (f *Flow) resumeStored(ctx context.Context, def *flowdef.Definition) error {
	loaded := f.repo.LoadOnboardingState(ctx)
	if loaded.Err != nil {
		slog.Warn("Flow.resumeStored: load failed", "error", loaded.Err)
	}
	if loaded.Context != nil {
		f.machine.Restore(*loaded.Context)
		return f.nav.Resume(ctx, loaded.Context.CurrentState)
	}
	if last, ok := models.ParseState(def.LastStep); ok && last != models.StateError && last != models.StateWelcome {
		c := f.machine.Context()
		for _, s := range models.OnboardingStates() {
			if s.Index() > last.Index() {
				break
			}
			c.MarkCompleted(s)
		}
		c.CurrentState = last
		c.PreviousState = last.Prev()
		f.machine.Restore(c)
		slog.Info("Flow.resumeStored: continuing at server step", "state", last)
		return f.nav.Resume(ctx, last)
	}
	return f.nav.Resume(ctx, f.machine.Current())
}

// Stop stops background work and marks a clean exit.
func (f *Flow) Stop(ctx context.Context) error {
	f.Abandon()
	if err := f.preservation.Preserve(ctx); err != nil {
		return err
	}
	return f.preservation.MarkCleanExit(ctx)
}

// Abandon stops background work without preserving state or marking a clean
// exit, leaving any crash record for the next Start.
func (f *Flow) Abandon() {
	f.repo.Stop()
	f.interruption.Detach()
	f.preservation.Detach()
}

// Snapshot returns the current view of the flow.
func (f *Flow) Snapshot() Snapshot {
	c := f.machine.Context()
	f.mu.Lock()
	def := f.def
	snap := Snapshot{
		SessionID:         c.SessionID,
		CurrentState:      c.CurrentState,
		IsLoading:         f.loading,
		Paused:            f.paused,
		ValidationErrors:  append([]string(nil), f.validationErrors...),
		UsingFallbackFlow: f.usingFallback,
	}
	f.mu.Unlock()
	if c.ErrorState != nil {
		e := *c.ErrorState
		snap.Error = &e
	}
	if step, ok := def.Step(string(c.CurrentState)); ok {
		snap.CurrentStepConfig = &step
	}
	snap.Progress = def.Progress(string(c.CurrentState))
	if next := f.machine.NextState(); next != "" {
		snap.CanGoNext = f.machine.CanTransitionTo(next)
	}
	snap.CanGoBack = f.machine.BackTarget() != ""
	return snap
}

// navigate runs a navigation and turns its failures into flow state: validation
// errors are kept for the screen, action failures and loops enter the error state.
func (f *Flow) navigate(ctx context.Context, target models.State, opts navigation.Options) (flow.TransitionResult, error) {
	from := f.machine.Current()
	res, err := f.nav.Navigate(ctx, target, opts)
	switch {
	case err == nil:
		f.setValidationErrors(nil)
		f.afterStep(ctx, from, res)
		return res, nil
	case res.ActionErr != nil:
		f.setValidationErrors(nil)
		f.fail(ctx, CodeActionFailed, res.ActionErr.Error(), true)
	case errors.Is(err, navigation.ErrNavigationLoop):
		f.fail(ctx, CodeNavigationLoop, err.Error(), false)
	default:
		f.setValidationErrors(res.Errors)
	}
	return res, err
}

func (f *Flow) fail(ctx context.Context, code, msg string, recoverable bool) {
	if res := f.machine.Fail(code, msg, recoverable); !res.Valid {
		slog.Error("Flow.fail: cannot enter error state", "code", code, "errors", res.Errors)
		return
	}
	if err := f.nav.Resume(ctx, models.StateError); err != nil {
		slog.Error("Flow.fail: cannot show error screen", "error", err)
	}
	f.persist(ctx)
}

// afterStep persists progress and records analytics after a successful move.
func (f *Flow) afterStep(ctx context.Context, from models.State, res flow.TransitionResult) {
	f.persist(ctx)
	if err := f.interruption.ClearScreenState(ctx, string(from)); err != nil {
		slog.Warn("Flow.afterStep: failed to clear screen state", "screen", from, "error", err)
	}
	if err := f.preservation.AddRecoveryPoint(ctx, nil, nil); err != nil {
		slog.Warn("Flow.afterStep: failed to add recovery point", "error", err)
	}
	if res.Kind != models.TransitionForward {
		return
	}
	f.recordProgress(ctx, res.To)
	f.mu.Lock()
	step, _ := f.def.Step(string(from))
	f.mu.Unlock()
	name := step.TrackingEventName
	if name == "" {
		name = EventStepCompleted
	}
	f.TrackEvent(ctx, name, map[string]any{"step": string(from), "next": string(res.To)})
}

// recordProgress reports the reached step to backends that keep continuation.
func (f *Flow) recordProgress(ctx context.Context, step models.State) {
	rec, ok := f.backend.(backend.ProgressRecorder)
	userID := f.repo.UserID()
	if !ok || userID == "" || !f.network.IsOnline() {
		return
	}
	if err := rec.RecordFlowProgress(ctx, userID, f.cfg.FlowName, string(step)); err != nil {
		slog.Warn("Flow.recordProgress: failed", "step", step, "error", err)
	}
}

func (f *Flow) persist(ctx context.Context) {
	if res := f.repo.SaveOnboardingState(ctx, f.machine.Context()); res.Err != nil {
		slog.Error("Flow.persist: save failed", "error", res.Err)
	}
}

// NavigateNext merges data into the answers and moves forward.
func (f *Flow) NavigateNext(ctx context.Context, data map[string]any) (flow.TransitionResult, error) {
	f.setLoading(true)
	defer f.setLoading(false)
	if len(data) > 0 {
		if err := f.SaveStepData(ctx, data); err != nil {
			return flow.TransitionResult{From: f.machine.Current()}, err
		}
	}
	next := f.machine.NextState()
	if next == "" {
		return flow.TransitionResult{From: f.machine.Current()}, ErrNoNextStep
	}
	return f.navigate(ctx, next, navigation.Options{})
}

// NavigatePrevious returns to the previous step.
func (f *Flow) NavigatePrevious(ctx context.Context) (flow.TransitionResult, error) {
	target := f.machine.BackTarget()
	if target == "" {
		from := f.machine.Current()
		return flow.TransitionResult{From: from}, fmt.Errorf("%w: cannot go back from %s", flow.ErrInvalidTransition, from)
	}
	return f.navigate(ctx, target, navigation.Options{})
}

// SkipStep leaves an optional step without its data.
func (f *Flow) SkipStep(ctx context.Context) (flow.TransitionResult, error) {
	from := f.machine.Current()
	target := f.machine.SkipTarget()
	if target == "" {
		return flow.TransitionResult{From: from}, fmt.Errorf("%w: %s", ErrNotSkippable, from)
	}
	res, err := f.navigate(ctx, target, navigation.Options{})
	if err == nil {
		f.TrackEvent(ctx, EventStepSkipped, map[string]any{"step": string(from), "next": string(target)})
	}
	return res, err
}

// SaveStepData commits data for the current step into the answers and keeps a
// per-step copy. Unknown answer fields are rejected.
func (f *Flow) SaveStepData(ctx context.Context, data map[string]any) error {
	var mergeErr error
	f.machine.UpdateContext(func(c *models.OnboardingContext) {
		mergeErr = c.Answers.MergeAnswers(data)
	})
	if mergeErr != nil {
		return mergeErr
	}
	step := f.machine.Current()
	if err := f.repo.SaveData(ctx, stepDataPrefix+string(step), data); err != nil {
		return fmt.Errorf("failed to save step data: %w", err)
	}
	f.persist(ctx)
	return nil
}

// GetStepData returns the data saved for step, or nil.
func (f *Flow) GetStepData(ctx context.Context, step models.State) (map[string]any, error) {
	var data map[string]any
	if _, err := f.repo.GetCachedData(ctx, stepDataPrefix+string(step), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// SaveDraft records uncommitted form data of the current screen.
func (f *Flow) SaveDraft(ctx context.Context, formData map[string]any, extra *interruption.Extra) error {
	return f.interruption.SaveInterruptionState(ctx, string(f.machine.Current()), formData, extra)
}

// Draft returns the uncommitted form data of step, or nil.
func (f *Flow) Draft(ctx context.Context, step models.State) (*models.InterruptionState, error) {
	return f.interruption.GetScreenState(ctx, string(step))
}

// PauseFlow preserves the session for a later ResumeFlow.
func (f *Flow) PauseFlow(ctx context.Context) error {
	if err := f.preservation.Preserve(ctx); err != nil {
		return err
	}
	f.persist(ctx)
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	f.TrackEvent(ctx, EventPaused, map[string]any{"step": string(f.machine.Current())})
	return nil
}

// ResumeFlow restores a fresh preserved snapshot, or runs the recovery cascade
// without destructive measures.
func (f *Flow) ResumeFlow(ctx context.Context) error {
	defer func() {
		f.mu.Lock()
		f.paused = false
		f.mu.Unlock()
	}()

	ps, err := f.preservation.LoadPreserved(ctx)
	if err != nil {
		return err
	}
	if ps != nil && f.clock.Now().Sub(ps.Timestamp) <= preservation.DefaultFreshness {
		f.machine.Restore(ps.Context)
		f.nav.RestoreHistory(ps.NavigationHistory)
		if err := f.nav.Resume(ctx, ps.Context.CurrentState); err != nil {
			return err
		}
		f.TrackEvent(ctx, EventResumed, map[string]any{"source": "preserved"})
		return nil
	}

	res := f.runRecovery(ctx, recovery.Options{PreserveProgress: true})
	if !res.Success {
		if errors.Is(res.Err, recovery.ErrNothingRecovered) {
			return f.nav.Resume(ctx, f.machine.Current())
		}
		return res.Err
	}
	f.TrackEvent(ctx, EventResumed, map[string]any{"source": res.Strategy})
	return nil
}

// RestartFlow discards progress and starts a new session at welcome.
func (f *Flow) RestartFlow(ctx context.Context) error {
	f.machine.Reset()
	f.nav.Reset()
	f.setValidationErrors(nil)
	if err := f.interruption.ClearInterruptionState(ctx); err != nil {
		return err
	}
	if err := f.preservation.ClearPreserved(ctx); err != nil {
		return err
	}
	if err := f.preservation.ClearRecoveryPoints(ctx); err != nil {
		return err
	}
	f.repo.InvalidateCache()
	f.persist(ctx)
	f.TrackEvent(ctx, EventRestarted, nil)
	return f.nav.Resume(ctx, models.StateWelcome)
}

// CompleteFlow finishes onboarding from the summary step.
func (f *Flow) CompleteFlow(ctx context.Context) error {
	switch f.machine.Current() {
	case models.StateComplete:
	case models.StateSummary:
		if _, err := f.navigate(ctx, models.StateComplete, navigation.Options{}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: at %s", ErrNotAtSummary, f.machine.Current())
	}
	c := f.machine.Context()
	if f.repo.UserID() != "" {
		if res := f.repo.UpdateUserProfile(ctx, map[string]any{
			"first_name":           c.FirstName,
			"onboarding_completed": true,
			"completed_at":         f.clock.Now().UTC().Format(time.RFC3339),
		}); res.Err != nil {
			slog.Warn("Flow.CompleteFlow: profile update failed", "error", res.Err)
		}
	}
	f.TrackEvent(ctx, EventCompleted, map[string]any{"steps": len(c.CompletedSteps)})
	if err := f.interruption.ClearInterruptionState(ctx); err != nil {
		return err
	}
	if err := f.preservation.ClearPreserved(ctx); err != nil {
		return err
	}
	return f.preservation.MarkCleanExit(ctx)
}

// TrackEvent records an analytics event. Offline events are queued.
func (f *Flow) TrackEvent(ctx context.Context, name string, props map[string]any) offline.OperationResult {
	c := f.machine.Context()
	op := models.OfflineOperation{
		Type:     models.OperationCreate,
		Table:    backend.TableAnalyticsEvents,
		RecordID: uuid.NewString(),
		Data: map[string]any{
			"user_id":    f.repo.UserID(),
			"session_id": c.SessionID,
			"event_name": name,
			"state":      string(c.CurrentState),
			"properties": props,
			"created_at": f.clock.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	res := f.offline.ExecuteOperation(ctx, func(ctx context.Context) (backend.Record, error) {
		return nil, f.offline.Apply(ctx, op)
	}, &op)
	if res.Err != nil {
		slog.Warn("Flow.TrackEvent: event dropped", "event", name, "error", res.Err)
	}
	return res
}

// ClearError drops validation errors and leaves a recoverable error state.
func (f *Flow) ClearError(ctx context.Context) error {
	f.setValidationErrors(nil)
	c := f.machine.Context()
	if c.ErrorState == nil || !c.ErrorState.Recoverable {
		return nil
	}
	return f.recoverError(ctx)
}

func (f *Flow) recoverError(ctx context.Context) error {
	res := f.machine.Recover(ctx)
	if !res.Valid {
		return res.Err()
	}
	f.persist(ctx)
	return f.nav.Resume(ctx, res.To)
}

// Retry leaves a recoverable error, runs the recovery cascade for an
// unrecoverable one, and otherwise retries the forward step.
func (f *Flow) Retry(ctx context.Context) error {
	c := f.machine.Context()
	if c.CurrentState == models.StateError && c.ErrorState != nil {
		if c.ErrorState.Recoverable {
			return f.recoverError(ctx)
		}
		f.nav.Reset()
		res := f.runRecovery(ctx, recovery.Options{PreserveProgress: true})
		if !res.Success {
			return res.Err
		}
		return nil
	}
	_, err := f.NavigateNext(ctx, nil)
	return err
}

// runRecovery runs the recovery cascade. When another attempt is running, the
// cascade is queued to run after it and the result carries ErrRecoveryQueued.
func (f *Flow) runRecovery(ctx context.Context, opts recovery.Options) recovery.Result {
	res := f.recovery.AttemptRecovery(ctx, opts)
	if !errors.Is(res.Err, recovery.ErrRecoveryInProgress) {
		return res
	}
	var late recovery.Result
	queued := f.recovery.Enqueue(ctx, func(ctx context.Context) {
		late = f.recovery.AttemptRecovery(ctx, opts)
		if !late.Success {
			slog.Warn("Flow.runRecovery: queued recovery failed", "error", late.Err)
		}
	})
	if queued {
		slog.Info("Flow.runRecovery: queued behind running attempt")
		return recovery.Result{Err: ErrRecoveryQueued}
	}
	return late
}

// HandleDeepLink performs an onboarding deep link.
func (f *Flow) HandleDeepLink(ctx context.Context, rawURL string) (navigation.Link, error) {
	return f.deeplinks.Handle(ctx, rawURL)
}

// NavigateLink performs a navigation deep link with the persistence and
// analytics of screen navigation.
func (f *Flow) NavigateLink(ctx context.Context, target models.State, opts navigation.Options) (flow.TransitionResult, error) {
	return f.navigate(ctx, target, opts)
}

// SyncNow drains the offline queue.
func (f *Flow) SyncNow(ctx context.Context) (offline.SyncReport, error) {
	return f.repo.SyncPending(ctx)
}

var (
	_ navigation.Resumer       = (*Flow)(nil)
	_ navigation.LinkNavigator = (*Flow)(nil)
)
