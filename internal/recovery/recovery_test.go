package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/interruption"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/offline"
	"github.com/BTreeMap/PrayerPipe/internal/preservation"
	"github.com/BTreeMap/PrayerPipe/internal/repository"
	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

var start = time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)

type recordingResumer struct{ resumed []models.State }

func (r *recordingResumer) Resume(ctx context.Context, s models.State) error {
	r.resumed = append(r.resumed, s)
	return nil
}

type fixture struct {
	clock    *scheduler.ManualClock
	store    *store.InMemoryStore
	backend  *backend.Memory
	network  *lifecycle.NetworkMonitor
	offline  *offline.Manager
	repo     *repository.Repository
	machine  *flow.Machine
	handler  *interruption.Handler
	preserve *preservation.Service
	router   *recordingResumer
}

func newFixture(userID string) *fixture {
	f := &fixture{
		clock:   scheduler.NewManualClock(start),
		store:   store.NewInMemoryStore(),
		backend: backend.NewMemory(),
		network: lifecycle.NewNetworkMonitor(),
		router:  &recordingResumer{},
	}
	f.offline = offline.NewManager(f.backend, f.network, offline.NewQueue(f.store, f.clock.Now), offline.WithNow(f.clock.Now))
	f.repo = repository.New(f.store, f.backend, f.offline, f.network, repository.WithClock(f.clock), repository.WithUserID(userID))
	f.machine = flow.NewMachine(flow.WithNow(f.clock.Now))
	f.handler = interruption.New(f.store, interruption.WithNow(f.clock.Now))
	f.preserve = preservation.New(f.store, f.machine, preservation.WithClock(f.clock))
	return f
}

func (f *fixture) manager(auth backend.Auth) *Manager {
	return NewManager(Deps{
		Machine:      f.machine,
		Store:        f.store,
		Auth:         auth,
		Interruption: f.handler,
		Preservation: f.preserve,
		Repository:   f.repo,
		Router:       f.router,
	})
}

// declared reports whether the default table has an edge from -> to.
func declared(from, to models.State) bool {
	for _, tr := range flow.DefaultTransitions(flow.TransitionDeps{}) {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

func contextAt(state models.State, completed ...models.State) models.OnboardingContext {
	c := models.NewOnboardingContext(start)
	c.CurrentState = state
	c.CompletedSteps = completed
	c.FirstName = "Ruth"
	return c
}

func TestRunCascadeOrderAndIsolation(t *testing.T) {
	var ran []string
	step := func(name string, res *Result, err error) Strategy {
		return NewStrategy(name, func(ctx context.Context, opts Options) (*Result, error) {
			ran = append(ran, name)
			return res, err
		})
	}
	panicky := NewStrategy("panics", func(ctx context.Context, opts Options) (*Result, error) {
		ran = append(ran, "panics")
		panic("boom")
	})
	res := RunCascade(context.Background(), []Strategy{
		step("fails", nil, errors.New("broken")),
		panicky,
		step("empty", nil, nil),
		step("wins", &Result{Success: true, State: models.StateMood}, nil),
		step("never", &Result{Success: true}, nil),
	}, Options{})
	if !res.Success || res.Strategy != "wins" || res.State != models.StateMood {
		t.Errorf("result = %+v", res)
	}
	want := []string{"fails", "panics", "empty", "wins"}
	if len(ran) != len(want) {
		t.Fatalf("ran = %v", ran)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Errorf("ran[%d] = %s, want %s", i, ran[i], want[i])
		}
	}
}

func TestRunCascadeStopsOnFatal(t *testing.T) {
	called := false
	res := RunCascade(context.Background(), []Strategy{
		NewStrategy("gate", func(ctx context.Context, opts Options) (*Result, error) {
			return nil, Fatal(errors.New("no session"))
		}),
		NewStrategy("after", func(ctx context.Context, opts Options) (*Result, error) {
			called = true
			return &Result{Success: true}, nil
		}),
	}, Options{})
	if res.Success || !IsFatal(res.Err) || res.Strategy != "gate" || called {
		t.Errorf("result = %+v, after called = %v", res, called)
	}
	if res := RunCascade(context.Background(), nil, Options{}); !errors.Is(res.Err, ErrNothingRecovered) {
		t.Errorf("empty cascade = %+v", res)
	}
}

func TestDefaultCascadeOrder(t *testing.T) {
	got := newFixture("").manager(nil).Strategies()
	want := []string{StrategyAuth, StrategyInterruption, StrategyPoints, StrategyLocal, StrategyRemote, StrategyDestructive}
	if len(got) != len(want) {
		t.Fatalf("strategies = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("strategy %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAuthFallsBackToAnonymousSignIn(t *testing.T) {
	f := newFixture("")
	res := f.manager(f.backend).AttemptRecovery(context.Background(), Options{AllowDestructive: true})
	if !res.Success || res.Strategy != StrategyDestructive {
		t.Fatalf("result = %+v", res)
	}
	if f.backend.Calls("anonymous") != 1 || f.repo.UserID() == "" {
		t.Errorf("anonymous sign-in calls = %d, user = %q", f.backend.Calls("anonymous"), f.repo.UserID())
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	f := newFixture("")
	f.backend.FailOperation("anonymous", errors.New("anonymous sign-ins are disabled"))
	res := f.manager(f.backend).AttemptRecovery(context.Background(), Options{AllowDestructive: true})
	if res.Success || !IsFatal(res.Err) || res.Strategy != StrategyAuth {
		t.Errorf("result = %+v", res)
	}
	if f.machine.Current() != models.StateWelcome {
		t.Error("cascade continued past a fatal auth failure")
	}
}

func TestOfflineAuthAbortsBeforeReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture("u1")
	stored := contextAt(models.StateMood, models.StateWelcome, models.StateSignIn, models.StateFirstName, models.StateFaithTradition, models.StateMood)
	f.repo.SaveOnboardingState(ctx, stored)
	f.backend.SignInAnonymously(ctx)
	f.backend.SetOffline(true)

	res := f.manager(f.backend).AttemptRecovery(ctx, Options{AllowDestructive: true})
	if res.Success || res.DataLoss || !IsFatal(res.Err) || res.Strategy != StrategyAuth {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err, backend.ErrOffline) {
		t.Errorf("err = %v", res.Err)
	}
	if local, _ := f.repo.LoadLocalOnboardingState(ctx); local == nil || local.SessionID != stored.SessionID {
		t.Errorf("local state after aborted attempt = %+v", local)
	}
}

func TestRecoverFromInterruption(t *testing.T) {
	f := newFixture("u1")
	ctx := context.Background()
	f.repo.SaveOnboardingState(ctx, contextAt(models.StateMood, models.StateWelcome, models.StateSignIn, models.StateFirstName, models.StateFaithTradition, models.StateMood))
	f.handler.SaveInterruptionState(ctx, string(models.StateFirstName), map[string]any{"first_name": "Ruthie"}, nil)

	res := f.manager(nil).AttemptRecovery(ctx, Options{})
	if !res.Success || res.Strategy != StrategyInterruption || res.State != models.StateFirstName {
		t.Fatalf("result = %+v", res)
	}
	c := f.machine.Context()
	if c.FirstName != "Ruthie" || c.CurrentState != models.StateFirstName {
		t.Errorf("context = %s %q", c.CurrentState, c.FirstName)
	}
	if !declared(c.PreviousState, c.CurrentState) {
		t.Errorf("no declared edge %s -> %s", c.PreviousState, c.CurrentState)
	}
	if len(f.router.resumed) != 1 || f.router.resumed[0] != models.StateFirstName {
		t.Errorf("resumed = %v", f.router.resumed)
	}
}

func TestUnreachedInterruptedScreenIsSkipped(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	f.handler.SaveInterruptionState(ctx, string(models.StatePaywall), nil, nil)
	res := f.manager(nil).AttemptRecovery(ctx, Options{})
	if res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestRecoveryPointAttemptsAreBounded(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	f.machine.Restore(contextAt(models.StateMood, models.StateWelcome, models.StateMood))
	if err := f.preserve.AddRecoveryPoint(ctx, nil, nil); err != nil {
		t.Fatalf("AddRecoveryPoint: %v", err)
	}
	mgr := f.manager(nil)

	for i := 1; i <= MaxPointAttempts; i++ {
		f.machine.Reset()
		res := mgr.AttemptRecovery(ctx, Options{})
		if !res.Success || res.Strategy != StrategyPoints || res.State != models.StateMood {
			t.Fatalf("attempt %d = %+v", i, res)
		}
		points, _ := f.preserve.RecoveryPoints(ctx)
		if points[0].Attempt != i {
			t.Errorf("attempt counter = %d, want %d", points[0].Attempt, i)
		}
	}
	f.machine.Reset()
	if res := mgr.AttemptRecovery(ctx, Options{}); res.Success || !errors.Is(res.Err, ErrNothingRecovered) {
		t.Errorf("exhausted point result = %+v", res)
	}
}

func TestRecoverFromLocalStore(t *testing.T) {
	ctx := context.Background()
	stored := contextAt(models.StatePrayerNeeds, models.StateWelcome, models.StateSignIn, models.StateFirstName, models.StateMood)

	cases := []struct {
		preserve bool
		want     models.State
	}{
		{true, models.StatePrayerNeeds},
		{false, models.StateMood},
	}
	for _, tc := range cases {
		f := newFixture("")
		f.repo.SaveOnboardingState(ctx, stored)
		res := f.manager(nil).AttemptRecovery(ctx, Options{PreserveProgress: tc.preserve})
		if !res.Success || res.Strategy != StrategyLocal || res.State != tc.want {
			t.Errorf("preserve=%v: result = %+v", tc.preserve, res)
		}
		c := f.machine.Context()
		if c.SessionID != stored.SessionID {
			t.Error("local context not restored")
		}
		if c.CurrentState != stored.CurrentState && !declared(c.PreviousState, c.CurrentState) {
			t.Errorf("preserve=%v: no declared edge %s -> %s", tc.preserve, c.PreviousState, c.CurrentState)
		}
	}

	f := newFixture("")
	failed := stored
	failed.CurrentState = models.StateError
	failed.ErrorState = &models.ErrorState{Code: "X", PreviousState: models.StatePrayerNeeds, Recoverable: true}
	f.repo.SaveOnboardingState(ctx, failed)
	res := f.manager(nil).AttemptRecovery(ctx, Options{PreserveProgress: true})
	if res.State != models.StatePrayerNeeds || f.machine.Context().ErrorState != nil {
		t.Errorf("error context result = %+v", res)
	}
}

func TestRecoverFromRemoteRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture("u1")
	f.backend.Insert(ctx, backend.TableProfiles, backend.Record{"id": "u1", "user_id": "u1", "first_name": "Ruth"})
	f.backend.Insert(ctx, backend.TablePrayerPeople, backend.Record{"id": "p1", "user_id": "u1", "name": "Anna"})

	res := f.manager(nil).AttemptRecovery(ctx, Options{})
	if !res.Success || res.Strategy != StrategyRemote || res.State != models.StatePrayerNeeds {
		t.Fatalf("result = %+v", res)
	}
	c := f.machine.Context()
	if c.FirstName != "Ruth" || len(c.PrayerPeople) != 1 || !c.HasCompleted(models.StatePrayerPeopleIntentions) {
		t.Errorf("context = %+v", c)
	}

	g := newFixture("u2")
	g.backend.Insert(ctx, backend.TableProfiles, backend.Record{"id": "u2", "user_id": "u2", "first_name": "Ben"})
	if res := g.manager(nil).AttemptRecovery(ctx, Options{}); res.State != models.StateFaithTradition {
		t.Errorf("profile-only result = %+v", res)
	}
}

func TestDestructiveResetReportsDataLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture("")
	f.store.Set(ctx, store.NamespacePreservation+"state", "{not json")
	f.store.Set(ctx, store.NamespaceOffline+"queue", "[]")
	before := f.machine.Context().SessionID

	if res := f.manager(nil).AttemptRecovery(ctx, Options{}); res.Success {
		t.Fatalf("non-destructive attempt = %+v", res)
	}
	res := f.manager(nil).AttemptRecovery(ctx, Options{AllowDestructive: true})
	if !res.Success || !res.DataLoss || res.State != models.StateWelcome {
		t.Fatalf("result = %+v", res)
	}
	if _, ok, _ := f.store.Get(ctx, store.NamespacePreservation+"state"); ok {
		t.Error("preservation namespace not cleared")
	}
	if _, ok, _ := f.store.Get(ctx, store.NamespaceOffline+"queue"); !ok {
		t.Error("offline queue was cleared")
	}
	if f.machine.Context().SessionID == before {
		t.Error("machine was not reset")
	}
}

func TestReentrantAttemptIsRejectedAndWorkDeferred(t *testing.T) {
	ctx := context.Background()
	var mgr *Manager
	var inner Result
	var order []string
	mgr = NewManager(Deps{}, WithStrategies(NewStrategy("slow", func(ctx context.Context, opts Options) (*Result, error) {
		inner = mgr.AttemptRecovery(ctx, opts)
		if !mgr.Enqueue(ctx, func(ctx context.Context) { order = append(order, "deferred") }) {
			t.Error("Enqueue ran during an attempt")
		}
		order = append(order, "strategy")
		if !mgr.IsRecovering() {
			t.Error("IsRecovering false during attempt")
		}
		return &Result{Success: true}, nil
	})))

	res := mgr.AttemptRecovery(ctx, Options{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(inner.Err, ErrRecoveryInProgress) {
		t.Errorf("inner attempt = %+v", inner)
	}
	if len(order) != 2 || order[0] != "strategy" || order[1] != "deferred" {
		t.Errorf("order = %v", order)
	}
	if mgr.Enqueue(ctx, func(ctx context.Context) { order = append(order, "immediate") }) {
		t.Error("idle Enqueue reported deferred")
	}
	if len(order) != 3 {
		t.Errorf("idle Enqueue did not run: %v", order)
	}
}
