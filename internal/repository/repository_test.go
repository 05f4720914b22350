package repository

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/offline"
	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *scheduler.ManualClock
	store   *store.InMemoryStore
	backend *backend.Memory
	network *lifecycle.NetworkMonitor
	repo    *Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   scheduler.NewManualClock(start),
		store:   store.NewInMemoryStore(),
		backend: backend.NewMemory(),
		network: lifecycle.NewNetworkMonitor(),
	}
	mgr := offline.NewManager(f.backend, f.network, offline.NewQueue(f.store, f.clock.Now), offline.WithNow(f.clock.Now))
	f.repo = New(f.store, f.backend, mgr, f.network, WithClock(f.clock), WithUserID("u1"))
	return f
}

func sampleContext() models.OnboardingContext {
	c := models.NewOnboardingContext(start)
	c.CurrentState = models.StateMood
	c.PreviousState = models.StateFaithTradition
	c.CompletedSteps = []models.State{models.StateWelcome, models.StateSignIn, models.StateFirstName, models.StateFaithTradition, models.StateMood}
	c.FirstName = "Ruth"
	c.FaithTradition = "catholic"
	c.Mood = &models.Mood{ID: "happy", Emoji: ":)", Label: "Happy"}
	c.UserID = "u1"
	return c
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := sampleContext()

	res := f.repo.SaveOnboardingState(ctx, c)
	if !res.Success || res.Queued || res.Err != nil {
		t.Fatalf("save = %+v", res)
	}
	if f.backend.Count(backend.TableOnboardingSessions) != 1 {
		t.Error("session row not written remotely")
	}

	for _, source := range []string{SourceCache, SourceLocal} {
		if source == SourceLocal {
			f.repo.InvalidateCache()
		}
		got := f.repo.LoadOnboardingState(ctx)
		if got.Err != nil || got.Context == nil || got.Source != source {
			t.Fatalf("load from %s = %+v", source, got)
		}
		if !reflect.DeepEqual(*got.Context, c) {
			t.Errorf("%s round trip mismatch:\n got %+v\nwant %+v", source, *got.Context, c)
		}
	}
}

func TestSaveTwiceUpsertsSessionRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := sampleContext()
	f.repo.SaveOnboardingState(ctx, c)
	c.CurrentState = models.StateMoodContext
	if res := f.repo.SaveOnboardingState(ctx, c); !res.Success || res.Err != nil {
		t.Fatalf("second save = %+v", res)
	}
	rows, _ := f.backend.SelectByUser(ctx, backend.TableOnboardingSessions, "u1")
	if len(rows) != 1 || rows[0]["current_state"] != "mood_context" {
		t.Errorf("rows = %v", rows)
	}
}

func TestSaveRejectsMissingSession(t *testing.T) {
	f := newFixture(t)
	c := sampleContext()
	c.SessionID = ""
	if res := f.repo.SaveOnboardingState(context.Background(), c); !errors.Is(res.Err, models.ErrEmptySessionID) {
		t.Errorf("save = %+v", res)
	}
}

func TestLocalWriteFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.store.SetFailWrites(true)
	res := f.repo.SaveOnboardingState(context.Background(), sampleContext())
	if res.Success || !errors.Is(res.Err, store.ErrStorage) {
		t.Errorf("save = %+v", res)
	}
	if f.backend.Calls("insert") != 0 {
		t.Error("remote write attempted after local failure")
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.SaveOnboardingState(ctx, sampleContext())

	f.clock.Advance(DefaultCacheTTL - time.Second)
	if got := f.repo.LoadOnboardingState(ctx); got.Source != SourceCache {
		t.Errorf("before TTL source = %s", got.Source)
	}
	f.clock.Advance(2 * time.Second)
	if got := f.repo.LoadOnboardingState(ctx); got.Source != SourceLocal {
		t.Errorf("after TTL source = %s", got.Source)
	}
}

func TestLoadFallsBackToRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := sampleContext()
	f.repo.SaveOnboardingState(ctx, c)

	// A fresh device: empty local store, same backend user.
	other := store.NewInMemoryStore()
	mgr := offline.NewManager(f.backend, f.network, offline.NewQueue(other, f.clock.Now))
	fresh := New(other, f.backend, mgr, f.network, WithClock(f.clock), WithUserID("u1"))

	got := fresh.LoadOnboardingState(ctx)
	if got.Err != nil || got.Source != SourceRemote || got.Context == nil {
		t.Fatalf("load = %+v", got)
	}
	if got.Context.CurrentState != models.StateMood || got.Context.Mood.ID != "happy" {
		t.Errorf("remote context = %+v", got.Context)
	}
	if again := fresh.LoadOnboardingState(ctx); again.Source != SourceCache {
		t.Errorf("second load source = %s", again.Source)
	}

	f.network.SetOnline(false)
	empty := New(store.NewInMemoryStore(), f.backend, mgr, f.network, WithClock(f.clock), WithUserID("u1"))
	if got := empty.LoadOnboardingState(ctx); got.Context != nil || got.Err != nil {
		t.Errorf("offline load with nothing local = %+v", got)
	}
}

func TestOfflineWritesDrainOnReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Start()
	defer f.repo.Stop()

	f.network.SetOnline(false)
	for _, name := range []string{"Anna", "Ben", "Cal"} {
		res := f.repo.SavePrayerPerson(ctx, models.PrayerPerson{Name: name})
		if !res.Success || !res.Queued || res.ID == "" {
			t.Fatalf("save %s = %+v", name, res)
		}
	}
	people, _ := f.repo.PrayerPeople(ctx)
	if len(people) != 3 {
		t.Errorf("local people = %d", len(people))
	}
	if pending, _ := f.repo.PendingOperations(ctx); len(pending) != 3 {
		t.Fatalf("pending = %d", len(pending))
	}

	f.network.SetOnline(true)
	if f.backend.Count(backend.TablePrayerPeople) != 3 {
		t.Errorf("remote rows = %d", f.backend.Count(backend.TablePrayerPeople))
	}
	if pending, _ := f.repo.PendingOperations(ctx); len(pending) != 0 {
		t.Errorf("pending after reconnect = %d", len(pending))
	}
}

func TestPeriodicSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Start()
	defer f.repo.Stop()

	f.backend.FailOperation("insert", backend.ErrOffline)
	res := f.repo.SavePrayerIntention(ctx, models.PrayerIntention{PersonID: "p1", Category: "health"})
	if !res.Queued {
		t.Fatalf("save = %+v", res)
	}
	f.backend.FailOperation("insert", nil)

	f.clock.Advance(DefaultSyncInterval)
	if f.backend.Count(backend.TablePrayerIntentions) != 1 {
		t.Error("interval sync did not drain the queue")
	}

	f.repo.Stop()
	f.backend.FailOperation("insert", backend.ErrOffline)
	f.repo.SavePrayerIntention(ctx, models.PrayerIntention{Category: "work"})
	f.backend.FailOperation("insert", nil)
	f.clock.Advance(time.Minute)
	if pending, _ := f.repo.PendingOperations(ctx); len(pending) != 1 {
		t.Errorf("sync ran after Stop: pending = %d", len(pending))
	}
}

func TestUpdateUserProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if res := f.repo.UpdateUserProfile(ctx, map[string]any{"first_name": "Ruth"}); !res.Success {
		t.Fatalf("first update = %+v", res)
	}
	if res := f.repo.UpdateUserProfile(ctx, map[string]any{"faith_tradition": "catholic"}); !res.Success {
		t.Fatalf("second update = %+v", res)
	}
	rows, _ := f.backend.SelectByUser(ctx, backend.TableProfiles, "u1")
	if len(rows) != 1 || rows[0]["first_name"] != "Ruth" || rows[0]["faith_tradition"] != "catholic" {
		t.Errorf("profile rows = %v", rows)
	}

	f.repo.SetUserID("")
	if res := f.repo.UpdateUserProfile(ctx, map[string]any{"x": 1}); !errors.Is(res.Err, backend.ErrUnauthenticated) {
		t.Errorf("anonymous update = %+v", res)
	}
}

func TestSaveAndGetCachedData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	type draft struct{ Text string }
	if err := f.repo.SaveData(ctx, "draft", draft{Text: "hello"}); err != nil {
		t.Fatalf("SaveData: %v", err)
	}
	var got draft
	if ok, err := f.repo.GetCachedData(ctx, "draft", &got); !ok || err != nil || got.Text != "hello" {
		t.Errorf("GetCachedData = %v, %v, %+v", ok, err, got)
	}
	f.repo.InvalidateCache()
	got = draft{}
	if ok, _ := f.repo.GetCachedData(ctx, "draft", &got); !ok || got.Text != "hello" {
		t.Error("local fallback failed")
	}
	if ok, _ := f.repo.GetCachedData(ctx, "missing", &got); ok {
		t.Error("missing key reported present")
	}
	if err := f.repo.ClearLocal(ctx); err != nil {
		t.Fatalf("ClearLocal: %v", err)
	}
	if ok, _ := f.repo.GetCachedData(ctx, "draft", &got); ok {
		t.Error("data survived ClearLocal")
	}
}

func TestLoadRemoteSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.SavePrayerPerson(ctx, models.PrayerPerson{ID: "p1", Name: "Anna", Relationship: "sister"})
	f.repo.UpdateUserProfile(ctx, map[string]any{"first_name": "Ruth"})

	snap, err := f.repo.LoadRemoteSnapshot(ctx)
	if err != nil || snap == nil {
		t.Fatalf("LoadRemoteSnapshot = %+v, %v", snap, err)
	}
	if len(snap.PrayerPeople) != 1 || snap.PrayerPeople[0].Name != "Anna" || snap.Profile["first_name"] != "Ruth" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Session != nil {
		t.Error("no session was saved")
	}
}
