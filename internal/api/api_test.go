package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/navigation"
	"github.com/BTreeMap/PrayerPipe/internal/onboarding"
	"github.com/BTreeMap/PrayerPipe/internal/preservation"
	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	factory FlowFactory
	backend *backend.Memory
	store   *store.InMemoryStore
	// navigators overrides the navigator of a user's flows.
	navigators map[string]navigation.Navigator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{backend: backend.NewMemory(), store: store.NewInMemoryStore(), navigators: map[string]navigation.Navigator{}}
	clock := scheduler.NewManualClock(time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC))
	e.factory = func(ctx context.Context, userID string) (*onboarding.Flow, error) {
		nav, ok := e.navigators[userID]
		if !ok {
			nav = &navigation.RecordingNavigator{}
		}
		return onboarding.New(onboarding.Deps{
			Store:     store.Scope(e.store, userID),
			Backend:   e.backend,
			Clock:     clock,
			App:       lifecycle.NewAppMonitor(),
			Network:   lifecycle.NewNetworkMonitor(),
			Navigator: nav,
			UserID:    userID,
		})
	}
	e.server = NewServer(e.factory, WithRequestTimeout(5*time.Second))
	e.handler = e.server.Handler()
	t.Cleanup(func() { e.server.Close(context.Background()) })
	return e
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Errors  []string        `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	var env envelope
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: bad body %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, env
}

func (e *testEnv) create(t *testing.T, userID string) FlowInfo {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/flows", map[string]string{"user_id": userID})
	if code != http.StatusCreated && code != http.StatusOK {
		t.Fatalf("create = %d %+v", code, env)
	}
	var info FlowInfo
	if err := json.Unmarshal(env.Result, &info); err != nil {
		t.Fatal(err)
	}
	return info
}

func TestCreateFlowIsIdempotentPerUser(t *testing.T) {
	e := newTestEnv(t)
	code, env := e.do(t, http.MethodPost, "/flows", map[string]string{"user_id": "u1"})
	if code != http.StatusCreated || env.Status != string(models.APIStatusOK) {
		t.Fatalf("create = %d %+v", code, env)
	}
	var first FlowInfo
	json.Unmarshal(env.Result, &first)
	if first.Handle == "" || first.Snapshot.CurrentState != models.StateWelcome {
		t.Errorf("info = %+v", first)
	}

	code, env = e.do(t, http.MethodPost, "/flows", map[string]string{"user_id": "u1"})
	var again FlowInfo
	json.Unmarshal(env.Result, &again)
	if code != http.StatusOK || again.Handle != first.Handle {
		t.Errorf("second create = %d %+v", code, again)
	}
	e.create(t, "u2")

	code, env = e.do(t, http.MethodGet, "/flows", nil)
	var list []FlowInfo
	json.Unmarshal(env.Result, &list)
	if code != http.StatusOK || len(list) != 2 {
		t.Errorf("list = %d %d", code, len(list))
	}
	if code, _ := e.do(t, http.MethodPost, "/flows", "not an object"); code != http.StatusBadRequest {
		t.Errorf("bad body = %d", code)
	}
}

func TestNavigateAndValidate(t *testing.T) {
	e := newTestEnv(t)
	h := e.create(t, "u1").Handle
	base := "/flows/" + h

	for i := 0; i < 2; i++ {
		if code, env := e.do(t, http.MethodPost, base+"/next", nil); code != http.StatusOK {
			t.Fatalf("next = %d %+v", code, env)
		}
	}
	code, env := e.do(t, http.MethodPost, base+"/next", nil)
	if code != http.StatusUnprocessableEntity || env.Status != string(models.APIStatusInvalid) || len(env.Errors) == 0 {
		t.Fatalf("invalid next = %d %+v", code, env)
	}

	code, env = e.do(t, http.MethodPost, base+"/next", map[string]any{"data": map[string]any{"first_name": "Ruth"}})
	var tr TransitionResponse
	json.Unmarshal(env.Result, &tr)
	if code != http.StatusOK || tr.Flow.Snapshot.CurrentState != models.StateFaithTradition || tr.Transition.From != models.StateFirstName {
		t.Fatalf("next with data = %d %+v", code, tr)
	}

	code, env = e.do(t, http.MethodGet, base+"/steps/first_name", nil)
	var step struct {
		Data map[string]any `json:"data"`
	}
	json.Unmarshal(env.Result, &step)
	if code != http.StatusOK || step.Data["first_name"] != "Ruth" {
		t.Errorf("step data = %d %+v", code, step)
	}
	if code, _ := e.do(t, http.MethodGet, base+"/steps/nowhere", nil); code != http.StatusBadRequest {
		t.Errorf("unknown step = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/data", map[string]any{"data": map[string]any{"shoe_size": 9}}); code != http.StatusBadRequest {
		t.Errorf("unknown answer = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/previous", nil); code != http.StatusOK {
		t.Errorf("previous = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/complete", nil); code != http.StatusConflict {
		t.Errorf("complete before summary = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/skip", nil); code != http.StatusConflict {
		t.Errorf("skip required step = %d", code)
	}
}

func TestUnknownFlowAndMethod(t *testing.T) {
	e := newTestEnv(t)
	if code, _ := e.do(t, http.MethodGet, "/flows/f_missing", nil); code != http.StatusNotFound {
		t.Errorf("missing flow = %d", code)
	}
	code, env := e.do(t, http.MethodGet, "/flows/f_missing/next", nil)
	if code != http.StatusMethodNotAllowed || env.Status != string(models.APIStatusError) {
		t.Errorf("GET next = %d %+v", code, env)
	}
	code, env = e.do(t, http.MethodPut, "/health", nil)
	if code != http.StatusMethodNotAllowed || env.Status != string(models.APIStatusError) {
		t.Errorf("PUT health = %d %+v", code, env)
	}
	code, env = e.do(t, http.MethodGet, "/nowhere", nil)
	if code != http.StatusNotFound || env.Status != string(models.APIStatusError) {
		t.Errorf("unknown route = %d %+v", code, env)
	}
	code, env = e.do(t, http.MethodPost, "/flows/f_missing/teleport", nil)
	if code != http.StatusNotFound || env.Status != string(models.APIStatusError) {
		t.Errorf("unknown flow route = %d %+v", code, env)
	}
	if code, _ := e.do(t, http.MethodGet, "/health", nil); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
}

func TestEventsQueueWhileOffline(t *testing.T) {
	e := newTestEnv(t)
	base := "/flows/" + e.create(t, "u1").Handle
	before := e.backend.Count(backend.TableAnalyticsEvents)

	if code, _ := e.do(t, http.MethodPost, base+"/events", map[string]any{}); code != http.StatusBadRequest {
		t.Errorf("empty event = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/lifecycle", map[string]any{"online": false}); code != http.StatusOK {
		t.Fatalf("go offline = %d", code)
	}
	code, env := e.do(t, http.MethodPost, base+"/events", map[string]any{"event_type": "paywall_viewed"})
	if code != http.StatusAccepted || env.Status != string(models.APIStatusQueued) {
		t.Fatalf("offline event = %d %+v", code, env)
	}
	if e.backend.Count(backend.TableAnalyticsEvents) != before {
		t.Error("event written while offline")
	}
	e.do(t, http.MethodPost, base+"/lifecycle", map[string]any{"online": true})
	if e.backend.Count(backend.TableAnalyticsEvents) != before+1 {
		t.Error("queued event not synced on reconnect")
	}
	if code, _ := e.do(t, http.MethodPost, base+"/sync", nil); code != http.StatusOK {
		t.Errorf("sync = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/lifecycle", map[string]any{"app_state": "asleep"}); code != http.StatusBadRequest {
		t.Errorf("bad app state = %d", code)
	}
}

func TestDeepLinkAndLifecycle(t *testing.T) {
	e := newTestEnv(t)
	base := "/flows/" + e.create(t, "u1").Handle

	if code, _ := e.do(t, http.MethodPost, base+"/deeplink", map[string]any{"url": ""}); code != http.StatusBadRequest {
		t.Errorf("empty link = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/deeplink", map[string]any{"url": "prayerpipe://settings"}); code != http.StatusBadRequest {
		t.Errorf("unknown link = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/deeplink", map[string]any{"url": "prayerpipe://onboarding/first-prayer"}); code != http.StatusConflict {
		t.Errorf("unmet prerequisites = %d", code)
	}
	code, env := e.do(t, http.MethodPost, base+"/deeplink", map[string]any{"url": "prayerpipe://onboarding/paywall?force=true"})
	var dl DeepLinkResponse
	json.Unmarshal(env.Result, &dl)
	if code != http.StatusOK || dl.Link.Target != models.StatePaywall || dl.Flow.Snapshot.CurrentState != models.StatePaywall {
		t.Fatalf("forced link = %d %+v", code, dl)
	}

	if code, _ := e.do(t, http.MethodPut, base+"/draft", map[string]any{"form_data": map[string]any{"plan": "annual"}, "active_element": "annual"}); code != http.StatusOK {
		t.Errorf("draft = %d", code)
	}
	for _, state := range []string{"background", "active"} {
		if code, _ := e.do(t, http.MethodPost, base+"/lifecycle", map[string]any{"app_state": state}); code != http.StatusOK {
			t.Errorf("lifecycle %s = %d", state, code)
		}
	}
	if code, _ := e.do(t, http.MethodPost, base+"/pause", nil); code != http.StatusOK {
		t.Errorf("pause = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, base+"/resume", nil); code != http.StatusOK {
		t.Errorf("resume = %d", code)
	}
	code, env = e.do(t, http.MethodPost, base+"/restart", nil)
	var info FlowInfo
	json.Unmarshal(env.Result, &info)
	if code != http.StatusOK || info.Snapshot.CurrentState != models.StateWelcome {
		t.Errorf("restart = %d %+v", code, info)
	}
}

func TestDeleteStopsFlow(t *testing.T) {
	e := newTestEnv(t)
	base := "/flows/" + e.create(t, "u1").Handle
	if code, _ := e.do(t, http.MethodDelete, base, nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, base, nil); code != http.StatusNotFound {
		t.Errorf("get after delete = %d", code)
	}
	keys, _ := e.store.Keys(context.Background(), "users/u1/"+store.NamespacePreservation)
	if len(keys) == 0 {
		t.Error("stopped flow did not preserve its state")
	}
	if other, _ := e.store.Keys(context.Background(), store.NamespacePreservation); len(other) != 0 {
		t.Errorf("unscoped keys written: %v", other)
	}
}

// crashingNavigator panics when asked to show screen.
type crashingNavigator struct{ screen models.State }

func (n crashingNavigator) Navigate(ctx context.Context, screen models.State, params map[string]string) error {
	if screen == n.screen {
		panic("screen failed to render")
	}
	return nil
}

func TestPanicRecordsCrashAndRecoversOnReopen(t *testing.T) {
	e := newTestEnv(t)
	e.navigators["u1"] = crashingNavigator{screen: models.StateSignIn}
	base := "/flows/" + e.create(t, "u1").Handle

	code, env := e.do(t, http.MethodPost, base+"/next", nil)
	if code != http.StatusInternalServerError || env.Status != string(models.APIStatusError) {
		t.Fatalf("panicking next = %d %+v", code, env)
	}
	raw, ok, err := e.store.Get(context.Background(), "users/u1/"+store.NamespacePreservation+"crash")
	if err != nil || !ok {
		t.Fatalf("crash record missing: %v", err)
	}
	var rec models.CrashRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.LastKnownState != models.StateSignIn {
		t.Errorf("crash record = %+v, %v", rec, err)
	}
	if code, _ := e.do(t, http.MethodGet, base, nil); code != http.StatusNotFound {
		t.Errorf("crashed flow still registered: %d", code)
	}

	info := e.create(t, "u1")
	snap := info.Snapshot
	if snap.CurrentState != models.StateError || snap.Error == nil || snap.Error.Code != preservation.CrashRecoveredCode {
		t.Errorf("reopened snapshot = %+v", snap)
	}
}

func TestConcurrentCreatesStartOneFlow(t *testing.T) {
	e := newTestEnv(t)
	var calls atomic.Int32
	release := make(chan struct{})
	server := NewServer(func(ctx context.Context, userID string) (*onboarding.Flow, error) {
		calls.Add(1)
		<-release
		return e.factory(ctx, userID)
	}, WithRequestTimeout(5*time.Second))
	t.Cleanup(func() { server.Close(context.Background()) })

	const n = 4
	var wg sync.WaitGroup
	handles := make([]string, n)
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBufferString(`{"user_id":"u1"}`))
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)
			var env envelope
			var info FlowInfo
			json.Unmarshal(rr.Body.Bytes(), &env)
			json.Unmarshal(env.Result, &info)
			codes[i], handles[i] = rr.Code, info.Handle
		}(i)
	}
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("factory calls = %d", got)
	}
	created := 0
	for i := 0; i < n; i++ {
		if handles[i] == "" || handles[i] != handles[0] {
			t.Errorf("handles = %v", handles)
			break
		}
		if codes[i] == http.StatusCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("codes = %v", codes)
	}
}
