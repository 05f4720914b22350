package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
)

func TestAppMonitorNotifiesOnChange(t *testing.T) {
	m := NewAppMonitor()
	var seen []AppState
	unsub := m.Subscribe(func(prev, next AppState) { seen = append(seen, next) })

	m.Set(StateActive)
	m.Set(StateBackground)
	m.Set(StateBackground)
	m.Set(StateActive)
	if len(seen) != 2 || seen[0] != StateBackground || seen[1] != StateActive {
		t.Fatalf("seen = %v", seen)
	}

	unsub()
	unsub()
	m.Set(StateInactive)
	if len(seen) != 2 {
		t.Errorf("listener called after unsubscribe: %v", seen)
	}
	if m.Current() != StateInactive {
		t.Errorf("Current = %s", m.Current())
	}
}

func TestAppMonitorListenerOrder(t *testing.T) {
	m := NewAppMonitor()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.Subscribe(func(AppState, AppState) { order = append(order, i) })
	}
	m.Set(StateBackground)
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Errorf("order = %v", order)
	}
}

func TestTransitionHelpers(t *testing.T) {
	if !IsBackgrounding(StateActive, StateBackground) || IsBackgrounding(StateBackground, StateInactive) {
		t.Error("IsBackgrounding wrong")
	}
	if !IsForegrounding(StateInactive, StateActive) || IsForegrounding(StateActive, StateActive) {
		t.Error("IsForegrounding wrong")
	}
}

func TestNetworkMonitorProbe(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	n := NewNetworkMonitor()
	var events []bool
	n.Subscribe(func(online bool) { events = append(events, online) })

	reachable := false
	n.StartProbe(clock, 10*time.Second, time.Second, func(ctx context.Context) bool { return reachable })

	clock.Advance(10 * time.Second)
	if n.IsOnline() {
		t.Fatal("expected offline after failed probe")
	}
	reachable = true
	clock.Advance(10 * time.Second)
	if !n.IsOnline() {
		t.Fatal("expected online after successful probe")
	}
	if len(events) != 2 || events[0] || !events[1] {
		t.Errorf("events = %v", events)
	}

	n.StopProbe()
	reachable = false
	clock.Advance(time.Minute)
	if !n.IsOnline() {
		t.Error("probe still running after StopProbe")
	}
}
