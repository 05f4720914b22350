// Package lifecycle publishes application foreground/background transitions and
// network connectivity changes to the services that react to them.
package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
)

// AppState is the host application's visibility state.
type AppState string

const (
	StateActive     AppState = "active"
	StateInactive   AppState = "inactive"
	StateBackground AppState = "background"
)

// AppListener is called with the previous and new app state.
type AppListener func(prev, next AppState)

// AppStates lets services observe foreground/background transitions.
type AppStates interface {
	Current() AppState
	Subscribe(fn AppListener) (unsubscribe func())
}

// Network lets services query and observe connectivity.
type Network interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// listeners is an ordered set of callbacks keyed by subscription id.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (l *listeners[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]T)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// snapshot returns the callbacks in subscription order.
func (l *listeners[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.fns[id])
	}
	return out
}

// AppMonitor tracks the app state. Listeners run synchronously, outside the lock,
// in subscription order.
type AppMonitor struct {
	mu        sync.Mutex
	state     AppState
	listeners listeners[AppListener]
}

// Compile-time check that AppMonitor implements AppStates.
var _ AppStates = (*AppMonitor)(nil)

// NewAppMonitor creates a monitor in the active state.
func NewAppMonitor() *AppMonitor {
	return &AppMonitor{state: StateActive}
}

// Current returns the current app state.
func (m *AppMonitor) Current() AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for state changes.
func (m *AppMonitor) Subscribe(fn AppListener) func() {
	return m.listeners.add(fn)
}

// Set moves the app to next and notifies listeners when the state changed.
func (m *AppMonitor) Set(next AppState) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev == next {
		return
	}
	slog.Debug("AppMonitor.Set: app state changed", "from", prev, "to", next)
	for _, fn := range m.listeners.snapshot() {
		fn(prev, next)
	}
}

// IsForegrounding reports whether a transition brings the app to the foreground.
func IsForegrounding(prev, next AppState) bool {
	return prev != StateActive && next == StateActive
}

// IsBackgrounding reports whether a transition leaves the foreground.
func IsBackgrounding(prev, next AppState) bool {
	return prev == StateActive && next != StateActive
}

// NetworkMonitor tracks connectivity. It starts online.
type NetworkMonitor struct {
	mu        sync.Mutex
	online    bool
	listeners listeners[func(bool)]
	probeTask scheduler.Task
}

// Compile-time check that NetworkMonitor implements Network.
var _ Network = (*NetworkMonitor)(nil)

// NewNetworkMonitor creates a monitor that reports online.
func NewNetworkMonitor() *NetworkMonitor {
	return &NetworkMonitor{online: true}
}

// IsOnline reports the last known connectivity.
func (n *NetworkMonitor) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// Subscribe registers fn for connectivity changes.
func (n *NetworkMonitor) Subscribe(fn func(online bool)) func() {
	return n.listeners.add(fn)
}

// SetOnline records connectivity and notifies listeners on change.
func (n *NetworkMonitor) SetOnline(online bool) {
	n.mu.Lock()
	changed := n.online != online
	n.online = online
	n.mu.Unlock()
	if !changed {
		return
	}
	slog.Info("NetworkMonitor.SetOnline: connectivity changed", "online", online)
	for _, fn := range n.listeners.snapshot() {
		fn(online)
	}
}

// Probe checks reachability of the backend.
type Probe func(ctx context.Context) bool

// StartProbe polls probe every interval on clock and feeds the result to SetOnline.
// A previous probe is stopped.
func (n *NetworkMonitor) StartProbe(clock scheduler.Clock, interval, timeout time.Duration, probe Probe) {
	n.StopProbe()
	task := clock.Every(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n.SetOnline(probe(ctx))
	})
	n.mu.Lock()
	n.probeTask = task
	n.mu.Unlock()
}

// StopProbe stops polling.
func (n *NetworkMonitor) StopProbe() {
	n.mu.Lock()
	task := n.probeTask
	n.probeTask = nil
	n.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}
