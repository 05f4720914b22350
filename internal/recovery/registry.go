// Package recovery restores a usable onboarding session when normal resumption is
// not enough. Manager runs an ordered cascade of strategies; Startup re-arms
// outstanding work registered by other components when the process starts.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

// Recoverable is implemented by components that re-arm their work at startup.
type Recoverable interface {
	RecoverState(ctx context.Context, registry *Registry) error
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context, registry *Registry) error

// RecoverState calls f.
func (f RecoverableFunc) RecoverState(ctx context.Context, registry *Registry) error {
	return f(ctx, registry)
}

// Hook is an infrastructure callback recoverables can request by name.
type Hook func(ctx context.Context) error

// Registry provides services to components during startup recovery.
type Registry struct {
	store store.Store
	clock scheduler.Clock
	hooks map[string]Hook
}

// NewRegistry creates a Registry.
func NewRegistry(st store.Store, clock scheduler.Clock) *Registry {
	return &Registry{store: st, clock: clock, hooks: make(map[string]Hook)}
}

// RegisterHook registers an infrastructure callback under name.
func (r *Registry) RegisterHook(name string, fn Hook) {
	r.hooks[name] = fn
}

// RunHook runs the callback registered under name.
func (r *Registry) RunHook(ctx context.Context, name string) error {
	fn, ok := r.hooks[name]
	if !ok {
		return fmt.Errorf("no recovery hook registered for %q", name)
	}
	return fn(ctx)
}

// Hooks returns the registered hook names, sorted.
func (r *Registry) Hooks() []string {
	names := make([]string, 0, len(r.hooks))
	for n := range r.hooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetStore provides access to the local store.
func (r *Registry) GetStore() store.Store {
	return r.store
}

// GetClock provides access to the clock.
func (r *Registry) GetClock() scheduler.Clock {
	return r.clock
}

// Startup orchestrates recovery of all registered components.
type Startup struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewStartup creates a Startup.
func NewStartup(st store.Store, clock scheduler.Clock) *Startup {
	return &Startup{registry: NewRegistry(st, clock)}
}

// RegisterRecoverable adds a component that can be recovered.
func (s *Startup) RegisterRecoverable(r Recoverable) {
	s.recoverables = append(s.recoverables, r)
}

// RegisterHook registers an infrastructure callback.
func (s *Startup) RegisterHook(name string, fn Hook) {
	s.registry.RegisterHook(name, fn)
}

// RecoverAll recovers every registered component. Failures are counted and
// reported together; one failing component does not stop the others.
func (s *Startup) RecoverAll(ctx context.Context) error {
	slog.Info("Startup.RecoverAll: starting", "components", len(s.recoverables))

	recovered, failed := 0, 0
	for _, r := range s.recoverables {
		if err := r.RecoverState(ctx, s.registry); err != nil {
			slog.Error("Startup.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", r))
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Startup.RecoverAll: completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(s.recoverables))
	}
	return nil
}

// GetRegistry provides access to the registry.
func (s *Startup) GetRegistry() *Registry {
	return s.registry
}
