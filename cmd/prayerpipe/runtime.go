package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/flowdef"
	"github.com/BTreeMap/PrayerPipe/internal/genai"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/lockfile"
	"github.com/BTreeMap/PrayerPipe/internal/onboarding"
	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

// anonymousScope holds the local state of flows started without a user id.
const anonymousScope = "anonymous"

// runtime owns the long-lived resources shared by every flow of the process.
type runtime struct {
	cfg       Config
	lock      *lockfile.Lock
	store     *store.SQLiteStore
	backend   backend.Client
	generator genai.PrayerGenerator
	fallback  *flowdef.Definition
	clock     *scheduler.RealClock
	network   *lifecycle.NetworkMonitor
}

// openRuntime locks the state directory and opens the stores. Close releases
// everything in reverse order.
func openRuntime(cfg Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	if err := rt.open(); err != nil {
		if cerr := rt.Close(); cerr != nil {
			slog.Warn("openRuntime: cleanup failed", "error", cerr)
		}
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open() error {
	var err error
	if rt.lock, err = lockfile.Acquire(rt.cfg.StateDir); err != nil {
		return err
	}
	if rt.store, err = store.NewSQLiteStore(store.WithSQLiteDSN(rt.cfg.LocalDBPath())); err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	if rt.backend, err = openBackend(rt.cfg); err != nil {
		return err
	}
	if rt.generator, err = openGenerator(rt.cfg); err != nil {
		return err
	}
	if rt.cfg.FlowFile != "" {
		if rt.fallback, err = flowdef.LoadFile(rt.cfg.FlowFile); err != nil {
			return fmt.Errorf("failed to load flow file: %w", err)
		}
		slog.Info("runtime.open: using flow file", "path", rt.cfg.FlowFile, "steps", len(rt.fallback.Steps))
	}

	rt.clock = scheduler.NewRealClock()
	rt.network = lifecycle.NewNetworkMonitor()
	if p, ok := rt.backend.(backend.Pinger); ok && rt.cfg.ProbeInterval > 0 {
		rt.network.StartProbe(rt.clock, rt.cfg.ProbeInterval, DefaultProbeTimeout, func(ctx context.Context) bool {
			return p.Ping(ctx) == nil
		})
	}
	return nil
}

func openBackend(cfg Config) (backend.Client, error) {
	if cfg.DatabaseURL != "" && store.DetectDSNType(cfg.DatabaseURL) == "postgres" {
		pg, err := backend.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open backend: %w", err)
		}
		return pg, nil
	}
	slog.Warn("openBackend: no Postgres DATABASE_URL, using the in-process backend")
	return backend.NewMemory(), nil
}

func openGenerator(cfg Config) (genai.PrayerGenerator, error) {
	if cfg.OpenAIKey == "" {
		slog.Info("openGenerator: OPENAI_API_KEY not set, prayers use the built-in template")
		return genai.Template{}, nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(cfg.OpenAIKey), genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return genai.Fallback{Primary: client}, nil
}

// newFlow builds an unstarted flow for userID on a scoped view of the local store.
func (rt *runtime) newFlow(ctx context.Context, userID string) (*onboarding.Flow, error) {
	scope := userID
	if scope == "" {
		scope = anonymousScope
	}
	opts := []onboarding.Option{onboarding.WithCrashDetection(rt.cfg.CrashDetection)}
	if rt.fallback != nil {
		opts = append(opts, onboarding.WithFallbackDefinition(rt.fallback))
	}
	return onboarding.New(onboarding.Deps{
		Store:     store.Scope(rt.store, scope),
		Backend:   rt.backend,
		Clock:     rt.clock,
		App:       lifecycle.NewAppMonitor(),
		Network:   rt.network,
		Generator: rt.generator,
		UserID:    userID,
	}, opts...)
}

// Close releases the runtime. It tolerates a partially opened runtime.
func (rt *runtime) Close() error {
	var errs []error
	if rt.network != nil {
		rt.network.StopProbe()
	}
	if rt.clock != nil {
		rt.clock.Stop()
	}
	if c, ok := rt.backend.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.lock != nil {
		errs = append(errs, rt.lock.Release())
	}
	return errors.Join(errs...)
}
