package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PrayerPipe/internal/models"
)

var (
	// ErrRecoveryInProgress is returned when an attempt is already running.
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	// ErrNothingRecovered is returned when every strategy came up empty.
	ErrNothingRecovered = errors.New("no recovery strategy succeeded")
)

// Options tune a recovery attempt.
type Options struct {
	// PreserveProgress keeps the stored position instead of falling back to the last completed step.
	PreserveProgress bool
	// AllowDestructive permits wiping local artifacts and restarting as a last resort.
	AllowDestructive bool
}

// Result is the outcome of a recovery attempt.
type Result struct {
	Success  bool         `json:"success"`
	Strategy string       `json:"strategy,omitempty"`
	State    models.State `json:"state,omitempty"`
	DataLoss bool         `json:"data_loss,omitempty"`
	Err      error        `json:"-"`
}

// Strategy is one stage of the cascade. Attempt returns nil, nil when it has
// nothing to offer and the cascade should move on.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, opts Options) (*Result, error)
}

type namedStrategy struct {
	name string
	fn   func(ctx context.Context, opts Options) (*Result, error)
}

func (s namedStrategy) Name() string { return s.name }

func (s namedStrategy) Attempt(ctx context.Context, opts Options) (*Result, error) {
	return s.fn(ctx, opts)
}

// NewStrategy builds a Strategy from a function.
func NewStrategy(name string, fn func(ctx context.Context, opts Options) (*Result, error)) Strategy {
	return namedStrategy{name: name, fn: fn}
}

// FatalError aborts the whole cascade.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as fatal to the cascade.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RunCascade tries strategies in order and returns the first successful result.
// A strategy error is logged and the next strategy runs, unless it is fatal.
func RunCascade(ctx context.Context, strategies []Strategy, opts Options) Result {
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return Result{Err: err}
		}
		res, err := runStrategy(ctx, s, opts)
		if err != nil {
			if IsFatal(err) {
				slog.Error("RunCascade: fatal strategy failure", "strategy", s.Name(), "error", err)
				return Result{Strategy: s.Name(), Err: err}
			}
			slog.Warn("RunCascade: strategy failed", "strategy", s.Name(), "error", err)
			continue
		}
		if res == nil || !res.Success {
			slog.Debug("RunCascade: strategy had nothing to recover", "strategy", s.Name())
			continue
		}
		res.Strategy = s.Name()
		slog.Info("RunCascade: recovered", "strategy", s.Name(), "state", res.State, "dataLoss", res.DataLoss)
		return *res
	}
	return Result{Err: ErrNothingRecovered}
}

// runStrategy isolates panics in a strategy as ordinary errors.
func runStrategy(ctx context.Context, s Strategy, opts Options) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Attempt(ctx, opts)
}
