// Package navigation turns validated state machine transitions into screen
// navigation, with loop detection, deep-link prerequisites and forced overrides.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/models"
)

const (
	// DefaultStuckTimeout clears a navigation flag that was never released.
	DefaultStuckTimeout = 5 * time.Second
	// LoopWindow is how many recent history entries loop detection inspects.
	LoopWindow = 10
	// LoopThreshold is how many visits within the window count as a loop.
	LoopThreshold = 3
	// MaxHistory bounds the retained history.
	MaxHistory = 50
)

var (
	// ErrNavigationLoop is fatal: the flow keeps returning to the same step.
	ErrNavigationLoop = errors.New("navigation loop detected")
	// ErrNavigationInProgress is returned while another navigation is running.
	ErrNavigationInProgress = errors.New("navigation already in progress")
	// ErrPrerequisitesNotMet is returned when a deep link skips required steps.
	ErrPrerequisitesNotMet = errors.New("prerequisites not met")
)

// Navigator shows screens. The host app implements it.
type Navigator interface {
	Navigate(ctx context.Context, screen models.State, params map[string]string) error
}

// Options modify a single navigation.
type Options struct {
	// Force bypasses prerequisites and transition validation.
	Force bool
	// SkipValidation moves the machine without consulting the transition table.
	SkipValidation bool
	// DeepLink marks externally initiated navigation, which checks Prerequisites.
	DeepLink bool
}

// Entry is one navigation in the history.
type Entry struct {
	State    models.State `json:"state"`
	At       time.Time    `json:"at"`
	DeepLink bool         `json:"deep_link,omitempty"`
	Forced   bool         `json:"forced,omitempty"`
	Resumed  bool         `json:"resumed,omitempty"`
}

// DefaultPrerequisites lists, per deep-link target, the steps that must be completed first.
var DefaultPrerequisites = map[models.State][]models.State{
	models.StateMoodContext:            {models.StateMood},
	models.StateAddPrayerPeople:        {models.StatePrayerPeopleIntro},
	models.StatePrayerPeopleIntentions: {models.StateAddPrayerPeople},
	models.StatePrayerGeneration:       {models.StateFirstName, models.StatePrayerNeeds, models.StatePrayerStyle},
	models.StateFirstPrayer:            {models.StatePrayerGeneration},
	models.StatePrayerFeedback:         {models.StateFirstPrayer},
	models.StatePaywall:                {models.StateFirstName},
	models.StateAccountCreation:        {models.StateFirstName},
	models.StateSummary:                {models.StateFirstPrayer},
	models.StateComplete:               {models.StateSummary},
}

// Opts configures a Controller.
type Opts struct {
	Now           func() time.Time
	StuckTimeout  time.Duration
	Prerequisites map[models.State][]models.State
}

// Option configures a Controller.
type Option func(*Opts)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithStuckTimeout overrides the 5 second stuck-flag timeout.
func WithStuckTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StuckTimeout = d }
}

// WithPrerequisites replaces DefaultPrerequisites.
func WithPrerequisites(p map[models.State][]models.State) Option {
	return func(o *Opts) { o.Prerequisites = p }
}

// Controller routes one machine's transitions to a Navigator.
type Controller struct {
	machine *flow.Machine
	nav     Navigator
	cfg     Opts

	mu         sync.Mutex
	history    []Entry
	navigating bool
	navStarted time.Time
}

// NewController creates a Controller.
func NewController(machine *flow.Machine, nav Navigator, opts ...Option) *Controller {
	cfg := Opts{Now: time.Now, StuckTimeout: DefaultStuckTimeout, Prerequisites: DefaultPrerequisites}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{machine: machine, nav: nav, cfg: cfg}
}

// Navigate moves the machine to target and shows it.
func (c *Controller) Navigate(ctx context.Context, target models.State, opts Options) (flow.TransitionResult, error) {
	if err := c.begin(target, true); err != nil {
		return flow.TransitionResult{From: c.machine.Current(), To: target}, err
	}
	defer c.end()

	res, err := c.move(ctx, target, opts)
	if err != nil {
		return res, err
	}
	if err := c.show(ctx, target); err != nil {
		return res, err
	}
	c.record(Entry{State: target, At: c.cfg.Now(), DeepLink: opts.DeepLink, Forced: opts.Force})
	slog.Debug("Controller.Navigate: navigated", "from", res.From, "to", target, "deepLink", opts.DeepLink, "force", opts.Force)
	return res, nil
}

// Resume shows a restored state without validation. Resumes are not counted
// towards loop detection.
func (c *Controller) Resume(ctx context.Context, state models.State) error {
	if err := c.begin(state, false); err != nil {
		return err
	}
	defer c.end()

	if _, err := c.move(ctx, state, Options{SkipValidation: true}); err != nil {
		return err
	}
	if err := c.show(ctx, state); err != nil {
		return err
	}
	c.record(Entry{State: state, At: c.cfg.Now(), Resumed: true})
	slog.Info("Controller.Resume: resumed", "state", state)
	return nil
}

// begin takes the navigation flag and checks for loops.
func (c *Controller) begin(target models.State, checkLoop bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	if c.navigating {
		if now.Sub(c.navStarted) < c.cfg.StuckTimeout {
			return ErrNavigationInProgress
		}
		slog.Warn("Controller.begin: clearing stuck navigation flag", "since", c.navStarted)
	}
	if checkLoop && c.visitsLocked(target) >= LoopThreshold-1 {
		slog.Error("Controller.begin: navigation loop", "target", target, "window", LoopWindow)
		return fmt.Errorf("%w: %s requested %d times in the last %d navigations", ErrNavigationLoop, target, LoopThreshold, LoopWindow)
	}
	c.navigating = true
	c.navStarted = now
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	c.navigating = false
	c.mu.Unlock()
}

func (c *Controller) visitsLocked(target models.State) int {
	from := len(c.history) - LoopWindow
	if from < 0 {
		from = 0
	}
	n := 0
	for _, e := range c.history[from:] {
		if e.State == target && !e.Resumed {
			n++
		}
	}
	return n
}

// move changes the machine state according to opts.
func (c *Controller) move(ctx context.Context, target models.State, opts Options) (flow.TransitionResult, error) {
	from := c.machine.Current()
	jump := func() (flow.TransitionResult, error) {
		if from == target {
			return flow.TransitionResult{Valid: true, From: from, To: target}, nil
		}
		if err := c.machine.ForceState(target); err != nil {
			return flow.TransitionResult{From: from, To: target}, err
		}
		return flow.TransitionResult{Valid: true, From: from, To: target}, nil
	}

	switch {
	case opts.Force:
		slog.Warn("Controller.move: forced navigation", "from", from, "to", target)
		return jump()
	case opts.SkipValidation:
		return jump()
	}

	if opts.DeepLink {
		if missing := c.missingPrerequisites(target); len(missing) > 0 {
			return flow.TransitionResult{From: from, To: target, Errors: []string{fmt.Sprintf("complete %v first", missing)}},
				fmt.Errorf("%w: %s needs %v", ErrPrerequisitesNotMet, target, missing)
		}
		if !c.machine.CanTransitionTo(target) {
			ctxNow := c.machine.Context()
			if ctxNow.HasCompleted(target) {
				return jump()
			}
		}
	}

	res := c.machine.TransitionTo(ctx, target)
	return res, res.Err()
}

func (c *Controller) missingPrerequisites(target models.State) []models.State {
	oc := c.machine.Context()
	var missing []models.State
	for _, req := range c.cfg.Prerequisites[target] {
		if !oc.HasCompleted(req) {
			missing = append(missing, req)
		}
	}
	return missing
}

func (c *Controller) show(ctx context.Context, target models.State) error {
	if c.nav == nil {
		return nil
	}
	if err := c.nav.Navigate(ctx, target, c.machine.Context().NavigationParams); err != nil {
		slog.Error("Controller.show: navigator failed", "screen", target, "error", err)
		return fmt.Errorf("failed to show %s: %w", target, err)
	}
	return nil
}

func (c *Controller) record(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, e)
	if len(c.history) > MaxHistory {
		c.history = c.history[len(c.history)-MaxHistory:]
	}
}

// History returns the visited states, oldest first.
func (c *Controller) History() []models.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.State, len(c.history))
	for i, e := range c.history {
		out[i] = e.State
	}
	return out
}

// Entries returns the full history, oldest first.
func (c *Controller) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.history...)
}

// RestoreHistory replaces the history with states from a preserved snapshot.
// Restored entries count as resumes.
func (c *Controller) RestoreHistory(states []models.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
	for _, s := range states {
		c.history = append(c.history, Entry{State: s, Resumed: true})
	}
}

// Reset clears the history and the navigation flag.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.navigating = false
}

// RecordingNavigator records every screen shown. Err, when set, fails navigation.
type RecordingNavigator struct {
	mu      sync.Mutex
	screens []models.State
	params  []map[string]string
	Err     error
}

// Navigate implements Navigator.
func (r *RecordingNavigator) Navigate(ctx context.Context, screen models.State, params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.screens = append(r.screens, screen)
	r.params = append(r.params, params)
	return nil
}

// Screens returns the screens shown so far.
func (r *RecordingNavigator) Screens() []models.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.State(nil), r.screens...)
}

// Last returns the most recent screen and its params.
func (r *RecordingNavigator) Last() (models.State, map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.screens) == 0 {
		return "", nil
	}
	return r.screens[len(r.screens)-1], r.params[len(r.params)-1]
}
