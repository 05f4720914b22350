// Package flowdef loads server-driven onboarding flow definitions: an ordered list of
// step descriptors plus the user's last known step for continuation.
package flowdef

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_flow.yaml
var defaultFlowYAML []byte

// DefaultFlowName is the name of the built-in onboarding flow.
const DefaultFlowName = "prayer-onboarding"

// ErrInvalidDefinition is returned for definitions that fail validation.
var ErrInvalidDefinition = errors.New("invalid flow definition")

// Step describes one screen of the flow.
type Step struct {
	ID                string         `json:"id" yaml:"id"`
	StepOrder         int            `json:"step_order" yaml:"step_order"`
	ScreenType        string         `json:"screen_type" yaml:"screen_type"`
	Config            map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	TrackingEventName string         `json:"tracking_event_name,omitempty" yaml:"tracking_event_name,omitempty"`
	Skippable         bool           `json:"skippable,omitempty" yaml:"skippable,omitempty"`
}

// Definition is an ordered flow plus optional continuation data.
type Definition struct {
	Name     string `json:"name" yaml:"name"`
	Version  int    `json:"version" yaml:"version"`
	Steps    []Step `json:"steps" yaml:"steps"`
	LastStep string `json:"last_step,omitempty" yaml:"last_step,omitempty"`
}

// Parse decodes and validates a YAML (or JSON) definition. Steps are sorted by StepOrder.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	def.sortSteps()
	return &def, nil
}

// LoadFile reads a definition from disk.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the embedded onboarding flow.
func Default() *Definition {
	def, err := Parse(defaultFlowYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded flow definition is invalid: %v", err))
	}
	return def
}

// Validate checks that step ids are present and unique and orders are positive and unique.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidDefinition)
	}
	ids := make(map[string]bool, len(d.Steps))
	orders := make(map[int]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step without id", ErrInvalidDefinition)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, s.ID)
		}
		if s.StepOrder <= 0 || orders[s.StepOrder] {
			return fmt.Errorf("%w: bad step_order %d for %q", ErrInvalidDefinition, s.StepOrder, s.ID)
		}
		ids[s.ID] = true
		orders[s.StepOrder] = true
	}
	return nil
}

func (d *Definition) sortSteps() {
	sort.SliceStable(d.Steps, func(i, j int) bool { return d.Steps[i].StepOrder < d.Steps[j].StepOrder })
}

// Step returns the descriptor for id.
func (d *Definition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Progress returns how far id is through the flow, in [0, 1]. Unknown ids report 0
// and the terminal "complete" step reports 1.
func (d *Definition) Progress(id string) float64 {
	if id == "complete" {
		return 1
	}
	for i, s := range d.Steps {
		if s.ID == id {
			return float64(i) / float64(len(d.Steps))
		}
	}
	return 0
}

// Source is anything that can serve a definition (the backend client).
type Source interface {
	FetchFlow(ctx context.Context, name, userID string) (*Definition, error)
}

// Loader fetches definitions from a Source and falls back to a local definition.
type Loader struct {
	source   Source
	fallback *Definition
}

// NewLoader creates a Loader. A nil fallback uses the embedded default flow.
func NewLoader(source Source, fallback *Definition) *Loader {
	if fallback == nil {
		fallback = Default()
	}
	return &Loader{source: source, fallback: fallback}
}

// Load returns the server definition when available, otherwise the fallback.
// The returned bool reports whether the fallback was used.
func (l *Loader) Load(ctx context.Context, name, userID string) (*Definition, bool) {
	if l.source != nil {
		def, err := l.source.FetchFlow(ctx, name, userID)
		switch {
		case err != nil:
			slog.Warn("Loader.Load: fetch failed, using fallback", "name", name, "error", err)
		case def == nil:
			slog.Warn("Loader.Load: no server flow, using fallback", "name", name)
		default:
			if verr := def.Validate(); verr != nil {
				slog.Warn("Loader.Load: server flow invalid, using fallback", "name", name, "error", verr)
				break
			}
			def.sortSteps()
			slog.Debug("Loader.Load: using server flow", "name", name, "steps", len(def.Steps), "lastStep", def.LastStep)
			return def, false
		}
	}
	fb := *l.fallback
	return &fb, true
}
