package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/genai"
	"github.com/BTreeMap/PrayerPipe/internal/models"
)

// Condition gates whether an edge exists for the given context.
type Condition func(c *models.OnboardingContext) bool

// Validation inspects the pre-transition context and returns user-facing errors.
type Validation func(c *models.OnboardingContext) []string

// Action runs after validation on a working copy of the context. Returning an
// error aborts the transition and leaves the machine untouched.
type Action func(ctx context.Context, c *models.OnboardingContext) error

// Transition is one declared edge of the onboarding graph.
type Transition struct {
	From      models.State
	To        models.State
	Kind      models.TransitionKind
	Condition Condition
	Validate  Validation
	Action    Action
}

// allowed reports whether the edge exists for c.
func (t Transition) allowed(c *models.OnboardingContext) bool {
	return t.Condition == nil || t.Condition(c)
}

// validate returns validation errors for c, or nil.
func (t Transition) validate(c *models.OnboardingContext) []string {
	if t.Validate == nil {
		return nil
	}
	return t.Validate(c)
}

// TransitionDeps are the collaborators used by transition actions.
type TransitionDeps struct {
	// Generator writes the first prayer. Nil uses the built-in template.
	Generator genai.PrayerGenerator
	// Now stamps action output. Nil uses time.Now.
	Now func() time.Time
}

// SkippableSteps lists the steps whose input is optional.
var SkippableSteps = map[models.State]bool{
	models.StatePrayerExperience:       true,
	models.StateMoodContext:            true,
	models.StateAddPrayerPeople:        true,
	models.StateCustomPrayerNeed:       true,
	models.StateBibleTranslation:       true,
	models.StatePrayerReminders:        true,
	models.StateNotificationPermission: true,
	models.StatePrayerFeedback:         true,
	models.StateSocialProof:            true,
	models.StatePaywall:                true,
}

// stepValidations are checked when leaving a step forward.
var stepValidations = map[models.State]Validation{
	models.StateFirstName: func(c *models.OnboardingContext) []string {
		if strings.TrimSpace(c.FirstName) == "" {
			return []string{"first name is required"}
		}
		return nil
	},
	models.StateFaithTradition: func(c *models.OnboardingContext) []string {
		if c.FaithTradition == "" {
			return []string{"faith tradition must be selected"}
		}
		return nil
	},
	models.StateMood: func(c *models.OnboardingContext) []string {
		if c.Mood == nil || c.Mood.ID == "" {
			return []string{"mood must be selected"}
		}
		return nil
	},
	models.StateRelationshipWithGod: func(c *models.OnboardingContext) []string {
		if c.RelationshipWithGod == "" {
			return []string{"relationship with God must be selected"}
		}
		return nil
	},
	models.StatePrayerPeopleIntentions: func(c *models.OnboardingContext) []string {
		var errs []string
		for _, in := range c.Intentions {
			if in.PersonID != "" && !hasPerson(c, in.PersonID) {
				errs = append(errs, fmt.Sprintf("intention %s refers to unknown person %s", in.ID, in.PersonID))
			}
		}
		return errs
	},
	models.StatePrayerNeeds: func(c *models.OnboardingContext) []string {
		if len(c.PrayerNeeds) == 0 {
			return []string{"select at least one prayer need"}
		}
		return nil
	},
	models.StatePrayerStyle: func(c *models.OnboardingContext) []string {
		if c.PrayerStyle == "" {
			return []string{"prayer style must be selected"}
		}
		return nil
	},
	models.StatePrayerSchedule: func(c *models.OnboardingContext) []string {
		if c.Schedule == nil || len(c.Schedule.Times) == 0 {
			return []string{"choose at least one prayer time"}
		}
		return nil
	},
	models.StateCommitment: func(c *models.OnboardingContext) []string {
		if c.Commitment == "" {
			return []string{"commitment must be selected"}
		}
		return nil
	},
	models.StateStreakGoal: func(c *models.OnboardingContext) []string {
		if c.StreakGoal == nil || *c.StreakGoal <= 0 {
			return []string{"streak goal must be a positive number of days"}
		}
		return nil
	},
	models.StateFirstPrayer: func(c *models.OnboardingContext) []string {
		if c.GeneratedPrayer == nil || c.GeneratedPrayer.Content == "" {
			return []string{"prayer has not been generated"}
		}
		return nil
	},
	models.StateAccountCreation: func(c *models.OnboardingContext) []string {
		if !strings.Contains(c.Email, "@") {
			return []string{"a valid email address is required"}
		}
		return nil
	},
}

func hasPerson(c *models.OnboardingContext, id string) bool {
	for _, p := range c.PrayerPeople {
		if p.ID == id {
			return true
		}
	}
	return false
}

func hasError(c *models.OnboardingContext) bool {
	return c.ErrorState != nil
}

// DefaultTransitions builds the onboarding graph: forward and back edges along the
// funnel, shortcut skip edges, an error edge out of every non-terminal step, and
// recover edges back to the step an error interrupted.
func DefaultTransitions(deps TransitionDeps) []Transition {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	actions := map[models.State]Action{
		models.StateMood:             moodAction,
		models.StateAddPrayerPeople:  peopleAction,
		models.StatePrayerGeneration: generationAction(deps),
		models.StateSummary:          completionAction(deps.Now),
	}

	var table []Transition
	states := models.OnboardingStates()
	for _, s := range states {
		if s.IsTerminal() {
			continue
		}
		fwd := Transition{From: s, To: s.Next(), Kind: models.TransitionForward, Action: actions[s]}
		if !SkippableSteps[s] {
			fwd.Validate = stepValidations[s]
		}
		table = append(table, fwd)
		if prev := s.Prev(); prev != "" {
			table = append(table, Transition{From: s, To: prev, Kind: models.TransitionBack})
		}
		table = append(table, Transition{From: s, To: models.StateError, Kind: models.TransitionError, Condition: hasError})
	}

	table = append(table,
		Transition{From: models.StatePrayerPeopleIntro, To: models.StatePrayerNeeds, Kind: models.TransitionSkip},
		Transition{
			From: models.StatePrayerReminders, To: models.StateCommitment, Kind: models.TransitionSkip,
			Condition: func(c *models.OnboardingContext) bool {
				return c.RemindersEnabled != nil && !*c.RemindersEnabled
			},
		},
		Transition{From: models.StateSocialProof, To: models.StateAccountCreation, Kind: models.TransitionSkip},
		Transition{From: models.StatePrayerNeeds, To: models.StatePrayerPeopleIntro, Kind: models.TransitionBack},
		Transition{From: models.StateCommitment, To: models.StatePrayerReminders, Kind: models.TransitionBack},
		Transition{From: models.StateAccountCreation, To: models.StateSocialProof, Kind: models.TransitionBack},
	)

	for _, s := range states {
		if s.IsTerminal() {
			continue
		}
		target := s
		table = append(table, Transition{
			From: models.StateError, To: target, Kind: models.TransitionRecover,
			Condition: func(c *models.OnboardingContext) bool {
				return c.ErrorState != nil && c.ErrorState.Recoverable && c.ErrorState.PreviousState == target
			},
		})
	}
	return table
}

func moodAction(ctx context.Context, c *models.OnboardingContext) error {
	c.NavigationParams = map[string]string{
		"mood":       c.Mood.ID,
		"mood_label": c.Mood.Label,
		"mood_emoji": c.Mood.Emoji,
	}
	return nil
}

func peopleAction(ctx context.Context, c *models.OnboardingContext) error {
	c.NavigationParams = map[string]string{"people_count": strconv.Itoa(len(c.PrayerPeople))}
	return nil
}

func generationAction(deps TransitionDeps) Action {
	gen := deps.Generator
	if gen == nil {
		gen = genai.Template{}
	}
	return func(ctx context.Context, c *models.OnboardingContext) error {
		if c.GeneratedPrayer != nil && c.GeneratedPrayer.Content != "" {
			return nil
		}
		p, err := gen.GeneratePrayer(ctx, c.Answers)
		if err != nil {
			slog.Error("flow.generationAction: prayer generation failed", "sessionID", c.SessionID, "error", err)
			return fmt.Errorf("prayer generation failed: %w", err)
		}
		c.GeneratedPrayer = p
		c.NavigationParams = map[string]string{"prayer_source": p.Source}
		return nil
	}
}

func completionAction(now func() time.Time) Action {
	return func(ctx context.Context, c *models.OnboardingContext) error {
		c.NavigationParams = map[string]string{"completed_at": now().UTC().Format(time.RFC3339)}
		return nil
	}
}
