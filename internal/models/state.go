// Package models defines state management structures for PrayerPipe onboarding.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mood is the user's self-reported mood on the mood step.
type Mood struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji,omitempty"`
	Label string `json:"label,omitempty"`
}

// PrayerPerson is someone the user wants to pray for.
type PrayerPerson struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Relationship string `json:"relationship,omitempty"`
	Gender       string `json:"gender,omitempty"`
	ImageURI     string `json:"image_uri,omitempty"`
}

// PrayerIntention links a need to a person (or to the user when PersonID is empty).
type PrayerIntention struct {
	ID       string `json:"id"`
	PersonID string `json:"person_id,omitempty"`
	Category string `json:"category"`
	Details  string `json:"details,omitempty"`
}

// PrayerSchedule holds the times of day the user committed to pray.
type PrayerSchedule struct {
	Times []string `json:"times"`
	Days  []string `json:"days,omitempty"`
}

// GeneratedPrayer is the personalised prayer produced on the generation step.
type GeneratedPrayer struct {
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
	Source      string    `json:"source,omitempty"`
}

// Answers collects everything the user entered during onboarding.
type Answers struct {
	FirstName            string            `json:"first_name,omitempty"`
	FaithTradition       string            `json:"faith_tradition,omitempty"`
	PrayerExperience     string            `json:"prayer_experience,omitempty"`
	Mood                 *Mood             `json:"mood,omitempty"`
	MoodContext          string            `json:"mood_context,omitempty"`
	RelationshipWithGod  string            `json:"relationship_with_god,omitempty"`
	PrayerPeople         []PrayerPerson    `json:"prayer_people,omitempty"`
	Intentions           []PrayerIntention `json:"intentions,omitempty"`
	PrayerNeeds          []string          `json:"prayer_needs,omitempty"`
	CustomPrayerNeed     string            `json:"custom_prayer_need,omitempty"`
	PrayerStyle          string            `json:"prayer_style,omitempty"`
	BibleTranslation     string            `json:"bible_translation,omitempty"`
	Schedule             *PrayerSchedule   `json:"schedule,omitempty"`
	RemindersEnabled     *bool             `json:"reminders_enabled,omitempty"`
	NotificationsGranted *bool             `json:"notifications_granted,omitempty"`
	Commitment           string            `json:"commitment,omitempty"`
	StreakGoal           *int              `json:"streak_goal,omitempty"`
	GeneratedPrayer      *GeneratedPrayer  `json:"generated_prayer,omitempty"`
	PrayerFeedback       string            `json:"prayer_feedback,omitempty"`
	SubscriptionPlan     string            `json:"subscription_plan,omitempty"`
	Email                string            `json:"email,omitempty"`
}

// ErrorState describes why the machine is in the error state and where it came from.
type ErrorState struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	Recoverable   bool      `json:"recoverable"`
	RetryCount    int       `json:"retry_count"`
	PreviousState State     `json:"previous_state"`
	Timestamp     time.Time `json:"timestamp"`
}

// OnboardingContext is the canonical mutable onboarding state.
type OnboardingContext struct {
	CurrentState   State       `json:"current_state"`
	PreviousState  State       `json:"previous_state,omitempty"`
	CompletedSteps []State     `json:"completed_steps"`
	ErrorState     *ErrorState `json:"error_state,omitempty"`

	Answers

	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	LastActivity     time.Time         `json:"last_activity"`
	NavigationParams map[string]string `json:"navigation_params,omitempty"`
}

// NewOnboardingContext returns a fresh context positioned on the welcome step.
func NewOnboardingContext(now time.Time) OnboardingContext {
	return OnboardingContext{
		CurrentState:   StateWelcome,
		CompletedSteps: []State{StateWelcome},
		SessionID:      uuid.NewString(),
		StartedAt:      now,
		LastActivity:   now,
	}
}

// HasCompleted reports whether s appears in CompletedSteps.
func (c *OnboardingContext) HasCompleted(s State) bool {
	for _, done := range c.CompletedSteps {
		if done == s {
			return true
		}
	}
	return false
}

// MarkCompleted appends s to CompletedSteps unless it is error or already present.
func (c *OnboardingContext) MarkCompleted(s State) {
	if s == StateError || s == "" || c.HasCompleted(s) {
		return
	}
	c.CompletedSteps = append(c.CompletedSteps, s)
}

// LastCompleted returns the most recently visited non-error step, or welcome.
func (c *OnboardingContext) LastCompleted() State {
	for i := len(c.CompletedSteps) - 1; i >= 0; i-- {
		if s := c.CompletedSteps[i]; s.Valid() && s != StateError {
			return s
		}
	}
	return StateWelcome
}

// Clone returns a deep copy of the context.
func (c OnboardingContext) Clone() OnboardingContext {
	out := c
	out.CompletedSteps = append([]State(nil), c.CompletedSteps...)
	if c.ErrorState != nil {
		es := *c.ErrorState
		out.ErrorState = &es
	}
	if c.NavigationParams != nil {
		out.NavigationParams = make(map[string]string, len(c.NavigationParams))
		for k, v := range c.NavigationParams {
			out.NavigationParams[k] = v
		}
	}
	out.Answers = c.Answers.Clone()
	return out
}

// Clone returns a deep copy of the answers.
func (a Answers) Clone() Answers {
	out := a
	if a.Mood != nil {
		m := *a.Mood
		out.Mood = &m
	}
	out.PrayerPeople = append([]PrayerPerson(nil), a.PrayerPeople...)
	out.Intentions = append([]PrayerIntention(nil), a.Intentions...)
	out.PrayerNeeds = append([]string(nil), a.PrayerNeeds...)
	if a.Schedule != nil {
		s := PrayerSchedule{
			Times: append([]string(nil), a.Schedule.Times...),
			Days:  append([]string(nil), a.Schedule.Days...),
		}
		out.Schedule = &s
	}
	if a.RemindersEnabled != nil {
		v := *a.RemindersEnabled
		out.RemindersEnabled = &v
	}
	if a.NotificationsGranted != nil {
		v := *a.NotificationsGranted
		out.NotificationsGranted = &v
	}
	if a.StreakGoal != nil {
		v := *a.StreakGoal
		out.StreakGoal = &v
	}
	if a.GeneratedPrayer != nil {
		g := *a.GeneratedPrayer
		out.GeneratedPrayer = &g
	}
	return out
}

// MergeAnswers applies a JSON-shaped patch onto the answers. Keys not present in
// the patch keep their current values; keys present replace the whole value.
// Unknown keys are rejected.
func (a *Answers) MergeAnswers(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	known := answerFields()
	for k := range patch {
		if _, ok := known[k]; !ok {
			return fmt.Errorf("%w %q", ErrUnknownAnswer, k)
		}
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode answer patch: %w", err)
	}
	merged := a.Clone()
	merged.clearPatched(patch)
	if err := json.Unmarshal(raw, &merged); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	*a = merged
	return nil
}

// clearPatched drops the pointer fields named in patch so decoding replaces
// them instead of merging into the old value.
func (a *Answers) clearPatched(patch map[string]any) {
	for k := range patch {
		switch k {
		case "mood":
			a.Mood = nil
		case "schedule":
			a.Schedule = nil
		case "reminders_enabled":
			a.RemindersEnabled = nil
		case "notifications_granted":
			a.NotificationsGranted = nil
		case "streak_goal":
			a.StreakGoal = nil
		case "generated_prayer":
			a.GeneratedPrayer = nil
		}
	}
}

// Fields returns the answers as a JSON-shaped map, omitting empty values.
func (a Answers) Fields() map[string]any {
	raw, err := json.Marshal(a)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func answerFields() map[string]struct{} {
	return map[string]struct{}{
		"first_name": {}, "faith_tradition": {}, "prayer_experience": {}, "mood": {},
		"mood_context": {}, "relationship_with_god": {}, "prayer_people": {},
		"intentions": {}, "prayer_needs": {}, "custom_prayer_need": {}, "prayer_style": {},
		"bible_translation": {}, "schedule": {}, "reminders_enabled": {},
		"notifications_granted": {}, "commitment": {}, "streak_goal": {},
		"generated_prayer": {}, "prayer_feedback": {}, "subscription_plan": {}, "email": {},
	}
}

// StepFields lists the answer fields each step collects.
var StepFields = map[State][]string{
	StateFirstName:              {"first_name"},
	StateFaithTradition:         {"faith_tradition"},
	StatePrayerExperience:       {"prayer_experience"},
	StateMood:                   {"mood"},
	StateMoodContext:            {"mood_context"},
	StateRelationshipWithGod:    {"relationship_with_god"},
	StateAddPrayerPeople:        {"prayer_people"},
	StatePrayerPeopleIntentions: {"intentions"},
	StatePrayerNeeds:            {"prayer_needs"},
	StateCustomPrayerNeed:       {"custom_prayer_need"},
	StatePrayerStyle:            {"prayer_style"},
	StateBibleTranslation:       {"bible_translation"},
	StatePrayerSchedule:         {"schedule"},
	StatePrayerReminders:        {"reminders_enabled"},
	StateNotificationPermission: {"notifications_granted"},
	StateCommitment:             {"commitment"},
	StateStreakGoal:             {"streak_goal"},
	StatePrayerGeneration:       {"generated_prayer"},
	StateFirstPrayer:            {"generated_prayer"},
	StatePrayerFeedback:         {"prayer_feedback"},
	StatePaywall:                {"subscription_plan"},
	StateAccountCreation:        {"email"},
}
