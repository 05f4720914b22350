// Package models defines the onboarding states and shared record types used across PrayerPipe.
package models

// State represents a single step of the onboarding funnel.
type State string

// TransitionKind classifies a declared edge between two states.
type TransitionKind string

// Onboarding step constants, in canonical funnel order.
const (
	StateWelcome                State = "welcome"
	StateSignIn                 State = "sign_in"
	StateFirstName              State = "first_name"
	StateFaithTradition         State = "faith_tradition"
	StatePrayerExperience       State = "prayer_experience"
	StateMood                   State = "mood"
	StateMoodContext            State = "mood_context"
	StateRelationshipWithGod    State = "relationship_with_god"
	StatePrayerPeopleIntro      State = "prayer_people_intro"
	StateAddPrayerPeople        State = "add_prayer_people"
	StatePrayerPeopleIntentions State = "prayer_people_intentions"
	StatePrayerNeeds            State = "prayer_needs"
	StateCustomPrayerNeed       State = "custom_prayer_need"
	StatePrayerStyle            State = "prayer_style"
	StateBibleTranslation       State = "bible_translation"
	StatePrayerSchedule         State = "prayer_schedule"
	StatePrayerReminders        State = "prayer_reminders"
	StateNotificationPermission State = "notification_permission"
	StateCommitment             State = "commitment"
	StateStreakGoal             State = "streak_goal"
	StatePrayerGeneration       State = "prayer_generation"
	StateFirstPrayer            State = "first_prayer"
	StatePrayerFeedback         State = "prayer_feedback"
	StateBenefits               State = "benefits"
	StateSocialProof            State = "social_proof"
	StatePaywall                State = "paywall"
	StateAccountCreation        State = "account_creation"
	StateSummary                State = "summary"
	StateComplete               State = "complete"

	// StateError is outside the ordered funnel; it is entered only through gated error edges.
	StateError State = "error"
)

// Transition kinds.
const (
	TransitionForward TransitionKind = "forward"
	TransitionBack    TransitionKind = "back"
	TransitionSkip    TransitionKind = "skip"
	TransitionError   TransitionKind = "error"
	TransitionRecover TransitionKind = "recover"
)

var orderedStates = []State{
	StateWelcome,
	StateSignIn,
	StateFirstName,
	StateFaithTradition,
	StatePrayerExperience,
	StateMood,
	StateMoodContext,
	StateRelationshipWithGod,
	StatePrayerPeopleIntro,
	StateAddPrayerPeople,
	StatePrayerPeopleIntentions,
	StatePrayerNeeds,
	StateCustomPrayerNeed,
	StatePrayerStyle,
	StateBibleTranslation,
	StatePrayerSchedule,
	StatePrayerReminders,
	StateNotificationPermission,
	StateCommitment,
	StateStreakGoal,
	StatePrayerGeneration,
	StateFirstPrayer,
	StatePrayerFeedback,
	StateBenefits,
	StateSocialProof,
	StatePaywall,
	StateAccountCreation,
	StateSummary,
	StateComplete,
}

var stateIndex = func() map[State]int {
	idx := make(map[State]int, len(orderedStates))
	for i, s := range orderedStates {
		idx[s] = i
	}
	return idx
}()

// OnboardingStates returns the funnel states in canonical order, ending with complete.
func OnboardingStates() []State {
	out := make([]State, len(orderedStates))
	copy(out, orderedStates)
	return out
}

// Valid reports whether s is a known state, including error.
func (s State) Valid() bool {
	if s == StateError {
		return true
	}
	_, ok := stateIndex[s]
	return ok
}

// Index returns the position of s in the funnel, or -1 for error and unknown states.
func (s State) Index() int {
	if i, ok := stateIndex[s]; ok {
		return i
	}
	return -1
}

// IsTerminal reports whether s ends the funnel.
func (s State) IsTerminal() bool {
	return s == StateComplete
}

// Next returns the canonical successor of s, or "" at the end of the funnel.
func (s State) Next() State {
	i := s.Index()
	if i < 0 || i+1 >= len(orderedStates) {
		return ""
	}
	return orderedStates[i+1]
}

// Prev returns the canonical predecessor of s, or "" at the start of the funnel.
func (s State) Prev() State {
	i := s.Index()
	if i <= 0 {
		return ""
	}
	return orderedStates[i-1]
}

// ParseState converts a raw string into a State, accepting dashes for underscores.
func ParseState(raw string) (State, bool) {
	b := []byte(raw)
	for i := range b {
		if b[i] == '-' {
			b[i] = '_'
		}
	}
	s := State(b)
	return s, s.Valid()
}
