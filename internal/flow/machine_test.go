package flow

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/models"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// fullAnswers satisfies every step validation.
func fullAnswers() models.Answers {
	return models.Answers{
		FirstName:           "Ruth",
		FaithTradition:      "protestant",
		Mood:                &models.Mood{ID: "happy", Emoji: ":)", Label: "Happy"},
		RelationshipWithGod: "growing",
		PrayerPeople:        []models.PrayerPerson{{ID: "p1", Name: "Anna"}},
		Intentions:          []models.PrayerIntention{{ID: "i1", PersonID: "p1", Category: "health"}},
		PrayerNeeds:         []string{"peace"},
		PrayerStyle:         "conversational",
		Schedule:            &models.PrayerSchedule{Times: []string{"07:00"}},
		Commitment:          "daily",
		StreakGoal:          intPtr(7),
		Email:               "ruth@example.com",
	}
}

func machineAt(state models.State, answers models.Answers, opts ...Option) *Machine {
	c := models.NewOnboardingContext(testNow)
	c.CurrentState = state
	c.MarkCompleted(state)
	c.Answers = answers
	return NewMachine(append([]Option{WithNow(fixedNow), WithInitialContext(c)}, opts...)...)
}

func TestCanTransitionMatchesValidation(t *testing.T) {
	for _, tr := range DefaultTransitions(TransitionDeps{Now: fixedNow}) {
		if tr.Condition != nil {
			continue
		}
		for name, answers := range map[string]models.Answers{"empty": {}, "full": fullAnswers()} {
			m := machineAt(tr.From, answers)
			c := m.Context()
			want := len(tr.validate(&c)) == 0
			if got := m.CanTransitionTo(tr.To); got != want {
				t.Errorf("%s %s -> %s: CanTransitionTo = %v, want %v", name, tr.From, tr.To, got, want)
			}
		}
	}
}

func TestHappyPathReachesComplete(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(WithNow(fixedNow))
	m.UpdateContext(func(c *models.OnboardingContext) { c.Answers = fullAnswers() })

	states := models.OnboardingStates()
	for _, s := range states[1:] {
		res := m.TransitionTo(ctx, s)
		if !res.Valid {
			t.Fatalf("transition to %s failed: %v", s, res.Errors)
		}
	}
	got := m.Context()
	if got.CurrentState != models.StateComplete {
		t.Fatalf("CurrentState = %s", got.CurrentState)
	}
	if !reflect.DeepEqual(got.CompletedSteps, states) {
		t.Errorf("CompletedSteps = %v\nwant %v", got.CompletedSteps, states)
	}
	if got.GeneratedPrayer == nil || got.GeneratedPrayer.Source != "template" {
		t.Errorf("expected template prayer, got %+v", got.GeneratedPrayer)
	}
	if got.NavigationParams["completed_at"] == "" {
		t.Error("completion action did not set navigation params")
	}
}

func TestValidationFailureLeavesContextUnchanged(t *testing.T) {
	m := machineAt(models.StateMood, models.Answers{})
	before := m.Context()
	res := m.TransitionTo(context.Background(), models.StateMoodContext)
	if res.Valid || len(res.Errors) == 0 {
		t.Fatalf("expected validation failure, got %+v", res)
	}
	if !errors.Is(res.Err(), ErrInvalidTransition) {
		t.Errorf("Err() = %v", res.Err())
	}
	if !reflect.DeepEqual(before, m.Context()) {
		t.Error("context changed after failed validation")
	}
}

func TestRetryAfterSuccessIsRejected(t *testing.T) {
	ctx := context.Background()
	m := machineAt(models.StateMood, fullAnswers())
	if res := m.TransitionTo(ctx, models.StateMoodContext); !res.Valid {
		t.Fatalf("first transition failed: %v", res.Errors)
	}
	after := m.Context()
	if after.NavigationParams["mood"] != "happy" {
		t.Errorf("mood action params = %v", after.NavigationParams)
	}
	res := m.TransitionTo(ctx, models.StateMoodContext)
	if res.Valid {
		t.Fatal("second transition should be rejected")
	}
	if !reflect.DeepEqual(after, m.Context()) {
		t.Error("rejected retry mutated context")
	}
}

func TestFailAndRecover(t *testing.T) {
	ctx := context.Background()
	m := machineAt(models.StateMood, fullAnswers())

	if m.CanTransitionTo(models.StateError) {
		t.Fatal("error edge must be gated on a pending error")
	}
	if res := m.Fail("ACTION_FAILED", "boom", true); !res.Valid {
		t.Fatalf("Fail: %v", res.Errors)
	}
	c := m.Context()
	if c.CurrentState != models.StateError || c.ErrorState.PreviousState != models.StateMood || !c.ErrorState.Recoverable {
		t.Fatalf("unexpected error context: %+v %+v", c.CurrentState, c.ErrorState)
	}
	for _, s := range c.CompletedSteps {
		if s == models.StateError {
			t.Fatal("CompletedSteps contains error")
		}
	}

	m.Fail("ACTION_FAILED", "boom again", true)
	if rc := m.Context().ErrorState.RetryCount; rc != 1 {
		t.Errorf("RetryCount = %d, want 1", rc)
	}

	if m.CanTransitionTo(models.StateFirstName) {
		t.Error("recover edge to an unrelated step must not exist")
	}
	res := m.Recover(ctx)
	if !res.Valid || res.Kind != models.TransitionRecover {
		t.Fatalf("Recover = %+v", res)
	}
	c = m.Context()
	if c.CurrentState != models.StateMood || c.ErrorState != nil || c.Mood.ID != "happy" {
		t.Errorf("after recover: %s %+v %+v", c.CurrentState, c.ErrorState, c.Mood)
	}
}

func TestRecoverRejectsUnrecoverable(t *testing.T) {
	m := machineAt(models.StateFirstName, models.Answers{})
	m.Fail("CORRUPT", "bad data", false)
	res := m.Recover(context.Background())
	if res.Valid {
		t.Fatal("unrecoverable error must not recover")
	}
	if m.Current() != models.StateError {
		t.Errorf("state = %s", m.Current())
	}
}

func TestFailFromCompleteIsRejected(t *testing.T) {
	m := machineAt(models.StateComplete, models.Answers{})
	if res := m.Fail("X", "y", true); res.Valid {
		t.Error("complete has no error edge")
	}
	if m.Current() != models.StateComplete {
		t.Errorf("state = %s", m.Current())
	}
}

type failingGenerator struct{}

func (failingGenerator) GeneratePrayer(ctx context.Context, a models.Answers) (*models.GeneratedPrayer, error) {
	return nil, errors.New("model unavailable")
}

func TestActionFailureAbortsTransition(t *testing.T) {
	table := DefaultTransitions(TransitionDeps{Generator: failingGenerator{}, Now: fixedNow})
	m := machineAt(models.StatePrayerGeneration, fullAnswers(), WithTransitions(table))
	before := m.Context()
	res := m.TransitionTo(context.Background(), models.StateFirstPrayer)
	if res.Valid || res.ActionErr == nil {
		t.Fatalf("expected action failure, got %+v", res)
	}
	if !reflect.DeepEqual(before, m.Context()) {
		t.Error("failed action mutated context")
	}
}

func TestGoBackPrefersVisitedStep(t *testing.T) {
	ctx := context.Background()
	m := machineAt(models.StatePrayerPeopleIntro, fullAnswers())
	if res := m.TransitionTo(ctx, models.StatePrayerNeeds); !res.Valid || res.Kind != models.TransitionSkip {
		t.Fatalf("skip = %+v", res)
	}
	if got := m.BackTarget(); got != models.StatePrayerPeopleIntro {
		t.Errorf("BackTarget = %s", got)
	}
	if res := m.GoBack(ctx); !res.Valid || m.Current() != models.StatePrayerPeopleIntro {
		t.Errorf("GoBack = %+v, state %s", res, m.Current())
	}

	w := NewMachine(WithNow(fixedNow))
	if res := w.GoBack(ctx); res.Valid {
		t.Error("welcome cannot go back")
	}
}

func TestSkipTarget(t *testing.T) {
	cases := []struct {
		state   models.State
		answers models.Answers
		want    models.State
	}{
		{models.StateMood, models.Answers{}, ""},
		{models.StateMoodContext, models.Answers{}, models.StateRelationshipWithGod},
		{models.StatePrayerPeopleIntro, models.Answers{}, models.StatePrayerNeeds},
		{models.StatePrayerReminders, models.Answers{}, models.StateNotificationPermission},
		{models.StatePrayerReminders, models.Answers{RemindersEnabled: boolPtr(false)}, models.StateCommitment},
	}
	for _, tc := range cases {
		m := machineAt(tc.state, tc.answers)
		if got := m.SkipTarget(); got != tc.want {
			t.Errorf("SkipTarget(%s) = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestNextState(t *testing.T) {
	if got := machineAt(models.StateSummary, models.Answers{}).NextState(); got != models.StateComplete {
		t.Errorf("NextState(summary) = %s", got)
	}
	if got := machineAt(models.StateComplete, models.Answers{}).NextState(); got != "" {
		t.Errorf("NextState(complete) = %s", got)
	}
}

func TestSubscribeResetAndForce(t *testing.T) {
	m := machineAt(models.StateMood, fullAnswers())
	var seen []models.State
	unsub := m.Subscribe(func(c models.OnboardingContext) { seen = append(seen, c.CurrentState) })

	if err := m.ForceState(models.StatePaywall); err != nil {
		t.Fatalf("ForceState: %v", err)
	}
	if err := m.ForceState(models.StateError); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ForceState(error) = %v", err)
	}
	oldSession := m.Context().SessionID
	m.Reset()
	unsub()
	m.UpdateContext(func(c *models.OnboardingContext) { c.FirstName = "x" })

	if len(seen) != 2 || seen[0] != models.StatePaywall || seen[1] != models.StateWelcome {
		t.Errorf("listener saw %v", seen)
	}
	c := m.Context()
	if c.SessionID == oldSession || len(c.CompletedSteps) != 1 {
		t.Errorf("Reset did not start a new session: %+v", c)
	}
}

func TestRestoreReplacesContext(t *testing.T) {
	m := NewMachine(WithNow(fixedNow))
	c := models.NewOnboardingContext(testNow)
	c.CurrentState = models.StatePrayerStyle
	c.Answers = fullAnswers()
	m.Restore(c)
	if got := m.Context(); !reflect.DeepEqual(got, c) {
		t.Errorf("Restore mismatch:\n got %+v\nwant %+v", got, c)
	}
}
