// Package backend defines the narrow interfaces PrayerPipe consumes from its
// backend-as-a-service collaborator: session/auth, row-level CRUD on entity tables,
// and server-driven flow definitions.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/flowdef"
)

// Entity tables used by the onboarding core.
const (
	TableProfiles           = "profiles"
	TablePrayerPeople       = "prayer_people"
	TablePrayerIntentions   = "prayer_intentions"
	TableOnboardingSessions = "onboarding_sessions"
	TableAnalyticsEvents    = "analytics_events"
)

// Tables lists every table the core writes to.
func Tables() []string {
	return []string{TableProfiles, TablePrayerPeople, TablePrayerIntentions, TableOnboardingSessions, TableAnalyticsEvents}
}

var (
	// ErrOffline is returned when the backend cannot be reached.
	ErrOffline = errors.New("backend unreachable: network offline")
	// ErrNotFound is returned when a row or flow does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated is returned when no valid session exists.
	ErrUnauthenticated = errors.New("no authenticated session")
	// ErrUnknownTable is returned for writes to tables outside Tables().
	ErrUnknownTable = errors.New("unknown table")
)

// Record is a row payload. The "id" and "user_id" keys are reserved.
type Record map[string]any

// ID returns the record id, or "".
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// User is the authenticated backend user.
type User struct {
	ID          string `json:"id"`
	IsAnonymous bool   `json:"is_anonymous"`
	Email       string `json:"email,omitempty"`
}

// Session is an authenticated backend session.
type Session struct {
	User      User      `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Auth is the session/auth surface of the backend.
type Auth interface {
	// GetUser returns the user of the current session, or ErrUnauthenticated.
	GetUser(ctx context.Context) (*User, error)
	// RefreshSession extends the current session.
	RefreshSession(ctx context.Context) (*Session, error)
	// SignInAnonymously creates a fresh anonymous session.
	SignInAnonymously(ctx context.Context) (*Session, error)
}

// Rows is row-level CRUD on entity tables.
type Rows interface {
	// Insert creates a row and returns it with its id filled in.
	Insert(ctx context.Context, table string, data Record) (Record, error)
	// Update merges data into the row with the given id.
	Update(ctx context.Context, table, id string, data Record) error
	// Delete removes the row with the given id.
	Delete(ctx context.Context, table, id string) error
	// SelectByUser returns the rows owned by userID, oldest first.
	SelectByUser(ctx context.Context, table, userID string) ([]Record, error)
}

// FlowSource serves server-driven flow definitions.
type FlowSource interface {
	// FetchFlow returns the named flow and the user's last known step.
	FetchFlow(ctx context.Context, name, userID string) (*flowdef.Definition, error)
}

// Pinger reports whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProgressRecorder stores the last step a user reached so FetchFlow can report it.
type ProgressRecorder interface {
	RecordFlowProgress(ctx context.Context, userID, flowName, step string) error
}

// Client is the full backend surface.
type Client interface {
	Auth
	Rows
	FlowSource
}

func knownTable(table string) bool {
	for _, t := range Tables() {
		if t == table {
			return true
		}
	}
	return false
}
