package models

import "time"

// PreservedStateVersion is bumped whenever the PreservedState layout changes.
const PreservedStateVersion = 1

// PreservedState is a whole-context snapshot written when the app goes to the background.
type PreservedState struct {
	Context           OnboardingContext `json:"context"`
	NavigationHistory []State           `json:"navigation_history"`
	Timestamp         time.Time         `json:"timestamp"`
	SessionID         string            `json:"session_id"`
	Version           int               `json:"version"`
}

// InterruptionState is uncommitted per-screen form data.
type InterruptionState struct {
	Timestamp      time.Time      `json:"timestamp"`
	Screen         string         `json:"screen"`
	FormData       map[string]any `json:"form_data,omitempty"`
	ScrollPosition *float64       `json:"scroll_position,omitempty"`
	ActiveElement  string         `json:"active_element,omitempty"`
}

// RecoveryPoint is a historical snapshot used during cascading recovery.
type RecoveryPoint struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	State      State             `json:"state"`
	Context    OnboardingContext `json:"context"`
	FormData   map[string]any    `json:"form_data,omitempty"`
	ScreenData map[string]any    `json:"screen_data,omitempty"`
	Attempt    int               `json:"attempt"`
}

// CrashRecord is persisted by the fatal-error hook before the process dies.
type CrashRecord struct {
	LastKnownState State             `json:"last_known_state"`
	Context        OnboardingContext `json:"context"`
	CrashTimestamp time.Time         `json:"crash_timestamp"`
	ErrorInfo      string            `json:"error_info"`
	Stack          string            `json:"stack,omitempty"`
}

// OperationType is the kind of mutation carried by an OfflineOperation.
type OperationType string

// Offline operation types.
const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// DefaultMaxRetries bounds retries for queued operations.
const DefaultMaxRetries = 3

// OfflineOperation is a queued backend write awaiting connectivity.
type OfflineOperation struct {
	ID            string         `json:"id"`
	Type          OperationType  `json:"type"`
	Table         string         `json:"table"`
	RecordID      string         `json:"record_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// SyncConflict records an operation that was dropped after exhausting retries.
type SyncConflict struct {
	Operation OfflineOperation `json:"operation"`
	Reason    string           `json:"reason"`
	Timestamp time.Time        `json:"timestamp"`
}
