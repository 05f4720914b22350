package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PrayerPipe/internal/flowdef"
)

// Compile-time checks for the Memory backend.
var (
	_ Client           = (*Memory)(nil)
	_ Pinger           = (*Memory)(nil)
	_ ProgressRecorder = (*Memory)(nil)
)

type memoryRow struct {
	data Record
	seq  int
}

// Memory is an in-process backend used by tests and local development.
// It can simulate network loss and injected failures.
type Memory struct {
	mu      sync.Mutex
	tables  map[string]map[string]*memoryRow
	seq     int
	session *Session
	offline bool
	failOps map[string]error
	flows   map[string]*flowdef.Definition
	// lastStep tracks per-user continuation reported by FetchFlow.
	lastStep map[string]string
	calls    map[string]int
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	m := &Memory{
		tables:   make(map[string]map[string]*memoryRow),
		failOps:  make(map[string]error),
		flows:    make(map[string]*flowdef.Definition),
		lastStep: make(map[string]string),
		calls:    make(map[string]int),
	}
	for _, t := range Tables() {
		m.tables[t] = make(map[string]*memoryRow)
	}
	return m
}

// SetOffline toggles simulated network loss. While offline every call returns ErrOffline.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailOperation makes the named operation ("insert", "update", "delete", "select",
// "refresh", "anonymous", "get_user", "fetch_flow") return err until cleared with nil.
func (m *Memory) FailOperation(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOps, op)
		return
	}
	m.failOps[op] = err
}

// Calls returns how many times op was attempted.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Count returns the number of rows in table.
func (m *Memory) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// SetSession installs a session directly (tests).
func (m *Memory) SetSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// PutFlow registers a flow definition served by FetchFlow.
func (m *Memory) PutFlow(def *flowdef.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[def.Name] = def
}

// SetLastStep records the continuation step for a user.
func (m *Memory) SetLastStep(userID, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStep[userID] = step
}

// RecordFlowProgress implements ProgressRecorder.
func (m *Memory) RecordFlowProgress(ctx context.Context, userID, flowName, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("record_progress"); err != nil {
		return err
	}
	m.lastStep[userID] = step
	return nil
}

// check must be called with m.mu held.
func (m *Memory) check(op string) error {
	m.calls[op]++
	if m.offline {
		return ErrOffline
	}
	if err, ok := m.failOps[op]; ok {
		return err
	}
	return nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping")
}

// GetUser implements Auth.
func (m *Memory) GetUser(ctx context.Context) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get_user"); err != nil {
		return nil, err
	}
	if m.session == nil || time.Now().After(m.session.ExpiresAt) {
		return nil, ErrUnauthenticated
	}
	u := m.session.User
	return &u, nil
}

// RefreshSession implements Auth.
func (m *Memory) RefreshSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("refresh"); err != nil {
		return nil, err
	}
	if m.session == nil {
		return nil, ErrUnauthenticated
	}
	m.session.ExpiresAt = time.Now().Add(time.Hour)
	m.session.Token = uuid.NewString()
	s := *m.session
	return &s, nil
}

// SignInAnonymously implements Auth.
func (m *Memory) SignInAnonymously(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("anonymous"); err != nil {
		return nil, err
	}
	m.session = &Session{
		User:      User{ID: uuid.NewString(), IsAnonymous: true},
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	slog.Debug("Memory.SignInAnonymously", "userID", m.session.User.ID)
	s := *m.session
	return &s, nil
}

// Insert implements Rows.
func (m *Memory) Insert(ctx context.Context, table string, data Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert"); err != nil {
		return nil, err
	}
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	row := copyRecord(data)
	id := row.ID()
	if id == "" {
		id = uuid.NewString()
		row["id"] = id
	}
	if _, exists := rows[id]; exists {
		return nil, fmt.Errorf("duplicate key value violates unique constraint: %s.%s", table, id)
	}
	m.seq++
	rows[id] = &memoryRow{data: row, seq: m.seq}
	return copyRecord(row), nil
}

// Update implements Rows.
func (m *Memory) Update(ctx context.Context, table, id string, data Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update"); err != nil {
		return err
	}
	rows, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	row, ok := rows[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	for k, v := range data {
		if k == "id" {
			continue
		}
		row.data[k] = v
	}
	return nil
}

// Delete implements Rows.
func (m *Memory) Delete(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete"); err != nil {
		return err
	}
	rows, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	delete(rows, id)
	return nil
}

// SelectByUser implements Rows.
func (m *Memory) SelectByUser(ctx context.Context, table, userID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("select"); err != nil {
		return nil, err
	}
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	var matched []*memoryRow
	for _, r := range rows {
		if owner, _ := r.data["user_id"].(string); owner == userID {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]Record, 0, len(matched))
	for _, r := range matched {
		out = append(out, copyRecord(r.data))
	}
	return out, nil
}

// FetchFlow implements FlowSource.
func (m *Memory) FetchFlow(ctx context.Context, name, userID string) (*flowdef.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("fetch_flow"); err != nil {
		return nil, err
	}
	def, ok := m.flows[name]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", name, ErrNotFound)
	}
	out := *def
	out.Steps = append([]flowdef.Step(nil), def.Steps...)
	out.LastStep = m.lastStep[userID]
	return &out, nil
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
