// Package backend provides backend implementations for PrayerPipe.
//
// This file implements a PostgreSQL-backed Client. Entity rows are stored as JSONB
// documents keyed by id and owned by user_id.
package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/BTreeMap/PrayerPipe/internal/flowdef"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultSessionTTL is how long a refreshed or anonymous session stays valid.
	DefaultSessionTTL = time.Hour
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time checks for the Postgres backend.
var (
	_ Client           = (*Postgres)(nil)
	_ Pinger           = (*Postgres)(nil)
	_ ProgressRecorder = (*Postgres)(nil)
)

// Postgres is a Client on a PostgreSQL database.
type Postgres struct {
	db *sql.DB

	mu    sync.Mutex
	token string
}

// NewPostgres opens the database at dsn and applies migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	slog.Debug("Postgres.NewPostgres: creating Postgres backend", "DSN_set", dsn != "")
	if dsn == "" {
		slog.Error("Postgres DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &Postgres{db: db}, nil
}

// Ping implements Pinger.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) currentToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// GetUser implements Auth.
func (p *Postgres) GetUser(ctx context.Context) (*User, error) {
	token := p.currentToken()
	if token == "" {
		return nil, ErrUnauthenticated
	}
	var u User
	var email sql.NullString
	var expires time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, is_anonymous, email, expires_at FROM auth_sessions WHERE token = $1`, token,
	).Scan(&u.ID, &u.IsAnonymous, &email, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		slog.Error("Postgres GetUser failed", "error", err)
		return nil, err
	}
	if time.Now().After(expires) {
		return nil, ErrUnauthenticated
	}
	u.Email = email.String
	return &u, nil
}

// RefreshSession implements Auth by rotating the token and extending expiry.
func (p *Postgres) RefreshSession(ctx context.Context) (*Session, error) {
	old := p.currentToken()
	if old == "" {
		return nil, ErrUnauthenticated
	}
	next := uuid.NewString()
	expires := time.Now().Add(DefaultSessionTTL)

	var s Session
	var email sql.NullString
	err := p.db.QueryRowContext(ctx,
		`UPDATE auth_sessions SET token = $1, expires_at = $2 WHERE token = $3
		 RETURNING user_id, is_anonymous, email`,
		next, expires, old,
	).Scan(&s.User.ID, &s.User.IsAnonymous, &email)
	if err == sql.ErrNoRows {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		slog.Error("Postgres RefreshSession failed", "error", err)
		return nil, err
	}
	s.User.Email = email.String
	s.Token = next
	s.ExpiresAt = expires

	p.mu.Lock()
	p.token = next
	p.mu.Unlock()
	return &s, nil
}

// SignInAnonymously implements Auth.
func (p *Postgres) SignInAnonymously(ctx context.Context) (*Session, error) {
	s := Session{
		User:      User{ID: uuid.NewString(), IsAnonymous: true},
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(DefaultSessionTTL),
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token, user_id, is_anonymous, expires_at) VALUES ($1, $2, TRUE, $3)`,
		s.Token, s.User.ID, s.ExpiresAt)
	if err != nil {
		slog.Error("Postgres SignInAnonymously failed", "error", err)
		return nil, err
	}
	p.mu.Lock()
	p.token = s.Token
	p.mu.Unlock()
	slog.Info("Postgres SignInAnonymously succeeded", "userID", s.User.ID)
	return &s, nil
}

// Insert implements Rows.
func (p *Postgres) Insert(ctx context.Context, table string, data Record) (Record, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	row := copyRecord(data)
	id := row.ID()
	if id == "" {
		id = uuid.NewString()
		row["id"] = id
	}
	userID, _ := row["user_id"].(string)
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s row: %w", table, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, data, created_at, updated_at) VALUES ($1, $2, $3, NOW(), NOW())`,
		pq.QuoteIdentifier(table))
	if _, err := p.db.ExecContext(ctx, query, id, nullIfEmpty(userID), payload); err != nil {
		slog.Error("Postgres Insert failed", "error", err, "table", table, "id", id)
		return nil, fmt.Errorf("insert into %s failed: %w", table, err)
	}
	slog.Debug("Postgres Insert succeeded", "table", table, "id", id)
	return row, nil
}

// Update implements Rows with a JSONB merge.
func (p *Postgres) Update(ctx context.Context, table, id string, data Record) error {
	if !knownTable(table) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	patch := copyRecord(data)
	delete(patch, "id")
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode %s patch: %w", table, err)
	}
	query := fmt.Sprintf(`UPDATE %s SET data = data || $1::jsonb, updated_at = NOW() WHERE id = $2`,
		pq.QuoteIdentifier(table))
	res, err := p.db.ExecContext(ctx, query, payload, id)
	if err != nil {
		slog.Error("Postgres Update failed", "error", err, "table", table, "id", id)
		return fmt.Errorf("update %s failed: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// Delete implements Rows.
func (p *Postgres) Delete(ctx context.Context, table, id string) error {
	if !knownTable(table) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pq.QuoteIdentifier(table))
	if _, err := p.db.ExecContext(ctx, query, id); err != nil {
		slog.Error("Postgres Delete failed", "error", err, "table", table, "id", id)
		return fmt.Errorf("delete from %s failed: %w", table, err)
	}
	return nil
}

// SelectByUser implements Rows.
func (p *Postgres) SelectByUser(ctx context.Context, table, userID string) ([]Record, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	query := fmt.Sprintf(`SELECT data FROM %s WHERE user_id = $1 ORDER BY created_at ASC`, pq.QuoteIdentifier(table))
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Error("Postgres SelectByUser query failed", "error", err, "table", table)
		return nil, fmt.Errorf("select from %s failed: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			slog.Error("Postgres SelectByUser: corrupt row skipped", "error", err, "table", table)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table, err)
	}
	return out, nil
}

// FetchFlow implements FlowSource.
func (p *Postgres) FetchFlow(ctx context.Context, name, userID string) (*flowdef.Definition, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT flow_version, id, step_order, screen_type, config, tracking_event_name, skippable
		 FROM flow_steps WHERE flow_name = $1 ORDER BY step_order ASC`, name)
	if err != nil {
		slog.Error("Postgres FetchFlow query failed", "error", err, "flow", name)
		return nil, fmt.Errorf("fetch flow %s failed: %w", name, err)
	}
	defer rows.Close()

	def := &flowdef.Definition{Name: name}
	for rows.Next() {
		var s flowdef.Step
		var cfg []byte
		var tracking sql.NullString
		if err := rows.Scan(&def.Version, &s.ID, &s.StepOrder, &s.ScreenType, &cfg, &tracking, &s.Skippable); err != nil {
			return nil, fmt.Errorf("failed to scan flow step: %w", err)
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &s.Config); err != nil {
				slog.Warn("Postgres FetchFlow: bad step config ignored", "flow", name, "step", s.ID, "error", err)
			}
		}
		s.TrackingEventName = tracking.String
		def.Steps = append(def.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow steps: %w", err)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("flow %s: %w", name, ErrNotFound)
	}

	if userID != "" {
		var last string
		err := p.db.QueryRowContext(ctx,
			`SELECT last_step FROM user_flow_progress WHERE user_id = $1 AND flow_name = $2`, userID, name,
		).Scan(&last)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("fetch flow progress failed: %w", err)
		}
		def.LastStep = last
	}
	return def, nil
}

// RecordFlowProgress stores the user's last step for continuation.
func (p *Postgres) RecordFlowProgress(ctx context.Context, userID, flowName, step string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_flow_progress (user_id, flow_name, last_step, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id, flow_name) DO UPDATE SET last_step = EXCLUDED.last_step, updated_at = NOW()`,
		userID, flowName, step)
	if err != nil {
		return fmt.Errorf("record flow progress failed: %w", err)
	}
	return nil
}

// nullIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
