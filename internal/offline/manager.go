// Package offline queues backend writes that cannot be applied right now and
// replays them when connectivity returns.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
)

// ErrSyncInProgress is returned when a sync pass is requested while one is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// OperationFunc performs a backend write directly.
type OperationFunc func(ctx context.Context) (backend.Record, error)

// OperationResult reports how ExecuteOperation handled a write. A queued write
// counts as handled: Success and Queued are both set.
type OperationResult struct {
	Success bool
	Data    backend.Record
	Queued  bool
	Op      *models.OfflineOperation
	Err     error
}

// SyncReport partitions the operations seen by one sync pass.
type SyncReport struct {
	Synced   int
	Retrying int
	Failed   []models.SyncConflict
	Skipped  bool
}

// Backoff returns the delay before retry n (0-based).
type Backoff func(n int) time.Duration

// MaxBackoff caps DefaultBackoff.
const MaxBackoff = time.Hour

// DefaultBackoff doubles from 10s: 10s, 20s, 40s, ... up to MaxBackoff.
func DefaultBackoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 16 {
		return MaxBackoff
	}
	if d := time.Duration(10*(1<<n)) * time.Second; d < MaxBackoff {
		return d
	}
	return MaxBackoff
}

// Opts configures a Manager.
type Opts struct {
	Now     func() time.Time
	Backoff Backoff
}

// Option configures a Manager.
type Option func(*Opts)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithBackoff overrides the retry backoff.
func WithBackoff(b Backoff) Option {
	return func(o *Opts) { o.Backoff = b }
}

// Manager runs writes against the backend when online and queues them otherwise.
type Manager struct {
	rows    backend.Rows
	network lifecycle.Network
	queue   *Queue
	now     func() time.Time
	backoff Backoff

	mu      sync.Mutex
	syncing bool
}

// NewManager creates a Manager.
func NewManager(rows backend.Rows, network lifecycle.Network, queue *Queue, opts ...Option) *Manager {
	cfg := Opts{Now: time.Now, Backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{rows: rows, network: network, queue: queue, now: cfg.Now, backoff: cfg.Backoff}
}

// Queue returns the underlying queue.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// IsOnline reports the current connectivity.
func (m *Manager) IsOnline() bool {
	return m.network == nil || m.network.IsOnline()
}

// ExecuteOperation runs fn when online. Network failures, or being offline, queue the
// fallback operation instead. Other failures are returned to the caller untouched.
// A nil fallback means the write is not worth queueing.
func (m *Manager) ExecuteOperation(ctx context.Context, fn OperationFunc, fallback *models.OfflineOperation) OperationResult {
	if m.IsOnline() {
		data, err := fn(ctx)
		if err == nil {
			return OperationResult{Success: true, Data: data}
		}
		if !IsNetworkError(err) {
			slog.Error("Manager.ExecuteOperation: operation failed", "error", err)
			return OperationResult{Err: err}
		}
		slog.Warn("Manager.ExecuteOperation: network failure, queueing", "error", err)
		return m.queueFallback(ctx, fallback, err)
	}
	slog.Debug("Manager.ExecuteOperation: offline, queueing")
	return m.queueFallback(ctx, fallback, backend.ErrOffline)
}

func (m *Manager) queueFallback(ctx context.Context, fallback *models.OfflineOperation, cause error) OperationResult {
	if fallback == nil {
		return OperationResult{Err: cause}
	}
	op, err := m.queue.Enqueue(ctx, *fallback)
	if err != nil {
		slog.Error("Manager.queueFallback: enqueue failed", "error", err)
		return OperationResult{Err: fmt.Errorf("queue offline operation: %w", err)}
	}
	return OperationResult{Success: true, Queued: true, Op: &op}
}

// Enqueue queues op without attempting it.
func (m *Manager) Enqueue(ctx context.Context, op models.OfflineOperation) (models.OfflineOperation, error) {
	return m.queue.Enqueue(ctx, op)
}

// Apply performs op against the backend.
func (m *Manager) Apply(ctx context.Context, op models.OfflineOperation) error {
	switch op.Type {
	case models.OperationCreate:
		data := backend.Record{}
		for k, v := range op.Data {
			data[k] = v
		}
		if op.RecordID != "" {
			data["id"] = op.RecordID
		}
		_, err := m.rows.Insert(ctx, op.Table, data)
		if err != nil && op.RecordID != "" && IsDuplicateError(err) {
			// Replays are at-least-once; an existing row is updated in place.
			return m.rows.Update(ctx, op.Table, op.RecordID, backend.Record(op.Data))
		}
		return err
	case models.OperationUpdate:
		if op.RecordID == "" {
			return fmt.Errorf("update on %s without record id", op.Table)
		}
		return m.rows.Update(ctx, op.Table, op.RecordID, backend.Record(op.Data))
	case models.OperationDelete:
		if op.RecordID == "" {
			return fmt.Errorf("delete on %s without record id", op.Table)
		}
		return m.rows.Delete(ctx, op.Table, op.RecordID)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// Sync replays a snapshot of the queue. Operations queued during the pass wait for
// the next one. A network failure ends the pass early; the remaining operations are
// left untouched. Operations that exhaust MaxRetries, or fail with a non-network
// error, are removed and reported as conflicts.
func (m *Manager) Sync(ctx context.Context) (SyncReport, error) {
	if !m.IsOnline() {
		return SyncReport{Skipped: true}, nil
	}
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		slog.Debug("Manager.Sync: sync already running")
		return SyncReport{Skipped: true}, ErrSyncInProgress
	}
	m.syncing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	snapshot, err := m.queue.List(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	if len(snapshot) == 0 {
		return SyncReport{}, nil
	}
	slog.Debug("Manager.Sync: starting pass", "operations", len(snapshot))

	var report SyncReport
	var synced []string
	now := m.now()
	for i, op := range snapshot {
		if op.NextAttemptAt != nil && now.Before(*op.NextAttemptAt) {
			report.Retrying++
			continue
		}
		err := m.Apply(ctx, op)
		if err == nil {
			synced = append(synced, op.ID)
			report.Synced++
			continue
		}

		network := IsNetworkError(err)
		op.RetryCount++
		op.LastError = err.Error()
		if !network || op.RetryCount >= op.MaxRetries {
			reason := fmt.Sprintf("max retries exceeded: %v", err)
			if !network {
				reason = fmt.Sprintf("rejected by backend: %v", err)
			}
			conflict := models.SyncConflict{Operation: op, Reason: reason, Timestamp: now}
			report.Failed = append(report.Failed, conflict)
			synced = append(synced, op.ID)
			if cerr := m.queue.RecordConflict(ctx, conflict); cerr != nil {
				slog.Error("Manager.Sync: failed to record conflict", "id", op.ID, "error", cerr)
			}
			slog.Warn("Manager.Sync: operation dropped", "id", op.ID, "table", op.Table, "reason", reason)
		} else {
			next := now.Add(m.backoff(op.RetryCount - 1))
			op.NextAttemptAt = &next
			if uerr := m.queue.Update(ctx, op); uerr != nil {
				slog.Error("Manager.Sync: failed to reschedule", "id", op.ID, "error", uerr)
			}
			report.Retrying++
		}
		if network {
			report.Retrying += len(snapshot) - i - 1
			slog.Info("Manager.Sync: network failure, ending pass", "remaining", len(snapshot)-i-1)
			break
		}
	}

	if len(synced) > 0 {
		if err := m.queue.Remove(ctx, synced...); err != nil {
			return report, fmt.Errorf("failed to remove synced operations: %w", err)
		}
	}
	slog.Info("Manager.Sync: pass complete", "synced", report.Synced, "retrying", report.Retrying, "failed", len(report.Failed))
	return report, nil
}

// Pending returns the queued operations.
func (m *Manager) Pending(ctx context.Context) ([]models.OfflineOperation, error) {
	return m.queue.List(ctx)
}

// Conflicts returns the operations dropped by past sync passes.
func (m *Manager) Conflicts(ctx context.Context) ([]models.SyncConflict, error) {
	return m.queue.Conflicts(ctx)
}
