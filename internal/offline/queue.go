package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

// Default keys in the local store.
const (
	DefaultQueueKey     = store.NamespaceOffline + "queue"
	DefaultConflictsKey = store.NamespaceOffline + "conflicts"
)

// MaxConflicts bounds the persisted conflict log; older entries are dropped first.
const MaxConflicts = 100

// Queue is a FIFO of offline operations persisted as one JSON document in the local
// store. Every call reads the persisted copy, so operations queued while a sync pass
// is running are kept.
type Queue struct {
	mu           sync.Mutex
	store        store.Store
	key          string
	conflictsKey string
	now          func() time.Time
}

// NewQueue creates a queue on st using the default keys.
func NewQueue(st store.Store, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{store: st, key: DefaultQueueKey, conflictsKey: DefaultConflictsKey, now: now}
}

func (q *Queue) load(ctx context.Context) ([]models.OfflineOperation, error) {
	var ops []models.OfflineOperation
	if _, err := store.GetJSON(ctx, q.store, q.key, &ops); err != nil {
		return nil, fmt.Errorf("failed to load offline queue: %w", err)
	}
	return ops, nil
}

func (q *Queue) save(ctx context.Context, ops []models.OfflineOperation) error {
	if len(ops) == 0 {
		return q.store.Delete(ctx, q.key)
	}
	if err := store.SetJSON(ctx, q.store, q.key, ops); err != nil {
		return fmt.Errorf("failed to save offline queue: %w", err)
	}
	return nil
}

// Enqueue appends op, filling ID, Timestamp and MaxRetries when unset.
func (q *Queue) Enqueue(ctx context.Context, op models.OfflineOperation) (models.OfflineOperation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = q.now()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = models.DefaultMaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return op, err
	}
	ops = append(ops, op)
	if err := q.save(ctx, ops); err != nil {
		return op, err
	}
	slog.Debug("Queue.Enqueue: operation queued", "id", op.ID, "type", op.Type, "table", op.Table, "length", len(ops))
	return op, nil
}

// List returns the queued operations in FIFO order.
func (q *Queue) List(ctx context.Context) ([]models.OfflineOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	ops, err := q.List(ctx)
	return len(ops), err
}

// Remove drops the operations with the given ids.
func (q *Queue) Remove(ctx context.Context, ids ...string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	kept := ops[:0]
	for _, op := range ops {
		if !drop[op.ID] {
			kept = append(kept, op)
		}
	}
	return q.save(ctx, kept)
}

// Update replaces the queued operation with the same ID. Missing operations are ignored.
func (q *Queue) Update(ctx context.Context, op models.OfflineOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	for i := range ops {
		if ops[i].ID == op.ID {
			ops[i] = op
			return q.save(ctx, ops)
		}
	}
	return nil
}

// Clear removes every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, q.key)
}

// RecordConflict appends c to the persisted conflict log.
func (q *Queue) RecordConflict(ctx context.Context, c models.SyncConflict) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var conflicts []models.SyncConflict
	if _, err := store.GetJSON(ctx, q.store, q.conflictsKey, &conflicts); err != nil {
		slog.Warn("Queue.RecordConflict: discarding unreadable conflict log", "error", err)
		conflicts = nil
	}
	conflicts = append(conflicts, c)
	if len(conflicts) > MaxConflicts {
		conflicts = conflicts[len(conflicts)-MaxConflicts:]
	}
	return store.SetJSON(ctx, q.store, q.conflictsKey, conflicts)
}

// Conflicts returns the persisted conflict log, oldest first.
func (q *Queue) Conflicts(ctx context.Context) ([]models.SyncConflict, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var conflicts []models.SyncConflict
	if _, err := store.GetJSON(ctx, q.store, q.conflictsKey, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// ClearConflicts empties the conflict log.
func (q *Queue) ClearConflicts(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, q.conflictsKey)
}
