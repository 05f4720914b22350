// Package repository is the caching and queuing layer between the onboarding state
// machine and the backend. Writes land in the local store first, then go to the
// backend when online, and are queued for later sync when the backend is unreachable.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/PrayerPipe/internal/backend"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/offline"
	"github.com/BTreeMap/PrayerPipe/internal/scheduler"
	"github.com/BTreeMap/PrayerPipe/internal/store"
)

// Defaults for cache lifetime and the background sync interval.
const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultSyncInterval = 30 * time.Second
)

// Local store keys.
const (
	keyOnboardingState = store.NamespaceRepository + "onboarding_state"
	keyPrayerPeople    = store.NamespaceRepository + "prayer_people"
	keyIntentions      = store.NamespaceRepository + "prayer_intentions"
	keyProfile         = store.NamespaceRepository + "profile"
	keyDataPrefix      = store.NamespaceRepository + "data/"
)

// Load sources.
const (
	SourceCache  = "cache"
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// SaveResult reports a write. Err is set only when the local write failed or the
// backend rejected the data; network trouble shows up as Queued.
type SaveResult struct {
	Success bool
	Queued  bool
	ID      string
	Err     error
}

// LoadResult reports where a context was found. Context is nil when nothing was stored.
type LoadResult struct {
	Context *models.OnboardingContext
	Source  string
	Err     error
}

type cacheEntry struct {
	raw     []byte
	expires time.Time
}

// Opts configures a Repository.
type Opts struct {
	Clock        scheduler.Clock
	CacheTTL     time.Duration
	SyncInterval time.Duration
	UserID       string
}

// Option configures a Repository.
type Option func(*Opts)

// WithClock sets the clock used for cache expiry and the sync task.
func WithClock(c scheduler.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithCacheTTL overrides the memory cache lifetime.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = d }
}

// WithSyncInterval overrides the background sync interval.
func WithSyncInterval(d time.Duration) Option {
	return func(o *Opts) { o.SyncInterval = d }
}

// WithUserID sets the backend user owning remote rows.
func WithUserID(id string) Option {
	return func(o *Opts) { o.UserID = id }
}

// Repository implements local-first persistence with eventual remote consistency.
type Repository struct {
	store   store.Store
	rows    backend.Rows
	manager *offline.Manager
	network lifecycle.Network
	clock   scheduler.Clock
	ttl     time.Duration
	every   time.Duration

	mu     sync.Mutex
	cache  map[string]cacheEntry
	userID string

	lifeMu      sync.Mutex
	syncTask    scheduler.Task
	unsubscribe func()
}

// New creates a Repository. The manager must share rows with the repository.
func New(st store.Store, rows backend.Rows, manager *offline.Manager, network lifecycle.Network, opts ...Option) *Repository {
	cfg := Opts{CacheTTL: DefaultCacheTTL, SyncInterval: DefaultSyncInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.Default()
	}
	return &Repository{
		store:   st,
		rows:    rows,
		manager: manager,
		network: network,
		clock:   cfg.Clock,
		ttl:     cfg.CacheTTL,
		every:   cfg.SyncInterval,
		cache:   make(map[string]cacheEntry),
		userID:  cfg.UserID,
	}
}

// SetUserID sets the backend user owning remote rows.
func (r *Repository) SetUserID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userID = id
}

// UserID returns the backend user owning remote rows.
func (r *Repository) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}

func (r *Repository) cachePut(key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{raw: raw, expires: r.clock.Now().Add(r.ttl)}
	r.mu.Unlock()
}

// cacheGet decodes a fresh cache entry into out. Expired entries are evicted.
func (r *Repository) cacheGet(key string, out interface{}) bool {
	r.mu.Lock()
	e, ok := r.cache[key]
	if ok && !r.clock.Now().Before(e.expires) {
		delete(r.cache, key)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(e.raw, out) == nil
}

// InvalidateCache drops every cached value.
func (r *Repository) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// write persists locally then pushes op to the backend, queueing it on network failure.
func (r *Repository) write(ctx context.Context, localKey string, local interface{}, op models.OfflineOperation) SaveResult {
	if err := store.SetJSON(ctx, r.store, localKey, local); err != nil {
		slog.Error("Repository.write: local write failed", "key", localKey, "error", err)
		return SaveResult{Err: fmt.Errorf("local write %s: %w", localKey, err)}
	}
	r.cachePut(localKey, local)

	res := r.manager.ExecuteOperation(ctx, func(ctx context.Context) (backend.Record, error) {
		return nil, r.manager.Apply(ctx, op)
	}, &op)
	switch {
	case res.Queued:
		slog.Debug("Repository.write: remote write queued", "table", op.Table, "id", op.RecordID)
		return SaveResult{Success: true, Queued: true, ID: op.RecordID}
	case res.Success:
		slog.Debug("Repository.write: remote write succeeded", "table", op.Table, "id", op.RecordID)
		return SaveResult{Success: true, ID: op.RecordID}
	default:
		slog.Error("Repository.write: remote write rejected", "table", op.Table, "id", op.RecordID, "error", res.Err)
		return SaveResult{Success: false, ID: op.RecordID, Err: res.Err}
	}
}

// SaveOnboardingState persists c locally and upserts it as an onboarding_sessions row.
func (r *Repository) SaveOnboardingState(ctx context.Context, c models.OnboardingContext) SaveResult {
	if c.SessionID == "" {
		return SaveResult{Err: models.ErrEmptySessionID}
	}
	if c.UserID != "" {
		r.SetUserID(c.UserID)
	}
	data, err := contextRecord(c, r.UserID())
	if err != nil {
		return SaveResult{Err: err}
	}
	op := models.OfflineOperation{
		Type:     models.OperationCreate,
		Table:    backend.TableOnboardingSessions,
		RecordID: c.SessionID,
		Data:     data,
	}
	return r.write(ctx, keyOnboardingState, c, op)
}

func contextRecord(c models.OnboardingContext, userID string) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode onboarding context: %w", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("failed to encode onboarding context: %w", err)
	}
	return map[string]any{
		"user_id":       userID,
		"current_state": string(c.CurrentState),
		"context":       asMap,
		"updated_at":    c.LastActivity.UTC().Format(time.RFC3339Nano),
	}, nil
}

// DecodeSessionRecord extracts the onboarding context from an onboarding_sessions row.
func DecodeSessionRecord(rec backend.Record) (*models.OnboardingContext, error) {
	payload, ok := rec["context"]
	if !ok {
		return nil, fmt.Errorf("session row %s has no context", rec.ID())
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var c models.OnboardingContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("session row %s: %w", rec.ID(), err)
	}
	if !c.CurrentState.Valid() {
		return nil, fmt.Errorf("session row %s: %w: %q", rec.ID(), models.ErrUnknownState, c.CurrentState)
	}
	return &c, nil
}

// LoadOnboardingState returns the context from the memory cache, the local store or
// the backend, in that order.
func (r *Repository) LoadOnboardingState(ctx context.Context) LoadResult {
	var c models.OnboardingContext
	if r.cacheGet(keyOnboardingState, &c) {
		return LoadResult{Context: &c, Source: SourceCache}
	}

	ok, err := store.GetJSON(ctx, r.store, keyOnboardingState, &c)
	if err != nil {
		slog.Error("Repository.LoadOnboardingState: local read failed", "error", err)
	}
	if ok {
		r.cachePut(keyOnboardingState, c)
		return LoadResult{Context: &c, Source: SourceLocal}
	}

	remote, err := r.LoadRemoteSession(ctx)
	if err != nil {
		return LoadResult{Err: err}
	}
	if remote == nil {
		return LoadResult{}
	}
	if err := store.SetJSON(ctx, r.store, keyOnboardingState, remote); err != nil {
		slog.Warn("Repository.LoadOnboardingState: failed to cache remote state locally", "error", err)
	}
	r.cachePut(keyOnboardingState, remote)
	return LoadResult{Context: remote, Source: SourceRemote}
}

// LoadLocalOnboardingState reads the context from the local store only, or nil.
func (r *Repository) LoadLocalOnboardingState(ctx context.Context) (*models.OnboardingContext, error) {
	var c models.OnboardingContext
	ok, err := store.GetJSON(ctx, r.store, keyOnboardingState, &c)
	if err != nil {
		return nil, fmt.Errorf("load local state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// LoadRemoteSession returns the most recently active session stored for the user,
// or nil when offline, unauthenticated or nothing is stored.
func (r *Repository) LoadRemoteSession(ctx context.Context) (*models.OnboardingContext, error) {
	userID := r.UserID()
	if userID == "" || !r.manager.IsOnline() {
		return nil, nil
	}
	rows, err := r.rows.SelectByUser(ctx, backend.TableOnboardingSessions, userID)
	if err != nil {
		if offline.IsNetworkError(err) {
			slog.Warn("Repository.LoadRemoteSession: backend unreachable", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("load remote session: %w", err)
	}
	var best *models.OnboardingContext
	for _, row := range rows {
		c, err := DecodeSessionRecord(row)
		if err != nil {
			slog.Warn("Repository.LoadRemoteSession: skipping bad row", "error", err)
			continue
		}
		if best == nil || c.LastActivity.After(best.LastActivity) {
			best = c
		}
	}
	return best, nil
}

// SavePrayerPerson stores p locally and remotely. An empty ID is generated.
func (r *Repository) SavePrayerPerson(ctx context.Context, p models.PrayerPerson) SaveResult {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var people []models.PrayerPerson
	if _, err := store.GetJSON(ctx, r.store, keyPrayerPeople, &people); err != nil {
		return SaveResult{Err: err}
	}
	people = upsertPerson(people, p)
	op := models.OfflineOperation{
		Type:     models.OperationCreate,
		Table:    backend.TablePrayerPeople,
		RecordID: p.ID,
		Data: map[string]any{
			"user_id":      r.UserID(),
			"name":         p.Name,
			"relationship": p.Relationship,
			"gender":       p.Gender,
			"image_uri":    p.ImageURI,
		},
	}
	return r.write(ctx, keyPrayerPeople, people, op)
}

func upsertPerson(people []models.PrayerPerson, p models.PrayerPerson) []models.PrayerPerson {
	for i := range people {
		if people[i].ID == p.ID {
			people[i] = p
			return people
		}
	}
	return append(people, p)
}

// PrayerPeople returns the locally stored prayer people.
func (r *Repository) PrayerPeople(ctx context.Context) ([]models.PrayerPerson, error) {
	var people []models.PrayerPerson
	_, err := store.GetJSON(ctx, r.store, keyPrayerPeople, &people)
	return people, err
}

// SavePrayerIntention stores in locally and remotely. An empty ID is generated.
func (r *Repository) SavePrayerIntention(ctx context.Context, in models.PrayerIntention) SaveResult {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	var intentions []models.PrayerIntention
	if _, err := store.GetJSON(ctx, r.store, keyIntentions, &intentions); err != nil {
		return SaveResult{Err: err}
	}
	replaced := false
	for i := range intentions {
		if intentions[i].ID == in.ID {
			intentions[i] = in
			replaced = true
		}
	}
	if !replaced {
		intentions = append(intentions, in)
	}
	op := models.OfflineOperation{
		Type:     models.OperationCreate,
		Table:    backend.TablePrayerIntentions,
		RecordID: in.ID,
		Data: map[string]any{
			"user_id":   r.UserID(),
			"person_id": in.PersonID,
			"category":  in.Category,
			"details":   in.Details,
		},
	}
	return r.write(ctx, keyIntentions, intentions, op)
}

// UpdateUserProfile merges fields into the profile. The profile row is keyed by user id.
func (r *Repository) UpdateUserProfile(ctx context.Context, fields map[string]any) SaveResult {
	userID := r.UserID()
	if userID == "" {
		return SaveResult{Err: backend.ErrUnauthenticated}
	}
	profile := map[string]any{}
	if _, err := store.GetJSON(ctx, r.store, keyProfile, &profile); err != nil {
		return SaveResult{Err: err}
	}
	for k, v := range fields {
		profile[k] = v
	}
	profile["user_id"] = userID
	op := models.OfflineOperation{
		Type:     models.OperationCreate,
		Table:    backend.TableProfiles,
		RecordID: userID,
		Data:     profile,
	}
	return r.write(ctx, keyProfile, profile, op)
}

// SaveData stores an arbitrary JSON value locally.
func (r *Repository) SaveData(ctx context.Context, key string, value interface{}) error {
	k := keyDataPrefix + key
	if err := store.SetJSON(ctx, r.store, k, value); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	r.cachePut(k, value)
	return nil
}

// GetCachedData decodes the value saved under key into out, preferring the memory cache.
func (r *Repository) GetCachedData(ctx context.Context, key string, out interface{}) (bool, error) {
	k := keyDataPrefix + key
	if r.cacheGet(k, out) {
		return true, nil
	}
	ok, err := store.GetJSON(ctx, r.store, k, out)
	if err != nil || !ok {
		return false, err
	}
	r.cachePut(k, out)
	return true, nil
}

// SyncPending drains the offline queue once.
func (r *Repository) SyncPending(ctx context.Context) (offline.SyncReport, error) {
	return r.manager.Sync(ctx)
}

// PendingOperations returns queued writes.
func (r *Repository) PendingOperations(ctx context.Context) ([]models.OfflineOperation, error) {
	return r.manager.Pending(ctx)
}

// Conflicts returns writes dropped after exhausting retries.
func (r *Repository) Conflicts(ctx context.Context) ([]models.SyncConflict, error) {
	return r.manager.Conflicts(ctx)
}

// ClearLocal removes everything the repository stored locally.
func (r *Repository) ClearLocal(ctx context.Context) error {
	r.InvalidateCache()
	_, err := store.DeletePrefix(ctx, r.store, store.NamespaceRepository)
	return err
}

// Start schedules the periodic sync and syncs whenever connectivity returns.
func (r *Repository) Start() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.syncTask != nil {
		return
	}
	r.syncTask = r.clock.Every(r.every, func() { r.backgroundSync("interval") })
	if r.network != nil {
		r.unsubscribe = r.network.Subscribe(func(online bool) {
			if online {
				r.backgroundSync("reconnect")
			}
		})
	}
	slog.Info("Repository.Start: background sync started", "interval", r.every)
}

// Stop cancels background sync.
func (r *Repository) Stop() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.syncTask != nil {
		r.syncTask.Stop()
		r.syncTask = nil
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *Repository) backgroundSync(trigger string) {
	report, err := r.manager.Sync(context.Background())
	if err != nil {
		slog.Debug("Repository.backgroundSync: sync not run", "trigger", trigger, "error", err)
		return
	}
	if report.Synced > 0 || len(report.Failed) > 0 {
		slog.Info("Repository.backgroundSync: synced", "trigger", trigger, "synced", report.Synced, "failed", len(report.Failed))
	}
}

// RemoteSnapshot is what the backend knows about the user, for recovery.
type RemoteSnapshot struct {
	Profile      backend.Record
	PrayerPeople []models.PrayerPerson
	Session      *models.OnboardingContext
}

// LoadRemoteSnapshot gathers the user's remote rows. It returns nil when offline or
// unauthenticated.
func (r *Repository) LoadRemoteSnapshot(ctx context.Context) (*RemoteSnapshot, error) {
	userID := r.UserID()
	if userID == "" || !r.manager.IsOnline() {
		return nil, nil
	}
	snap := &RemoteSnapshot{}
	profiles, err := r.rows.SelectByUser(ctx, backend.TableProfiles, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if len(profiles) > 0 {
		snap.Profile = profiles[len(profiles)-1]
	}
	people, err := r.rows.SelectByUser(ctx, backend.TablePrayerPeople, userID)
	if err != nil {
		return nil, fmt.Errorf("load prayer people: %w", err)
	}
	for _, row := range people {
		name, _ := row["name"].(string)
		rel, _ := row["relationship"].(string)
		gender, _ := row["gender"].(string)
		img, _ := row["image_uri"].(string)
		snap.PrayerPeople = append(snap.PrayerPeople, models.PrayerPerson{ID: row.ID(), Name: name, Relationship: rel, Gender: gender, ImageURI: img})
	}
	session, err := r.LoadRemoteSession(ctx)
	if err != nil {
		return nil, err
	}
	snap.Session = session
	return snap, nil
}
