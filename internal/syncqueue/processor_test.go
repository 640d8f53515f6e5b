package syncqueue

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/config"
	"github.com/fieldops/sync-worker/internal/db"
	"github.com/fieldops/sync-worker/internal/mq"
	"github.com/fieldops/sync-worker/internal/repository"
)

// memQueueStore mirrors the SQL claim and finalize transitions in memory.
type memQueueStore struct {
	items  map[int64]*db.SyncQueueItem
	mapped map[uuid.UUID]uuid.UUID
	busy   map[string]bool
	nextID int64
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{
		items:  make(map[int64]*db.SyncQueueItem),
		mapped: make(map[uuid.UUID]uuid.UUID),
		busy:   make(map[string]bool),
	}
}

func (s *memQueueStore) add(ownerKey, resourceType, operationType string, data []byte, maxRetries int) *db.SyncQueueItem {
	s.nextID++
	item := &db.SyncQueueItem{
		ID:            s.nextID,
		ClientEventID: uuid.New(),
		OwnerKey:      ownerKey,
		ResourceType:  resourceType,
		OperationType: operationType,
		Data:          data,
		Status:        db.StatusPending,
		MaxRetries:    maxRetries,
		CreatedAt:     time.Now(),
	}
	s.items[item.ID] = item
	return item
}

func (s *memQueueStore) claimable(item *db.SyncQueueItem, staleAfter time.Duration) bool {
	if item.Status == db.StatusPending || item.Status == db.StatusRetry {
		return true
	}
	// A PROCESSING claim older than the staleness threshold belongs to a
	// crashed worker and is claimable again.
	return item.Status == db.StatusProcessing &&
		item.ProcessedAt != nil &&
		time.Since(*item.ProcessedAt) > staleAfter
}

func (s *memQueueStore) ListOwnersWithWork(_ context.Context, staleAfter time.Duration, _ int) ([]string, error) {
	seen := make(map[string]bool)
	for _, item := range s.items {
		if s.claimable(item, staleAfter) {
			seen[item.OwnerKey] = true
		}
	}
	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *memQueueStore) WithOwnerLock(ctx context.Context, ownerKey string, fn func(ctx context.Context) error) error {
	if s.busy[ownerKey] {
		return repository.ErrOwnerBusy
	}
	s.busy[ownerKey] = true
	defer delete(s.busy, ownerKey)
	return fn(ctx)
}

func (s *memQueueStore) ClaimBatch(_ context.Context, ownerKey string, batchSize int, staleAfter time.Duration) ([]db.SyncQueueItem, error) {
	var claimed []db.SyncQueueItem
	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := time.Now()
	for _, id := range ids {
		if len(claimed) == batchSize {
			break
		}
		item := s.items[id]
		if item.OwnerKey != ownerKey || !s.claimable(item, staleAfter) {
			continue
		}
		item.Status = db.StatusProcessing
		item.ProcessedAt = &now
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (s *memQueueStore) MarkCompleted(_ context.Context, item *db.SyncQueueItem, entityID uuid.UUID) error {
	stored, ok := s.items[item.ID]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	stored.Status = db.StatusCompleted
	stored.CompletedAt = &now
	s.mapped[stored.ClientEventID] = entityID
	return nil
}

func (s *memQueueStore) MarkFailure(_ context.Context, itemID int64, errMsg string) (string, error) {
	stored, ok := s.items[itemID]
	if !ok {
		return "", repository.ErrNotFound
	}
	stored.RetryCount++
	stored.ErrorMessage = &errMsg
	if stored.RetryCount >= stored.MaxRetries {
		stored.Status = db.StatusFailed
	} else {
		stored.Status = db.StatusRetry
	}
	return stored.Status, nil
}

// scriptedApplier fails for the ids it is told to and succeeds otherwise.
type scriptedApplier struct {
	failData map[string]error
	applied  []string
}

func (a *scriptedApplier) Apply(_ context.Context, _, _ string, data []byte) (uuid.UUID, error) {
	key := string(data)
	a.applied = append(a.applied, key)
	if err, ok := a.failData[key]; ok {
		return uuid.Nil, err
	}
	return uuid.New(), nil
}

type capturingNotifier struct {
	events []mq.AppliedEvent
}

func (n *capturingNotifier) PublishApplied(_ context.Context, event mq.AppliedEvent, _ string) error {
	n.events = append(n.events, event)
	return nil
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		BatchSize:           10,
		MaxRetries:          3,
		PollIntervalSeconds: 1,
		StaleAfterMinutes:   10,
		ApplyTimeoutSeconds: 5,
	}
}

func TestRunOnce_CompletesPendingItems(t *testing.T) {
	store := newMemQueueStore()
	item := store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"x"}`), 3)

	applier := &scriptedApplier{}
	notifier := &capturingNotifier{}
	p := NewProcessor(store, applier, notifier, testQueueConfig(), "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Owners)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Completed)

	assert.Equal(t, db.StatusCompleted, store.items[item.ID].Status)
	assert.NotNil(t, store.items[item.ID].CompletedAt)
	assert.Contains(t, store.mapped, item.ClientEventID)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, item.ClientEventID.String(), notifier.events[0].ClientEventID)
	assert.Equal(t, db.ResourceAttendance, notifier.events[0].ResourceType)
}

func TestRunOnce_FailureSchedulesRetry(t *testing.T) {
	store := newMemQueueStore()
	item := store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"bad"}`), 3)

	applier := &scriptedApplier{failData: map[string]error{`{"id":"bad"}`: errors.New("constraint violation")}}
	p := NewProcessor(store, applier, nil, testQueueConfig(), "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 0, stats.Failed)

	stored := store.items[item.ID]
	assert.Equal(t, db.StatusRetry, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "constraint violation")
}

func TestRunOnce_RetriesExhaustToTerminalFailure(t *testing.T) {
	store := newMemQueueStore()
	item := store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"bad"}`), 3)

	applier := &scriptedApplier{failData: map[string]error{`{"id":"bad"}`: errors.New("permanent schema mismatch")}}
	p := NewProcessor(store, applier, nil, testQueueConfig(), "sync.applied", zap.NewNop())

	var lastStats Stats
	for i := 0; i < 3; i++ {
		stats, err := p.RunOnce(context.Background())
		require.NoError(t, err)
		lastStats = stats
	}

	stored := store.items[item.ID]
	assert.Equal(t, db.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, 1, lastStats.Failed)

	// FAILED is terminal; a further run must not touch the item.
	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 3, stored.RetryCount)
}

func TestRunOnce_FailingItemDoesNotBlockBatch(t *testing.T) {
	store := newMemQueueStore()
	bad := store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"bad"}`), 3)
	good := store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"good"}`), 3)

	applier := &scriptedApplier{failData: map[string]error{`{"id":"bad"}`: errors.New("boom")}}
	p := NewProcessor(store, applier, nil, testQueueConfig(), "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, db.StatusRetry, store.items[bad.ID].Status)
	assert.Equal(t, db.StatusCompleted, store.items[good.ID].Status)
}

func TestRunOnce_BusyOwnerSkipped(t *testing.T) {
	store := newMemQueueStore()
	store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"x"}`), 3)
	other := store.add("user:b", db.ResourceChecklist, db.OpCreate, []byte(`{"id":"y"}`), 3)
	store.busy["user:a"] = true

	applier := &scriptedApplier{}
	p := NewProcessor(store, applier, nil, testQueueConfig(), "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Owners)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, db.StatusCompleted, store.items[other.ID].Status)
}

func TestRunOnce_BatchSizeBoundsClaim(t *testing.T) {
	store := newMemQueueStore()
	for i := 0; i < 5; i++ {
		store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"x"}`), 3)
	}

	cfg := testQueueConfig()
	cfg.BatchSize = 2
	p := NewProcessor(store, &scriptedApplier{}, nil, cfg, "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Claimed)
}

func TestRunOnce_StaleProcessingReclaimed(t *testing.T) {
	store := newMemQueueStore()

	crashed := store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"x"}`), 3)
	crashed.Status = db.StatusProcessing
	staleClaim := time.Now().Add(-30 * time.Minute)
	crashed.ProcessedAt = &staleClaim

	inFlight := store.add("user:a", db.ResourcePatrolLog, db.OpCreate, []byte(`{"id":"y"}`), 3)
	inFlight.Status = db.StatusProcessing
	freshClaim := time.Now().Add(-time.Minute)
	inFlight.ProcessedAt = &freshClaim

	// Staleness threshold is 10 minutes: the 30-minute-old claim belongs
	// to a crashed worker, the 1-minute-old one is still being worked.
	p := NewProcessor(store, &scriptedApplier{}, nil, testQueueConfig(), "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, db.StatusCompleted, store.items[crashed.ID].Status)
	assert.Equal(t, db.StatusProcessing, store.items[inFlight.ID].Status, "a live claim must not be stolen")
}

// blockingApplier never returns until its context is cancelled.
type blockingApplier struct{}

func (blockingApplier) Apply(ctx context.Context, _, _ string, _ []byte) (uuid.UUID, error) {
	<-ctx.Done()
	return uuid.Nil, ctx.Err()
}

func TestRunOnce_ApplyTimeoutSchedulesRetry(t *testing.T) {
	store := newMemQueueStore()
	item := store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"x"}`), 3)

	cfg := testQueueConfig()
	cfg.ApplyTimeoutSeconds = 1
	p := NewProcessor(store, blockingApplier{}, nil, cfg, "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Retried)

	stored := store.items[item.ID]
	assert.Equal(t, db.StatusRetry, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "deadline")
}

func TestRunOnce_NoNotifierIsFine(t *testing.T) {
	store := newMemQueueStore()
	store.add("user:a", db.ResourceAttendance, db.OpCreate, []byte(`{"id":"x"}`), 3)

	p := NewProcessor(store, &scriptedApplier{}, nil, testQueueConfig(), "sync.applied", zap.NewNop())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}
