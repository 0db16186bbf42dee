package repository_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/jmehdipour/event-outbox/internal/db/dbtest"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmehdipour/event-outbox/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRepo(t *testing.T, opts repository.OutboxOptions) (*sqlx.DB, *repository.EventsRepositoryImpl, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Clock = c.Now
	sqlDB := dbtest.NewSQLite(t)
	return sqlDB, repository.NewEventsRepository(sqlDB, opts), c
}

func insert(t *testing.T, sqlDB *sqlx.DB, repo *repository.EventsRepositoryImpl, occurredAt time.Time, publish bool) model.EventRecord {
	t.Helper()
	rec := model.EventRecord{
		ID:             util.NewAt(occurredAt),
		TenantID:       "tenant-a",
		AggregateType:  model.AggregateOrder,
		AggregateID:    "o-1",
		EventType:      model.EventOrderCreated,
		Payload:        []byte(`{}`),
		OccurredAt:     occurredAt,
		CorrelationID:  "o-1",
		ConversationID: util.New(),
		ShouldPublish:  publish,
	}
	require.NoError(t, db.WithinTx(context.Background(), sqlDB, func(tx *sqlx.Tx) error {
		return repo.Insert(context.Background(), tx, rec)
	}))
	return rec
}

func TestInsertRequiresTx(t *testing.T) {
	_, repo, _ := newRepo(t, repository.OutboxOptions{})
	err := repo.Insert(context.Background(), nil, model.EventRecord{ID: "x"})
	require.ErrorIs(t, err, repository.ErrTxRequired)
}

func TestClaimPendingSelection(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{MaxAttempts: 2})
	ctx := context.Background()
	base := c.Now().Add(-time.Hour)

	second := insert(t, sqlDB, repo, base.Add(2*time.Second), true)
	first := insert(t, sqlDB, repo, base.Add(time.Second), true)
	auditOnly := insert(t, sqlDB, repo, base, false)
	published := insert(t, sqlDB, repo, base, true)
	exhausted := insert(t, sqlDB, repo, base, true)

	require.NoError(t, repo.MarkPublished(ctx, published.ID))
	require.NoError(t, repo.MarkFailed(ctx, exhausted.ID, "", "e1"))
	require.NoError(t, repo.MarkFailed(ctx, exhausted.ID, "", "e2"))

	claimed, err := repo.ClaimPending(ctx, "d-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID, "oldest first")
	assert.Equal(t, second.ID, claimed[1].ID)
	for _, rec := range claimed {
		require.NotNil(t, rec.ClaimedBy)
		assert.Equal(t, "d-1", *rec.ClaimedBy)
		assert.NotEqual(t, auditOnly.ID, rec.ID)
	}

	again, err := repo.ClaimPending(ctx, "d-2", 10)
	require.NoError(t, err)
	assert.Empty(t, again, "live claims are not handed out twice")

	_, err = repo.ClaimPending(ctx, "", 10)
	require.Error(t, err)
}

func TestClaimPendingBatchSize(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	for i := 0; i < 5; i++ {
		insert(t, sqlDB, repo, c.Now().Add(time.Duration(i)*time.Second), true)
	}

	claimed, err := repo.ClaimPending(context.Background(), "d-1", 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	claimed, err = repo.ClaimPending(context.Background(), "d-1", 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimLeaseExpires(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{ClaimLease: 30 * time.Second})
	rec := insert(t, sqlDB, repo, c.Now(), true)
	ctx := context.Background()

	claimed, err := repo.ClaimPending(ctx, "crashed", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	c.Advance(10 * time.Second)
	claimed, err = repo.ClaimPending(ctx, "d-2", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	c.Advance(time.Minute)
	claimed, err = repo.ClaimPending(ctx, "d-2", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, rec.ID, claimed[0].ID)
	assert.Equal(t, "d-2", *claimed[0].ClaimedBy)
	assert.Zero(t, claimed[0].PublishAttempts, "an expired lease is not a failed attempt")
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	insert(t, sqlDB, repo, c.Now(), true)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []string
	)
	for _, owner := range []string{"d-1", "d-2", "d-3", "d-4"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			claimed, err := repo.ClaimPending(context.Background(), owner, 1)
			assert.NoError(t, err)
			mu.Lock()
			for range claimed {
				won = append(won, owner)
			}
			mu.Unlock()
		}(owner)
	}
	wg.Wait()

	assert.Len(t, won, 1)
}

func TestStaleClaimLoses(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	rec := insert(t, sqlDB, repo, c.Now(), true)
	ctx := context.Background()

	claimed, err := repo.ClaimPending(ctx, "d-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.EqualValues(t, 1, claimed[0].Version)

	// d-2 read the row before d-1's claim bumped the version
	lost, err := repo.ClaimVersion(ctx, "d-2", rec.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, lost)

	stored, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ClaimedBy)
	assert.Equal(t, "d-1", *stored.ClaimedBy)
	assert.EqualValues(t, 1, stored.Version)
}

func TestClaimIgnoresCancellationOnceStarted(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	rec := insert(t, sqlDB, repo, c.Now(), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.ClaimPending(ctx, "d-1", 10)
	require.Error(t, err, "a cancelled context stops the candidate read")

	claimed, err := repo.ClaimVersion(ctx, "d-1", rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "d-1", *claimed[0].ClaimedBy)
}

func TestClaimsFromSeparateConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	dbA := dbtest.NewSQLiteAt(t, path)
	dbB := dbtest.NewSQLiteAt(t, path)
	repoA := repository.NewEventsRepository(dbA, repository.OutboxOptions{Clock: c.Now})
	repoB := repository.NewEventsRepository(dbB, repository.OutboxOptions{Clock: c.Now})

	const rows = 30
	for i := 0; i < rows; i++ {
		insert(t, dbA, repoA, c.Now().Add(time.Duration(i)*time.Millisecond), true)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won = map[string][]string{}
	)
	for owner, repo := range map[string]*repository.EventsRepositoryImpl{"d-a": repoA, "d-b": repoB} {
		wg.Add(1)
		go func(owner string, repo *repository.EventsRepositoryImpl) {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimPending(context.Background(), owner, 4)
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, rec := range claimed {
					won[rec.ID] = append(won[rec.ID], owner)
				}
				mu.Unlock()
			}
		}(owner, repo)
	}
	wg.Wait()

	assert.Len(t, won, rows)
	for id, owners := range won {
		assert.Len(t, owners, 1, id)
	}
}

func TestMarksAfterLostLease(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{ClaimLease: 30 * time.Second})
	rec := insert(t, sqlDB, repo, c.Now(), true)
	ctx := context.Background()

	_, err := repo.ClaimPending(ctx, "slow", 10)
	require.NoError(t, err)

	c.Advance(time.Minute)
	claimed, err := repo.ClaimPending(ctx, "d-2", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.ErrorIs(t, repo.MarkFailed(ctx, rec.ID, "slow", "timeout"), repository.ErrClaimLost)
	require.ErrorIs(t, repo.MarkDeadLettered(ctx, rec.ID, "slow", "bad"), repository.ErrClaimLost)

	stored, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.PublishAttempts)
	assert.Nil(t, stored.DeadLetteredAt)
	require.NotNil(t, stored.ClaimedBy)
	assert.Equal(t, "d-2", *stored.ClaimedBy)

	require.NoError(t, repo.MarkFailed(ctx, rec.ID, "d-2", "down"))
	stored, err = repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PublishAttempts)
	assert.True(t, stored.Pending())
}

func TestMarkPublishedIsIdempotent(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	rec := insert(t, sqlDB, repo, c.Now(), true)
	ctx := context.Background()

	require.NoError(t, repo.MarkPublished(ctx, rec.ID))
	first, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, first.PublishedAt)

	c.Advance(time.Hour)
	require.NoError(t, repo.MarkPublished(ctx, rec.ID))
	require.NoError(t, repo.MarkFailed(ctx, rec.ID, "", "late failure"))

	second, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, first.PublishedAt.Equal(*second.PublishedAt), "published_at is set once")
	assert.Zero(t, second.PublishAttempts)
	assert.Nil(t, second.LastPublishError)
}

func TestMarkErrors(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	auditOnly := insert(t, sqlDB, repo, c.Now(), false)
	ctx := context.Background()

	require.ErrorIs(t, repo.MarkPublished(ctx, "missing"), repository.ErrEventNotFound)
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing", "d-1", "x"), repository.ErrEventNotFound)
	require.ErrorIs(t, repo.MarkPublished(ctx, auditOnly.ID), repository.ErrNotPublishable)
	require.ErrorIs(t, repo.MarkDeadLettered(ctx, auditOnly.ID, "d-1", "x"), repository.ErrNotPublishable)

	stored, err := repo.GetByID(ctx, auditOnly.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PublishedAt)

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrEventNotFound)
}

func TestMarkFailedCountsAndDeadLetters(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{MaxAttempts: 3})
	rec := insert(t, sqlDB, repo, c.Now(), true)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := repo.ClaimPending(ctx, "d-1", 10)
		require.NoError(t, err)
		require.NoError(t, repo.MarkFailed(ctx, rec.ID, "d-1", strings.Repeat("é", 600)))

		stored, err := repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, i, stored.PublishAttempts)
		assert.Nil(t, stored.ClaimedBy)
		assert.LessOrEqual(t, len(*stored.LastPublishError), repository.MaxErrorLength)
		if i < 3 {
			assert.Nil(t, stored.DeadLetteredAt)
		} else {
			assert.NotNil(t, stored.DeadLetteredAt)
		}
	}

	claimed, err := repo.ClaimPending(ctx, "d-1", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	dead, err := repo.ListDeadLettered(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, rec.ID, dead[0].ID)
}

func TestMarkDeadLettered(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	rec := insert(t, sqlDB, repo, c.Now(), true)
	ctx := context.Background()

	require.NoError(t, repo.MarkDeadLettered(ctx, rec.ID, "", "invalid topic"))
	stored, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PublishAttempts)
	require.NotNil(t, stored.DeadLetteredAt)
	assert.False(t, stored.Pending())

	claimed, err := repo.ClaimPending(ctx, "d-1", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRelease(t *testing.T) {
	sqlDB, repo, c := newRepo(t, repository.OutboxOptions{})
	rec := insert(t, sqlDB, repo, c.Now(), true)
	ctx := context.Background()

	_, err := repo.ClaimPending(ctx, "d-1", 10)
	require.NoError(t, err)

	require.NoError(t, repo.Release(ctx, rec.ID, "someone-else"))
	claimed, err := repo.ClaimPending(ctx, "d-2", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "only the owner can release")

	require.NoError(t, repo.Release(ctx, rec.ID, "d-1"))
	claimed, err = repo.ClaimPending(ctx, "d-2", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Zero(t, claimed[0].PublishAttempts)
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", repository.TruncateError("short"))

	ascii := strings.Repeat("a", 2000)
	assert.Len(t, repository.TruncateError(ascii), repository.MaxErrorLength)

	// 3-byte runes straddle the limit
	wide := strings.Repeat("€", 400)
	got := repository.TruncateError(wide)
	assert.LessOrEqual(t, len(got), repository.MaxErrorLength)
	assert.Equal(t, 0, len(got)%3)
}

func TestPagingValidation(t *testing.T) {
	_, repo, _ := newRepo(t, repository.OutboxOptions{})
	_, err := repo.GetByTenant(context.Background(), "tenant-a", 0, 0)
	require.ErrorIs(t, err, repository.ErrInvalidPageSize)
	_, err = repo.ListDeadLettered(context.Background(), "tenant-a", -1)
	require.ErrorIs(t, err, repository.ErrInvalidPageSize)
}
