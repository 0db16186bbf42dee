package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmehdipour/event-outbox/internal/audit"
	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/jmehdipour/event-outbox/internal/db/dbtest"
	"github.com/jmehdipour/event-outbox/internal/eventstore"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditQueries(t *testing.T) {
	ctx := context.Background()
	sqlDB := dbtest.NewSQLite(t)
	repo := repository.NewEventsRepository(sqlDB, repository.OutboxOptions{MaxAttempts: 1})

	reg := eventstore.NewRegistry()
	reg.MustRegister(model.EventOrderCreated, eventstore.Descriptor{Publish: true})
	reg.MustRegister(model.EventOrderCommentAdded, eventstore.Descriptor{})
	store := eventstore.New(repo, eventstore.Options{Registry: reg})

	var created, comment, other *model.EventRecord
	require.NoError(t, db.WithinTx(ctx, sqlDB, func(tx *sqlx.Tx) error {
		var err error
		created, err = store.Append(ctx, tx, model.OrderCreated{OrderID: "o-1"}, "tenant-a", model.AggregateOrder, "o-1",
			&model.ActorContext{CorrelationID: "req-1"})
		if err != nil {
			return err
		}
		comment, err = store.Append(ctx, tx, model.OrderCommentAdded{OrderID: "o-1"}, "tenant-a", model.AggregateOrder, "o-1",
			&model.ActorContext{CorrelationID: "req-1"})
		if err != nil {
			return err
		}
		other, err = store.Append(ctx, tx, model.OrderCreated{OrderID: "o-1"}, "tenant-b", model.AggregateOrder, "o-1", nil)
		return err
	}))

	svc := audit.New(repo)

	t.Run("by aggregate is tenant scoped", func(t *testing.T) {
		recs, err := svc.ByAggregate(ctx, "tenant-a", "o-1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, comment.ID, recs[0].ID)
		assert.Equal(t, created.ID, recs[1].ID)

		recs, err = svc.ByAggregate(ctx, "tenant-b", "o-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, other.ID, recs[0].ID)
	})

	t.Run("by correlation oldest first", func(t *testing.T) {
		recs, err := svc.ByCorrelation(ctx, "tenant-a", "req-1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, created.ID, recs[0].ID)
	})

	t.Run("by tenant", func(t *testing.T) {
		recs, err := svc.ByTenant(ctx, "tenant-a", eventstore.Page{Limit: 5000})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("dead letters", func(t *testing.T) {
		recs, err := svc.DeadLetters(ctx, "tenant-a", 0)
		require.NoError(t, err)
		assert.Empty(t, recs)

		require.NoError(t, repo.MarkFailed(ctx, created.ID, "", "boom"))

		recs, err = svc.DeadLetters(ctx, "tenant-a", 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, created.ID, recs[0].ID)
		assert.Equal(t, "boom", *recs[0].LastPublishError)

		recs, err = svc.DeadLetters(ctx, "tenant-b", 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("tenant required", func(t *testing.T) {
		_, err := svc.ByAggregate(ctx, "", "o-1")
		assert.True(t, errors.Is(err, audit.ErrTenantRequired))
		_, err = svc.DeadLetters(ctx, " ", 10)
		assert.ErrorIs(t, err, audit.ErrTenantRequired)
	})
}
