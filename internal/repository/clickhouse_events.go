package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHEventsRepository aggregates the event log replica kept in ClickHouse.
type CHEventsRepository interface {
	DailyStats(ctx context.Context, tenantID, eventType string, from, to time.Time, limit int) ([]model.EventStat, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) DailyStats(ctx context.Context, tenantID, eventType string, from, to time.Time, limit int) ([]model.EventStat, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `
		SELECT
		    event_type,
		    toDate(occurred_at)                 AS day,
		    count()                             AS total,
		    countIf(published_at IS NOT NULL)   AS published,
		    countIf(dead_lettered_at IS NOT NULL) AS dead_lettered
		FROM eventlog.event_records
		WHERE tenant_id = ? AND occurred_at >= ? AND occurred_at < ?
	`
	args := []any{tenantID, from.UTC(), to.UTC()}

	if eventType != "" {
		q += " AND event_type = ?"
		args = append(args, eventType)
	}

	q += " GROUP BY event_type, day ORDER BY day DESC, event_type ASC LIMIT ?"
	args = append(args, limit)

	var rows []model.EventStat
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
