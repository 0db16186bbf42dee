package model

import "time"

// EventRecord is one row of the event_records table: an immutable domain fact
// plus the outbox-control columns the dispatcher owns.
type EventRecord struct {
	ID            string    `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	AggregateType string    `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id" json:"aggregate_id"`
	EventType     string    `db:"event_type" json:"event_type"`
	Payload       []byte    `db:"payload" json:"payload"`
	OccurredAt    time.Time `db:"occurred_at" json:"occurred_at"`

	ActorID       *string `db:"actor_id" json:"actor_id,omitempty"`
	ActorName     *string `db:"actor_name" json:"actor_name,omitempty"`
	SourceAddress *string `db:"source_address" json:"source_address,omitempty"`

	CorrelationID  string `db:"correlation_id" json:"correlation_id"`
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	ShouldPublish  bool   `db:"should_publish" json:"should_publish"`

	// outbox control
	PublishedAt      *time.Time `db:"published_at" json:"published_at,omitempty"`
	PublishAttempts  int        `db:"publish_attempts" json:"publish_attempts"`
	LastPublishError *string    `db:"last_publish_error" json:"last_publish_error,omitempty"`
	DeadLetteredAt   *time.Time `db:"dead_lettered_at" json:"dead_lettered_at,omitempty"`
	ClaimedUntil     *time.Time `db:"claimed_until" json:"-"`
	ClaimedBy        *string    `db:"claimed_by" json:"-"`
	Version          int64      `db:"version" json:"-"`
}

// Pending reports whether the record still waits for a successful publish.
func (r EventRecord) Pending() bool {
	return r.ShouldPublish && r.PublishedAt == nil && r.DeadLetteredAt == nil
}

// UTC normalizes every timestamp to UTC. Drivers hand back times in whatever
// location the column was parsed into.
func (r *EventRecord) UTC() {
	r.OccurredAt = r.OccurredAt.UTC()
	r.PublishedAt = utcPtr(r.PublishedAt)
	r.DeadLetteredAt = utcPtr(r.DeadLetteredAt)
	r.ClaimedUntil = utcPtr(r.ClaimedUntil)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ActorContext carries the optional audit context of an append.
type ActorContext struct {
	ActorID       string
	ActorName     string
	SourceAddress string
	CorrelationID string
}
