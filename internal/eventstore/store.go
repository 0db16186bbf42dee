// Package eventstore appends domain facts to the event log inside the caller's
// transaction and serves the audit reads over it.
package eventstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/event-outbox/internal/metrics"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmehdipour/event-outbox/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Page selects a window of a tenant's history.
type Page struct {
	Limit  int
	Offset int
}

// Normalize fills in the default limit and keeps the page within bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type Options struct {
	Registry *Registry
	Codec    Codec
	Logger   *zap.Logger
	Clock    func() time.Time
	NewID    func() string
}

// Store is the EventAppender. It holds no transaction state: every Append runs
// on the *sqlx.Tx it is handed.
type Store struct {
	repo     repository.EventsRepository
	registry *Registry
	codec    Codec
	log      *zap.Logger
	clock    func() time.Time
	newID    func() string
}

func New(repo repository.EventsRepository, opts Options) *Store {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = util.New
	}

	return &Store{
		repo:     repo,
		registry: opts.Registry,
		codec:    opts.Codec,
		log:      opts.Logger,
		clock:    opts.Clock,
		newID:    opts.NewID,
	}
}

func (s *Store) Registry() *Registry { return s.registry }

// Append records ev as exactly one event_records row written through tx.
// Any error leaves nothing behind once the caller rolls tx back, which it must.
func (s *Store) Append(
	ctx context.Context,
	tx *sqlx.Tx,
	ev Event,
	tenantID, aggregateType, aggregateID string,
	actor *model.ActorContext,
) (*model.EventRecord, error) {
	if tx == nil {
		return nil, ErrTxRequired
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidAppend)
	}

	eventType := ev.EventType()
	switch {
	case strings.TrimSpace(eventType) == "":
		return nil, fmt.Errorf("%w: empty event type", ErrInvalidAppend)
	case strings.TrimSpace(tenantID) == "":
		return nil, fmt.Errorf("%w: empty tenant id", ErrInvalidAppend)
	case strings.TrimSpace(aggregateType) == "":
		return nil, fmt.Errorf("%w: empty aggregate type", ErrInvalidAppend)
	case strings.TrimSpace(aggregateID) == "":
		return nil, fmt.Errorf("%w: empty aggregate id", ErrInvalidAppend)
	}

	shouldPublish, err := s.registry.ShouldPublish(ev)
	if err != nil {
		return nil, err
	}

	payload, err := s.codec.Marshal(ev)
	if err != nil {
		return nil, &SerializationError{EventType: eventType, Err: err}
	}

	rec := model.EventRecord{
		ID:             s.newID(),
		TenantID:       tenantID,
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        payload,
		OccurredAt:     s.clock().UTC().Truncate(time.Microsecond),
		CorrelationID:  aggregateID,
		ConversationID: s.newID(),
		ShouldPublish:  shouldPublish,
	}
	if actor != nil {
		rec.ActorID = optional(actor.ActorID)
		rec.ActorName = optional(actor.ActorName)
		rec.SourceAddress = optional(actor.SourceAddress)
		if c := strings.TrimSpace(actor.CorrelationID); c != "" {
			rec.CorrelationID = c
		}
	}

	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return nil, &PersistenceError{EventType: eventType, Err: err}
	}

	metrics.EventsAppended.WithLabelValues(eventType, strconv.FormatBool(shouldPublish)).Inc()
	s.log.Debug("event appended",
		zap.String("event_id", rec.ID),
		zap.String("event_type", eventType),
		zap.String("tenant_id", tenantID),
		zap.String("aggregate_id", aggregateID),
		zap.Bool("should_publish", shouldPublish),
	)

	return &rec, nil
}

// GetByAggregate returns the aggregate's history, newest first.
func (s *Store) GetByAggregate(ctx context.Context, aggregateID string) ([]model.EventRecord, error) {
	return s.repo.GetByAggregate(ctx, "", aggregateID)
}

// GetByTenant returns one page of the tenant's history, newest first.
func (s *Store) GetByTenant(ctx context.Context, tenantID string, page Page) ([]model.EventRecord, error) {
	page = page.Normalize()

	return s.repo.GetByTenant(ctx, tenantID, page.Limit, page.Offset)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
