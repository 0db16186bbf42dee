// Package audit is the read-only view over the event log.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/jmehdipour/event-outbox/internal/eventstore"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
)

var ErrTenantRequired = errors.New("tenant is required")

type Service struct {
	repo repository.EventsRepository
}

func New(repo repository.EventsRepository) *Service {
	return &Service{repo: repo}
}

// ByAggregate returns one aggregate's history within tenantID, newest first.
func (s *Service) ByAggregate(ctx context.Context, tenantID, aggregateID string) ([]model.EventRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantRequired
	}
	return s.repo.GetByAggregate(ctx, tenantID, aggregateID)
}

func (s *Service) ByTenant(ctx context.Context, tenantID string, page eventstore.Page) ([]model.EventRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantRequired
	}
	page = page.Normalize()
	return s.repo.GetByTenant(ctx, tenantID, page.Limit, page.Offset)
}

// ByCorrelation returns every event of one request or saga, oldest first.
func (s *Service) ByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantRequired
	}
	return s.repo.GetByCorrelation(ctx, tenantID, correlationID)
}

// DeadLetters lists events the dispatcher gave up on, most recent first.
func (s *Service) DeadLetters(ctx context.Context, tenantID string, limit int) ([]model.EventRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantRequired
	}
	page := eventstore.Page{Limit: limit}.Normalize()
	return s.repo.ListDeadLettered(ctx, tenantID, page.Limit)
}
