package repository

import (
	"context"

	"github.com/jmehdipour/event-outbox/internal/model"
)

// ClaimVersion runs the compare-and-set claim for one row as if id had been
// read at version.
func (r *EventsRepositoryImpl) ClaimVersion(ctx context.Context, owner, id string, version int64) ([]model.EventRecord, error) {
	return r.claimCandidates(ctx, owner, r.now(), []claimCandidate{{ID: id, Version: version}})
}
