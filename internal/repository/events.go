package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmoiron/sqlx"
)

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrNotPublishable  = errors.New("event is audit-only")
	ErrTxRequired      = errors.New("transaction is required")
	ErrInvalidPageSize = errors.New("invalid page size")
	// ErrClaimLost means the caller's lease expired and the row is no longer
	// claimed by it.
	ErrClaimLost = errors.New("claim lost")
)

const (
	DefaultMaxAttempts = 5
	DefaultClaimLease  = 2 * time.Minute

	// MaxErrorLength caps last_publish_error.
	MaxErrorLength = 1024
)

const eventColumns = `
	id, tenant_id, aggregate_type, aggregate_id, event_type, payload, occurred_at,
	actor_id, actor_name, source_address, correlation_id, conversation_id, should_publish,
	published_at, publish_attempts, last_publish_error, dead_lettered_at,
	claimed_until, claimed_by, version`

// EventsRepository is the audit side of the event_records table.
type EventsRepository interface {
	// Insert writes one record using the caller's transaction. It never opens
	// a transaction of its own.
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.EventRecord) error
	GetByID(ctx context.Context, id string) (*model.EventRecord, error)
	// GetByAggregate returns the history of one aggregate, newest first.
	// An empty tenantID matches every tenant.
	GetByAggregate(ctx context.Context, tenantID, aggregateID string) ([]model.EventRecord, error)
	GetByTenant(ctx context.Context, tenantID string, limit, offset int) ([]model.EventRecord, error)
	GetByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventRecord, error)
	ListDeadLettered(ctx context.Context, tenantID string, limit int) ([]model.EventRecord, error)
}

// OutboxRepository is the dispatcher side of the event_records table. Every
// method is a single autocommitted statement sequence; none of them joins a
// caller transaction.
//
// MarkFailed and MarkDeadLettered take the claim owner: with a non-empty owner
// they only apply while that owner still holds the lease and return
// ErrClaimLost otherwise. An empty owner skips the check.
type OutboxRepository interface {
	MaxAttempts() int
	ClaimLease() time.Duration
	ClaimPending(ctx context.Context, owner string, batchSize int) ([]model.EventRecord, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, owner, errMsg string) error
	MarkDeadLettered(ctx context.Context, id, owner, errMsg string) error
	Release(ctx context.Context, id, owner string) error
}

type OutboxOptions struct {
	MaxAttempts int
	ClaimLease  time.Duration
	Clock       func() time.Time
}

// EventsRepositoryImpl implements both EventsRepository and OutboxRepository
// on top of sqlx. The SQL sticks to what MySQL and SQLite both accept.
type EventsRepositoryImpl struct {
	db          *sqlx.DB
	maxAttempts int
	lease       time.Duration
	clock       func() time.Time
}

func NewEventsRepository(db *sqlx.DB, opts OutboxOptions) *EventsRepositoryImpl {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = DefaultClaimLease
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &EventsRepositoryImpl{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		lease:       opts.ClaimLease,
		clock:       opts.Clock,
	}
}

func (r *EventsRepositoryImpl) MaxAttempts() int { return r.maxAttempts }

func (r *EventsRepositoryImpl) ClaimLease() time.Duration { return r.lease }

// now is UTC at microsecond precision, the resolution of DATETIME(6).
func (r *EventsRepositoryImpl) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

func (r *EventsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.EventRecord) error {
	if tx == nil {
		return ErrTxRequired
	}

	const q = `
		INSERT INTO event_records
		    (id, tenant_id, aggregate_type, aggregate_id, event_type, payload, occurred_at,
		     actor_id, actor_name, source_address, correlation_id, conversation_id, should_publish,
		     publish_attempts, version)
		VALUES
		    (?,  ?,         ?,              ?,            ?,          ?,       ?,
		     ?,        ?,          ?,              ?,              ?,               ?,
		     0,                0)
	`
	_, err := tx.ExecContext(ctx, q,
		rec.ID, rec.TenantID, rec.AggregateType, rec.AggregateID, rec.EventType, rec.Payload, rec.OccurredAt.UTC(),
		rec.ActorID, rec.ActorName, rec.SourceAddress, rec.CorrelationID, rec.ConversationID, rec.ShouldPublish,
	)
	if err != nil {
		return fmt.Errorf("insert event record: %w", err)
	}

	return nil
}

func (r *EventsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.EventRecord, error) {
	q := `SELECT ` + eventColumns + ` FROM event_records WHERE id = ?`

	rows, err := r.selectRecords(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEventNotFound
	}

	return &rows[0], nil
}

func (r *EventsRepositoryImpl) GetByAggregate(ctx context.Context, tenantID, aggregateID string) ([]model.EventRecord, error) {
	q := `SELECT ` + eventColumns + ` FROM event_records WHERE aggregate_id = ?`
	args := []any{aggregateID}
	if tenantID != "" {
		q += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	q += " ORDER BY occurred_at DESC, id DESC"

	return r.selectRecords(ctx, q, args...)
}

func (r *EventsRepositoryImpl) GetByTenant(ctx context.Context, tenantID string, limit, offset int) ([]model.EventRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidPageSize
	}
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + eventColumns + `
		FROM event_records
		WHERE tenant_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ? OFFSET ?`

	return r.selectRecords(ctx, q, tenantID, limit, offset)
}

func (r *EventsRepositoryImpl) GetByCorrelation(ctx context.Context, tenantID, correlationID string) ([]model.EventRecord, error) {
	q := `SELECT ` + eventColumns + ` FROM event_records WHERE correlation_id = ?`
	args := []any{correlationID}
	if tenantID != "" {
		q += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	q += " ORDER BY occurred_at ASC, id ASC"

	return r.selectRecords(ctx, q, args...)
}

func (r *EventsRepositoryImpl) ListDeadLettered(ctx context.Context, tenantID string, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidPageSize
	}

	q := `SELECT ` + eventColumns + ` FROM event_records WHERE dead_lettered_at IS NOT NULL`
	args := []any{}
	if tenantID != "" {
		q += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	q += " ORDER BY dead_lettered_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return r.selectRecords(ctx, q, args...)
}

// ClaimPending leases up to batchSize publishable rows to owner, oldest first.
//
// Candidates are read first and then claimed one by one with a compare-and-set
// on the version column, so two dispatchers racing for the same row cannot both
// win: the loser's UPDATE matches zero rows. A lease that is not resolved by
// MarkPublished/MarkFailed/Release expires after the configured lease and the
// row becomes claimable again.
//
// Cancelling ctx stops the candidate read. Once candidates are known the claim
// runs to the end so that no row is left leased without being returned.
func (r *EventsRepositoryImpl) ClaimPending(ctx context.Context, owner string, batchSize int) ([]model.EventRecord, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if owner == "" {
		return nil, fmt.Errorf("claim owner is required")
	}

	now := r.now()

	const candidatesQ = `
		SELECT id, version
		FROM event_records
		WHERE should_publish = 1
		  AND published_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND publish_attempts < ?
		  AND (claimed_until IS NULL OR claimed_until < ?)
		ORDER BY occurred_at ASC, id ASC
		LIMIT ?
	`
	var candidates []claimCandidate
	if err := r.db.SelectContext(ctx, &candidates, candidatesQ, r.maxAttempts, now, batchSize); err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	return r.claimCandidates(ctx, owner, now, candidates)
}

type claimCandidate struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
}

// claimCandidates leases every candidate whose version is still current and
// returns the rows owner now holds. It ignores cancellation of ctx.
func (r *EventsRepositoryImpl) claimCandidates(ctx context.Context, owner string, now time.Time, candidates []claimCandidate) ([]model.EventRecord, error) {
	ctx = context.WithoutCancel(ctx)

	const claimQ = `
		UPDATE event_records
		SET version = version + 1, claimed_until = ?, claimed_by = ?
		WHERE id = ? AND version = ? AND published_at IS NULL AND dead_lettered_at IS NULL
	`
	until := now.Add(r.lease)
	ids := make([]string, 0, len(candidates))
	var claimErr error
	for _, c := range candidates {
		res, err := r.db.ExecContext(ctx, claimQ, until, owner, c.ID, c.Version)
		if err != nil {
			claimErr = fmt.Errorf("claim event %s: %w", c.ID, err)
			break
		}
		n, err := res.RowsAffected()
		if err != nil {
			claimErr = fmt.Errorf("claim event %s: %w", c.ID, err)
			break
		}
		if n == 1 {
			ids = append(ids, c.ID)
		}
	}
	if claimErr != nil {
		r.releaseAll(ctx, ids, owner)
		return nil, claimErr
	}
	if len(ids) == 0 {
		return nil, nil
	}

	base := `SELECT ` + eventColumns + `
		FROM event_records
		WHERE id IN (?) AND claimed_by = ?
		ORDER BY occurred_at ASC, id ASC`
	query, args, err := sqlx.In(base, ids, owner)
	if err != nil {
		r.releaseAll(ctx, ids, owner)
		return nil, err
	}

	rows, err := r.selectRecords(ctx, r.db.Rebind(query), args...)
	if err != nil {
		r.releaseAll(ctx, ids, owner)
		return nil, err
	}

	return rows, nil
}

// releaseAll is best effort; a row it misses comes back when its lease expires.
func (r *EventsRepositoryImpl) releaseAll(ctx context.Context, ids []string, owner string) {
	for _, id := range ids {
		_ = r.Release(ctx, id, owner)
	}
}

// MarkPublished stamps published_at once. Repeating it on a published row is a
// no-op.
func (r *EventsRepositoryImpl) MarkPublished(ctx context.Context, id string) error {
	const q = `
		UPDATE event_records
		SET published_at = ?, claimed_until = NULL, claimed_by = NULL
		WHERE id = ? AND should_publish = 1 AND published_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, q, r.now(), id)
	if err != nil {
		return fmt.Errorf("mark published %s: %w", id, err)
	}

	return r.checkAffected(ctx, res, id)
}

// MarkFailed records one failed attempt. When the attempt count reaches the
// limit the row is dead-lettered in the same statement.
func (r *EventsRepositoryImpl) MarkFailed(ctx context.Context, id, owner, errMsg string) error {
	// dead_lettered_at is assigned before publish_attempts: MySQL evaluates SET
	// left to right against already-updated columns, SQLite against old ones.
	const q = `
		UPDATE event_records
		SET dead_lettered_at   = CASE WHEN publish_attempts + 1 >= ? THEN ? ELSE dead_lettered_at END,
		    publish_attempts   = publish_attempts + 1,
		    last_publish_error = ?,
		    claimed_until      = NULL,
		    claimed_by         = NULL
		WHERE id = ? AND should_publish = 1 AND published_at IS NULL
		  AND (? = '' OR claimed_by = ?)
	`
	res, err := r.db.ExecContext(ctx, q, r.maxAttempts, r.now(), TruncateError(errMsg), id, owner, owner)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}

	return r.checkOwned(ctx, res, id, owner)
}

// MarkDeadLettered records a failed attempt that must not be retried.
func (r *EventsRepositoryImpl) MarkDeadLettered(ctx context.Context, id, owner, errMsg string) error {
	const q = `
		UPDATE event_records
		SET dead_lettered_at   = COALESCE(dead_lettered_at, ?),
		    publish_attempts   = publish_attempts + 1,
		    last_publish_error = ?,
		    claimed_until      = NULL,
		    claimed_by         = NULL
		WHERE id = ? AND should_publish = 1 AND published_at IS NULL
		  AND (? = '' OR claimed_by = ?)
	`
	res, err := r.db.ExecContext(ctx, q, r.now(), TruncateError(errMsg), id, owner, owner)
	if err != nil {
		return fmt.Errorf("mark dead-lettered %s: %w", id, err)
	}

	return r.checkOwned(ctx, res, id, owner)
}

// Release drops owner's lease without counting an attempt.
func (r *EventsRepositoryImpl) Release(ctx context.Context, id, owner string) error {
	const q = `
		UPDATE event_records
		SET claimed_until = NULL, claimed_by = NULL
		WHERE id = ? AND claimed_by = ?
	`
	if _, err := r.db.ExecContext(ctx, q, id, owner); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}

	return nil
}

// checkAffected turns a zero-row mark into the right answer: nil when the row
// is already resolved, ErrNotPublishable for audit-only rows, ErrEventNotFound
// when the id does not exist.
func (r *EventsRepositoryImpl) checkAffected(ctx context.Context, res interface{ RowsAffected() (int64, error) }, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var shouldPublish []bool
	if err := r.db.SelectContext(ctx, &shouldPublish, `SELECT should_publish FROM event_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("lookup %s: %w", id, err)
	}
	if len(shouldPublish) == 0 {
		return ErrEventNotFound
	}
	if !shouldPublish[0] {
		return ErrNotPublishable
	}

	return nil
}

// checkOwned is checkAffected for owner-guarded marks: a publishable row that
// matched nothing is no longer held by owner.
func (r *EventsRepositoryImpl) checkOwned(ctx context.Context, res interface{ RowsAffected() (int64, error) }, id, owner string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := r.checkAffected(ctx, res, id); err != nil || owner == "" {
		return err
	}

	return ErrClaimLost
}

func (r *EventsRepositoryImpl) selectRecords(ctx context.Context, q string, args ...any) ([]model.EventRecord, error) {
	var rows []model.EventRecord
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select event records: %w", err)
	}
	for i := range rows {
		rows[i].UTC()
	}

	return rows, nil
}

// TruncateError cuts msg to MaxErrorLength bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}

	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}

	return msg[:cut]
}
