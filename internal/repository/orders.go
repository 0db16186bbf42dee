package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrOrderNotFound = errors.New("order not found")

// OrdersRepository persists the orders aggregate.
type OrdersRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, o model.Order) error
	Get(ctx context.Context, tx *sqlx.Tx, tenantID, id string) (*model.Order, error)
	TransitionStatus(ctx context.Context, tx *sqlx.Tx, tenantID, id string, from, to model.OrderStatus) (bool, error)
	Touch(ctx context.Context, tx *sqlx.Tx, tenantID, id string) error
}

type OrdersRepositoryImpl struct {
	db    *sqlx.DB
	clock func() time.Time
}

func NewOrdersRepository(db *sqlx.DB) *OrdersRepositoryImpl {
	return &OrdersRepositoryImpl{db: db, clock: time.Now}
}

func (r *OrdersRepositoryImpl) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OrdersRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// Insert writes a new order row. CreatedAt/UpdatedAt default to now.
func (r *OrdersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, o model.Order) error {
	const q = `
		INSERT INTO orders
		    (id, tenant_id, customer_id, status, total_cents, currency, created_at, updated_at)
		VALUES
		    (?,  ?,         ?,           ?,      ?,           ?,        ?,          ?)
	`
	now := r.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			o.ID, o.TenantID, o.CustomerID, o.Status.String(), o.TotalCents, o.Currency, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// Get loads one order of tenantID. A nil tx reads outside any transaction.
func (r *OrdersRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, tenantID, id string) (*model.Order, error) {
	const q = `
		SELECT id, tenant_id, customer_id, status, total_cents, currency, created_at, updated_at
		FROM orders
		WHERE id = ? AND tenant_id = ?
	`
	var (
		o   model.Order
		err error
	)
	if tx != nil {
		err = tx.GetContext(ctx, &o, q, id, tenantID)
	} else {
		err = r.db.GetContext(ctx, &o, q, id, tenantID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	return &o, nil
}

// TransitionStatus moves an order from one status to another. It reports false
// when the order is not currently in the from status.
func (r *OrdersRepositoryImpl) TransitionStatus(ctx context.Context, tx *sqlx.Tx, tenantID, id string, from, to model.OrderStatus) (bool, error) {
	const q = `
		UPDATE orders SET status = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?
	`
	var changed bool
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, to.String(), r.now(), id, tenantID, from.String())
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		return nil
	})

	return changed, err
}

// Touch bumps updated_at so concurrent writers of the same order serialize on
// the row.
func (r *OrdersRepositoryImpl) Touch(ctx context.Context, tx *sqlx.Tx, tenantID, id string) error {
	const q = `UPDATE orders SET updated_at = ? WHERE id = ? AND tenant_id = ?`

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, r.now(), id, tenantID)
		if err != nil {
			return fmt.Errorf("touch order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrOrderNotFound
		}
		return nil
	})
}
