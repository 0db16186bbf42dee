package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/jmehdipour/event-outbox/internal/eventstore"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmehdipour/event-outbox/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const MaxCommentLength = 2000

var (
	ErrInvalidOrder        = errors.New("invalid order")
	ErrOrderNotPayable     = errors.New("order is not payable")
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
	ErrAmountMismatch      = errors.New("payment amount does not match order total")
)

// RegisterEvents declares which order events leave the service.
func RegisterEvents(r *eventstore.Registry) error {
	descriptors := map[string]eventstore.Descriptor{
		model.EventOrderCreated:      {Publish: true},
		model.EventOrderCommentAdded: {Publish: false},
		model.EventPaymentProcessed:  {Publish: true},
		model.EventOrderCancelled:    {Publish: true},
	}
	for eventType, d := range descriptors {
		if err := r.Register(eventType, d); err != nil {
			return err
		}
	}
	return nil
}

// Result is the order state after an operation plus the event it recorded.
type Result struct {
	Order *model.Order       `json:"order"`
	Event *model.EventRecord `json:"event"`
}

// Service runs the order operations. Each one is a single transaction that
// changes the order and appends its event, so both commit or neither does.
type Service struct {
	db     *sqlx.DB
	orders repository.OrdersRepository
	store  *eventstore.Store
	log    *zap.Logger
}

func New(sqlDB *sqlx.DB, ordersRepo repository.OrdersRepository, store *eventstore.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: sqlDB, orders: ordersRepo, store: store, log: log}
}

type PlaceOrderInput struct {
	CustomerID string
	TotalCents int64
	Currency   string
}

func (s *Service) PlaceOrder(ctx context.Context, tenantID string, in PlaceOrderInput, actor *model.ActorContext) (Result, error) {
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.CustomerID == "" || in.TotalCents < 0 || len(in.Currency) != 3 {
		return Result{}, ErrInvalidOrder
	}

	order := model.Order{
		ID:         util.New(),
		TenantID:   tenantID,
		CustomerID: in.CustomerID,
		Status:     model.StatusPlaced,
		TotalCents: in.TotalCents,
		Currency:   in.Currency,
	}

	var res Result
	err := db.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.orders.Insert(ctx, tx, order); err != nil {
			return err
		}

		rec, err := s.store.Append(ctx, tx, model.OrderCreated{
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			TotalCents: order.TotalCents,
			Currency:   order.Currency,
		}, tenantID, model.AggregateOrder, order.ID, actor)
		if err != nil {
			return err
		}

		stored, err := s.orders.Get(ctx, tx, tenantID, order.ID)
		if err != nil {
			return err
		}

		res = Result{Order: stored, Event: rec}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("place order: %w", err)
	}

	s.log.Info("order placed",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", order.ID),
		zap.String("event_id", res.Event.ID),
	)
	return res, nil
}

func (s *Service) AddComment(ctx context.Context, tenantID, orderID, author, text string, actor *model.ActorContext) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxCommentLength {
		return Result{}, ErrInvalidOrder
	}

	var res Result
	err := db.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.orders.Touch(ctx, tx, tenantID, orderID); err != nil {
			return err
		}

		rec, err := s.store.Append(ctx, tx, model.OrderCommentAdded{
			OrderID: orderID,
			Author:  strings.TrimSpace(author),
			Text:    text,
		}, tenantID, model.AggregateOrder, orderID, actor)
		if err != nil {
			return err
		}

		order, err := s.orders.Get(ctx, tx, tenantID, orderID)
		if err != nil {
			return err
		}

		res = Result{Order: order, Event: rec}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("add comment: %w", err)
	}

	return res, nil
}

// ProcessPayment moves a placed order to paid. amountCents must equal the
// order total.
func (s *Service) ProcessPayment(ctx context.Context, tenantID, orderID, paymentRef string, amountCents int64, actor *model.ActorContext) (Result, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return Result{}, ErrInvalidOrder
	}

	var res Result
	err := db.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		order, err := s.orders.Get(ctx, tx, tenantID, orderID)
		if err != nil {
			return err
		}
		if order.TotalCents != amountCents {
			return ErrAmountMismatch
		}

		changed, err := s.orders.TransitionStatus(ctx, tx, tenantID, orderID, model.StatusPlaced, model.StatusPaid)
		if err != nil {
			return err
		}
		if !changed {
			return ErrOrderNotPayable
		}

		rec, err := s.store.Append(ctx, tx, model.PaymentProcessed{
			OrderID:     orderID,
			PaymentRef:  paymentRef,
			AmountCents: amountCents,
			Currency:    order.Currency,
		}, tenantID, model.AggregateOrder, orderID, actor)
		if err != nil {
			return err
		}

		order.Status = model.StatusPaid
		res = Result{Order: order, Event: rec}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("process payment: %w", err)
	}

	s.log.Info("payment processed",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.String("event_id", res.Event.ID),
	)
	return res, nil
}

func (s *Service) CancelOrder(ctx context.Context, tenantID, orderID, reason string, actor *model.ActorContext) (Result, error) {
	var res Result
	err := db.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		order, err := s.orders.Get(ctx, tx, tenantID, orderID)
		if err != nil {
			return err
		}

		changed, err := s.orders.TransitionStatus(ctx, tx, tenantID, orderID, model.StatusPlaced, model.StatusCancelled)
		if err != nil {
			return err
		}
		if !changed {
			return ErrOrderNotCancellable
		}

		rec, err := s.store.Append(ctx, tx, model.OrderCancelled{
			OrderID: orderID,
			Reason:  strings.TrimSpace(reason),
		}, tenantID, model.AggregateOrder, orderID, actor)
		if err != nil {
			return err
		}

		order.Status = model.StatusCancelled
		res = Result{Order: order, Event: rec}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("cancel order: %w", err)
	}

	s.log.Info("order cancelled", zap.String("tenant_id", tenantID), zap.String("order_id", orderID))
	return res, nil
}

func (s *Service) Get(ctx context.Context, tenantID, orderID string) (*model.Order, error) {
	return s.orders.Get(ctx, nil, tenantID, orderID)
}
