// Package dispatcher relays pending outbox events to the message bus.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/event-outbox/internal/bus"
	"github.com/jmehdipour/event-outbox/internal/metrics"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmehdipour/event-outbox/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	DefaultInterval       = 2 * time.Second
	DefaultBatchSize      = 50
	DefaultWorkers        = 4
	DefaultPublishTimeout = 5 * time.Second
)

type Config struct {
	Interval       time.Duration
	BatchSize      int
	Workers        int
	PublishTimeout time.Duration
	// InstanceID identifies this dispatcher in claimed_by.
	InstanceID string
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if strings.TrimSpace(c.InstanceID) == "" {
		c.InstanceID = DefaultInstanceID()
	}
	return c
}

// fitLease keeps a single publish well inside the claim lease: PublishTimeout
// is capped at half of it.
func (c Config) fitLease(lease time.Duration) Config {
	if lease > 0 && c.PublishTimeout > lease/2 {
		c.PublishTimeout = lease / 2
	}
	return c
}

// DefaultInstanceID is host-pid-ulid, unique per process start.
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatcher"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), util.New())
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithBreaker guards the bus with b. A nil breaker disables the guard.
func WithBreaker(b *Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// CycleResult counts what one dispatch cycle did.
type CycleResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
	Released     int
	MarkErrors   int
	// Skipped is set when the breaker kept the cycle from claiming.
	Skipped bool
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeFailed
	outcomeDeadLettered
	outcomeReleased
)

func (o outcome) String() string {
	switch o {
	case outcomePublished:
		return "published"
	case outcomeFailed:
		return "failed"
	case outcomeDeadLettered:
		return "dead_lettered"
	default:
		return "released"
	}
}

type result struct {
	outcome outcome
	markErr bool
}

func (r *CycleResult) add(res result) {
	switch res.outcome {
	case outcomePublished:
		r.Published++
	case outcomeFailed:
		r.Failed++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeReleased:
		r.Released++
	}
	if res.markErr {
		r.MarkErrors++
	}
}

// Dispatcher claims batches of pending events and hands them to a fixed pool
// of publish workers. Each event is published, then resolved with its own
// repository call, so one bad event never holds back the rest of the batch.
type Dispatcher struct {
	repo    repository.OutboxRepository
	bus     bus.MessageBus
	cfg     Config
	lease   time.Duration
	log     *zap.Logger
	tracer  trace.Tracer
	breaker *Breaker
}

func New(repo repository.OutboxRepository, b bus.MessageBus, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:   repo,
		bus:    b,
		cfg:    cfg.normalize().fitLease(repo.ClaimLease()),
		lease:  repo.ClaimLease(),
		log:    zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("outbox-dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// Run dispatches every Interval until ctx is cancelled. Cancellation stops new
// claims; a cycle already running finishes its batch before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.log.Info("outbox dispatcher started",
		zap.String("instance_id", d.cfg.InstanceID),
		zap.Duration("interval", d.cfg.Interval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("workers", d.cfg.Workers),
		zap.Int("max_attempts", d.repo.MaxAttempts()),
	)

	for {
		if ctx.Err() != nil {
			d.log.Info("outbox dispatcher stopped", zap.String("instance_id", d.cfg.InstanceID))
			return nil
		}

		res, err := d.RunCycle(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.log.Error("outbox dispatch cycle failed", zap.Error(err))
		case res.Claimed > 0:
			d.log.Info("outbox dispatch cycle",
				zap.Int("claimed", res.Claimed),
				zap.Int("published", res.Published),
				zap.Int("failed", res.Failed),
				zap.Int("dead_lettered", res.DeadLettered),
				zap.Int("released", res.Released),
				zap.Int("mark_errors", res.MarkErrors),
			)
		}

		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped", zap.String("instance_id", d.cfg.InstanceID))
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one Claiming → Publishing → Recording pass. Once a batch is
// claimed it is worked to completion on a context detached from ctx's
// cancellation, so shutdown never strands a claimed row.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	defer func() {
		metrics.BreakerOpen.Set(boolGauge(d.breaker.State() == open.String()))
	}()

	if !d.breaker.Ready() {
		res.Skipped = true
		return res, nil
	}

	ctx, span := d.tracer.Start(ctx, "outbox.dispatch.cycle")
	defer span.End()

	// read before claiming, so it is never later than the lease the repository records
	leaseEnd := time.Now().Add(d.lease)
	events, err := d.repo.ClaimPending(ctx, d.cfg.InstanceID, d.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return res, fmt.Errorf("claim pending: %w", err)
	}

	res.Claimed = len(events)
	metrics.OutboxClaimed.Observe(float64(len(events)))
	span.SetAttributes(attribute.Int("outbox.claimed", len(events)))
	if len(events) == 0 {
		return res, nil
	}

	work := context.WithoutCancel(ctx)
	jobs := make(chan model.EventRecord)
	results := make(chan result, len(events))

	workers := min(d.cfg.Workers, len(events))
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for ev := range jobs {
				results <- d.process(work, ev, leaseEnd)
			}
		}()
	}

	for _, ev := range events {
		jobs <- ev
	}
	close(jobs)
	wg.Wait()
	close(results)

	for r := range results {
		res.add(r)
	}

	span.SetAttributes(
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.dead_lettered", res.DeadLettered),
	)

	return res, nil
}

// leaseTooShort reports whether a publish started now could still be running
// when the claim expires at leaseEnd.
func (d *Dispatcher) leaseTooShort(leaseEnd time.Time) bool {
	if d.lease <= 0 {
		return false
	}
	return time.Now().Add(d.cfg.PublishTimeout + d.lease/10).After(leaseEnd)
}

func (d *Dispatcher) process(ctx context.Context, ev model.EventRecord, leaseEnd time.Time) result {
	log := d.log.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("tenant_id", ev.TenantID),
		zap.String("correlation_id", ev.CorrelationID),
	)

	if !d.breaker.Allow() {
		return d.release(ctx, log, ev)
	}
	if d.leaseTooShort(leaseEnd) {
		log.Debug("claim lease nearly over; releasing event")
		return d.release(ctx, log, ev)
	}

	ctx, span := d.tracer.Start(ctx, "outbox.dispatch.publish", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.EventType),
		attribute.Int("event.attempts", ev.PublishAttempts),
	))
	defer span.End()

	start := time.Now()
	err := d.publish(ctx, ev)
	metrics.OutboxPublishSeconds.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())

	if err == nil {
		d.breaker.OnSuccess()
		metrics.OutboxPublish.WithLabelValues(ev.EventType, outcomePublished.String()).Inc()
		if mErr := d.repo.MarkPublished(ctx, ev.ID); mErr != nil {
			metrics.OutboxMarkErrors.Inc()
			span.RecordError(mErr)
			log.Error("mark published failed; event will be republished after the claim lease", zap.Error(mErr))
			return result{outcome: outcomePublished, markErr: true}
		}
		log.Debug("event published")
		return result{outcome: outcomePublished}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "publish failed")

	if bus.IsPermanent(err) {
		// the bus answered, so this says nothing about its health
		d.breaker.OnSuccess()
		return d.deadLetter(ctx, log, ev, err)
	}

	d.breaker.OnFailure()
	attempts := ev.PublishAttempts + 1
	exhausted := attempts >= d.repo.MaxAttempts()

	if mErr := d.repo.MarkFailed(ctx, ev.ID, d.cfg.InstanceID, err.Error()); mErr != nil {
		metrics.OutboxMarkErrors.Inc()
		d.logMarkError(log, "mark failed failed", mErr, err)
		return result{outcome: outcomeFailed, markErr: true}
	}

	if exhausted {
		metrics.OutboxPublish.WithLabelValues(ev.EventType, outcomeDeadLettered.String()).Inc()
		metrics.OutboxDeadLettered.WithLabelValues(ev.EventType, "exhausted").Inc()
		log.Error("event dead-lettered: retries exhausted",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return result{outcome: outcomeDeadLettered}
	}

	metrics.OutboxPublish.WithLabelValues(ev.EventType, outcomeFailed.String()).Inc()
	log.Warn("publish failed; will retry",
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", d.repo.MaxAttempts()),
		zap.Error(err),
	)
	return result{outcome: outcomeFailed}
}

func (d *Dispatcher) deadLetter(ctx context.Context, log *zap.Logger, ev model.EventRecord, err error) result {
	if mErr := d.repo.MarkDeadLettered(ctx, ev.ID, d.cfg.InstanceID, err.Error()); mErr != nil {
		metrics.OutboxMarkErrors.Inc()
		d.logMarkError(log, "mark dead-lettered failed", mErr, err)
		return result{outcome: outcomeDeadLettered, markErr: true}
	}

	metrics.OutboxPublish.WithLabelValues(ev.EventType, outcomeDeadLettered.String()).Inc()
	metrics.OutboxDeadLettered.WithLabelValues(ev.EventType, "permanent").Inc()
	log.Error("event dead-lettered: permanent publish error",
		zap.Int("attempts", ev.PublishAttempts+1),
		zap.Error(err),
	)
	return result{outcome: outcomeDeadLettered}
}

func (d *Dispatcher) release(ctx context.Context, log *zap.Logger, ev model.EventRecord) result {
	metrics.OutboxPublish.WithLabelValues(ev.EventType, outcomeReleased.String()).Inc()
	if err := d.repo.Release(ctx, ev.ID, d.cfg.InstanceID); err != nil {
		metrics.OutboxMarkErrors.Inc()
		log.Error("release claim failed", zap.Error(err))
		return result{outcome: outcomeReleased, markErr: true}
	}
	return result{outcome: outcomeReleased}
}

func (d *Dispatcher) logMarkError(log *zap.Logger, msg string, mErr, publishErr error) {
	if errors.Is(mErr, repository.ErrClaimLost) {
		log.Warn("claim lease ran out before the failure was recorded; another dispatcher owns the event",
			zap.NamedError("publish_error", publishErr))
		return
	}
	log.Error(msg, zap.Error(mErr), zap.NamedError("publish_error", publishErr))
}

// publish calls the bus under PublishTimeout. A timeout or a panicking bus
// client is reported as an ordinary publish error.
func (d *Dispatcher) publish(ctx context.Context, ev model.EventRecord) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("bus panicked: %v", p)
		}
	}()

	err = d.bus.Publish(ctx, ev.EventType, ev.Payload, ev.CorrelationID)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("publish timed out after %s: %w", d.cfg.PublishTimeout, err)
	}
	return err
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
