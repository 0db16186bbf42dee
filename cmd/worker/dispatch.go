package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/event-outbox/internal/bus"
	"github.com/jmehdipour/event-outbox/internal/config"
	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/jmehdipour/event-outbox/internal/dispatcher"
	"github.com/jmehdipour/event-outbox/internal/kafka"
	"github.com/jmehdipour/event-outbox/internal/logger"
	"github.com/jmehdipour/event-outbox/internal/metrics"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var dispatchOnce bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the outbox dispatcher",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "run a single dispatch cycle and exit")
}

// OpenDatabase opens the configured event store.
func OpenDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	return db.Open(cfg.Driver, cfg.DSN, db.SQLOpts{
		MaxOpenConns:    cfg.Pool.MaxOpenConns,
		MaxIdleConns:    cfg.Pool.MaxIdleConns,
		ConnMaxLifetime: cfg.Pool.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Pool.ConnMaxIdleTime,
		PingTimeout:     cfg.Pool.PingTimeout,
		BusyTimeout:     cfg.BusyTimeout,
	})
}

// NewBus builds the configured message bus. closeFn releases its resources.
func NewBus(ctx context.Context, cfg config.BusConfig) (b bus.MessageBus, closeFn func() error, err error) {
	switch cfg.Driver {
	case "kafka":
		producer := kafka.NewProducerFromConfig(kafka.Config{
			Brokers:                cfg.Kafka.Brokers,
			BatchTimeout:           cfg.Kafka.BatchTimeout,
			WriteTimeout:           cfg.Kafka.WriteTimeout,
			MaxAttempts:            cfg.Kafka.MaxAttempts,
			RequiredAcks:           cfg.Kafka.RequiredAcks,
			AllowAutoTopicCreation: cfg.Kafka.AllowAutoTopicCreation,
		})
		k := bus.NewKafka(producer, cfg.Kafka.TopicPrefix)
		return k, k.Close, nil
	case "pubsub":
		ps, err := bus.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, cfg.PubSub.Ordering)
		if err != nil {
			return nil, nil, err
		}
		return ps, ps.Close, nil
	case "webhook":
		hook := bus.NewWebhook(cfg.Webhook.Name, cfg.Webhook.URL, cfg.Webhook.Timeout, cfg.Webhook.Headers)
		return hook, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// NewDispatcher wires the outbox repository, the bus and the breaker from cfg.
func NewDispatcher(ctx context.Context, cfg config.Config, sqlDB *sqlx.DB, log *zap.Logger) (*dispatcher.Dispatcher, func() error, error) {
	b, closeBus, err := NewBus(ctx, cfg.Bus)
	if err != nil {
		return nil, nil, fmt.Errorf("message bus: %w", err)
	}

	repo := repository.NewEventsRepository(sqlDB, repository.OutboxOptions{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		ClaimLease:  cfg.Outbox.ClaimLease,
	})

	d := dispatcher.New(repo, b, dispatcher.Config{
		Interval:       cfg.Dispatcher.Interval,
		BatchSize:      cfg.Dispatcher.BatchSize,
		Workers:        cfg.Dispatcher.Workers,
		PublishTimeout: cfg.Dispatcher.PublishTimeout,
		InstanceID:     cfg.Dispatcher.InstanceID,
	},
		dispatcher.WithLogger(log.Named("dispatcher")),
		dispatcher.WithTracer(otel.Tracer("github.com/jmehdipour/event-outbox/dispatcher")),
		dispatcher.WithBreaker(dispatcher.NewBreaker(cfg.Dispatcher.Breaker.FailThreshold, cfg.Dispatcher.Breaker.OpenFor)),
	)

	return d, closeBus, nil
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Encoding); err != nil {
		return err
	}
	log := logger.Log
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3) store + dispatcher
	sqlDB, err := OpenDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer sqlDB.Close()

	d, closeBus, err := NewDispatcher(ctx, cfg, sqlDB, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBus(); err != nil {
			log.Warn("closing message bus", zap.Error(err))
		}
	}()

	if dispatchOnce {
		res, err := d.RunCycle(ctx)
		if err != nil {
			return err
		}
		log.Info("dispatch cycle done",
			zap.Int("claimed", res.Claimed),
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed),
			zap.Int("dead_lettered", res.DeadLettered),
			zap.Bool("skipped", res.Skipped),
		)
		return nil
	}

	// 4) dispatcher + metrics listener
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })

	if cfg.Dispatcher.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Dispatcher.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics: listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
