package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/event-outbox/cmd/worker"
	"github.com/jmehdipour/event-outbox/internal/bus"
	"github.com/jmehdipour/event-outbox/internal/config"
	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/jmehdipour/event-outbox/internal/dispatcher"
	"github.com/jmehdipour/event-outbox/internal/eventstore"
	"github.com/jmehdipour/event-outbox/internal/logger"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmehdipour/event-outbox/internal/service/orders"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var demoStdout bool

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Record a sample order history and run one dispatch cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := logger.Init(cfg.Log.Level, cfg.Log.Encoding); err != nil {
			return err
		}
		log := logger.Log
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()

		// 2) store
		sqlDB, err := worker.OpenDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connect: %w", err)
		}
		defer sqlDB.Close()
		if err := db.MigrateQuiet(ctx, sqlDB, cfg.Database.Driver); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		repo := repository.NewEventsRepository(sqlDB, repository.OutboxOptions{
			MaxAttempts: cfg.Outbox.MaxAttempts,
			ClaimLease:  cfg.Outbox.ClaimLease,
		})
		registry := eventstore.NewRegistry()
		if err := orders.RegisterEvents(registry); err != nil {
			return err
		}
		svc := orders.New(sqlDB, repository.NewOrdersRepository(sqlDB),
			eventstore.New(repo, eventstore.Options{Registry: registry, Logger: log}), log)

		// 3) business operations
		actor := &model.ActorContext{ActorID: "demo", ActorName: "Demo User", CorrelationID: "demo-run"}
		placed, err := svc.PlaceOrder(ctx, "tenant-a", orders.PlaceOrderInput{CustomerID: "customer-1", TotalCents: 4200, Currency: "EUR"}, actor)
		if err != nil {
			return err
		}
		if _, err := svc.AddComment(ctx, "tenant-a", placed.Order.ID, "support", "leave at the front desk", actor); err != nil {
			return err
		}
		if _, err := svc.ProcessPayment(ctx, "tenant-a", placed.Order.ID, "pay-demo-1", 4200, actor); err != nil {
			return err
		}
		log.Info("demo order recorded", zap.String("order_id", placed.Order.ID))

		// 4) one dispatch cycle
		var d *dispatcher.Dispatcher
		if demoStdout {
			printer := bus.Func(func(_ context.Context, eventType string, payload []byte, correlationID string) error {
				fmt.Printf("%s [%s] %s\n", eventType, correlationID, payload)
				return nil
			})
			d = dispatcher.New(repo, printer, dispatcher.Config{}, dispatcher.WithLogger(log.Named("dispatcher")))
		} else {
			var closeBus func() error
			d, closeBus, err = worker.NewDispatcher(ctx, cfg, sqlDB, log)
			if err != nil {
				return err
			}
			defer func() { _ = closeBus() }()
		}

		res, err := d.RunCycle(ctx)
		if err != nil {
			return err
		}
		fmt.Printf(">> claimed=%d published=%d failed=%d dead_lettered=%d\n",
			res.Claimed, res.Published, res.Failed, res.DeadLettered)

		history, err := repo.GetByAggregate(ctx, "tenant-a", placed.Order.ID)
		if err != nil {
			return err
		}
		for _, ev := range history {
			fmt.Printf("   %s %-18s publish=%-5t published=%-5t pending=%t\n",
				ev.OccurredAt.Format("15:04:05.000"), ev.EventType, ev.ShouldPublish, ev.PublishedAt != nil, ev.Pending())
		}
		return nil
	},
}

func init() {
	demoCmd.Flags().BoolVar(&demoStdout, "stdout", false, "print published events instead of using the configured bus")
}
