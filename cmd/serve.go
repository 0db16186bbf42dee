package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/event-outbox/cmd/worker"
	"github.com/jmehdipour/event-outbox/internal/config"
	"github.com/jmehdipour/event-outbox/internal/db"
	httpSrv "github.com/jmehdipour/event-outbox/internal/http"
	"github.com/jmehdipour/event-outbox/internal/logger"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server (and the embedded dispatcher)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := logger.Init(cfg.Log.Level, cfg.Log.Encoding); err != nil {
			return err
		}
		log := logger.Log
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sqlDB, err := worker.OpenDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connect: %w", err)
		}
		defer sqlDB.Close()

		if autoMigrate {
			if err := db.MigrateQuiet(ctx, sqlDB, cfg.Database.Driver); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		if redisClient != nil {
			defer func() { _ = redisClient.Close() }()
		} else {
			log.Info("redis not configured; rate limiting disabled")
		}

		var chDB *sqlx.DB
		if cfg.ClickHouse.Enabled {
			chDB, err = db.NewClickHouseConnection(db.ClickHouseOpts{
				DSN:             cfg.ClickHouse.DSN,
				MaxOpenConns:    cfg.ClickHouse.Pool.MaxOpenConns,
				MaxIdleConns:    cfg.ClickHouse.Pool.MaxIdleConns,
				ConnMaxLifetime: cfg.ClickHouse.Pool.ConnMaxLifetime,
				ConnMaxIdleTime: cfg.ClickHouse.Pool.ConnMaxIdleTime,
				PingTimeout:     cfg.ClickHouse.Pool.PingTimeout,
			})
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
		}

		server, err := httpSrv.NewServer(cfg, sqlDB, chDB, redisClient, log)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Start(cfg.HTTP.Addr) })
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down http server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		if cfg.Dispatcher.Embedded {
			d, closeBus, err := worker.NewDispatcher(ctx, cfg, sqlDB, log)
			if err != nil {
				stop()
				_ = g.Wait()
				return err
			}
			defer func() {
				if err := closeBus(); err != nil {
					log.Warn("closing message bus", zap.Error(err))
				}
			}()
			g.Go(func() error { return d.Run(gctx) })
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before serving")
}
