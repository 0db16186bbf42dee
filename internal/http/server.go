package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmehdipour/event-outbox/internal/audit"
	"github.com/jmehdipour/event-outbox/internal/config"
	"github.com/jmehdipour/event-outbox/internal/eventstore"
	"github.com/jmehdipour/event-outbox/internal/http/middleware"
	"github.com/jmehdipour/event-outbox/internal/metrics"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmehdipour/event-outbox/internal/service/orders"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const ctxLogger = "logger"

type requestValidator struct{ v *validator.Validate }

func (r requestValidator) Validate(i any) error { return r.v.Struct(i) }

func loggerFrom(c echo.Context) *zap.Logger {
	if l, ok := c.Get(ctxLogger).(*zap.Logger); ok {
		return l
	}
	return zap.L()
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// NewServer wires the order API and the audit API on top of sqlDB.
// clickhouseDB and rds are optional.
func NewServer(cfg config.Config, sqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// repos
	eventsRepo := repository.NewEventsRepository(sqlDB, repository.OutboxOptions{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		ClaimLease:  cfg.Outbox.ClaimLease,
	})
	ordersRepo := repository.NewOrdersRepository(sqlDB)

	// event log
	registry := eventstore.NewRegistry()
	if err := orders.RegisterEvents(registry); err != nil {
		return nil, err
	}
	store := eventstore.New(eventsRepo, eventstore.Options{Registry: registry, Logger: log})

	// services
	ordersSvc := orders.New(sqlDB, ordersRepo, store, log)
	auditSvc := audit.New(eventsRepo)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = requestValidator{v: validator.New()}
	e.Use(
		echoMid.Recover(),
		echoMid.RequestID(),
		func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set(ctxLogger, log.With(zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID))))
				return next(c)
			}
		},
		echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
			LogMethod:  true,
			LogURI:     true,
			LogStatus:  true,
			LogLatency: true,
			LogError:   true,
			LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
				fields := []zap.Field{
					zap.String("method", v.Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Duration("latency", v.Latency),
				}
				if v.Error != nil {
					fields = append(fields, zap.Error(v.Error))
				}
				loggerFrom(c).Info("http request", fields...)
				return nil
			},
		}),
	)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
		}
		return c.String(http.StatusOK, "ok")
	})

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.HTTP.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:tenant:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/orders", placeOrderHandler(ordersSvc))
	v1.GET("/orders/:id", getOrderHandler(ordersSvc))
	v1.POST("/orders/:id/comments", addCommentHandler(ordersSvc))
	v1.POST("/orders/:id/payments", paymentHandler(ordersSvc))
	v1.POST("/orders/:id/cancel", cancelOrderHandler(ordersSvc))
	v1.GET("/events", listEventsHandler(auditSvc))
	v1.GET("/events/dead-letters", deadLettersHandler(auditSvc))
	if clickhouseDB != nil {
		v1.GET("/reports/events", eventStatsHandler(repository.NewCHEventsRepository(clickhouseDB)))
	}

	return &Server{e: e, log: log}, nil
}

func (s *Server) Handler() http.Handler { return s.e }

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
