package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/carequeue/carequeue/internal/config"
	"github.com/carequeue/carequeue/internal/domain/appointment"
	"github.com/carequeue/carequeue/internal/domain/emergency"
	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/internal/platform/clock"
	"github.com/carequeue/carequeue/internal/platform/db"
	"github.com/carequeue/carequeue/internal/platform/lock"
	"github.com/carequeue/carequeue/internal/platform/middleware"
	"github.com/carequeue/carequeue/internal/platform/sweeper"
	"github.com/carequeue/carequeue/internal/platform/websocket"
)

const (
	eventsChannel  = "carequeue:events"
	shutdownPeriod = 10 * time.Second
)

// app holds everything a running process needs. pool and rdb may be nil in
// tests; rdb is nil whenever REDIS_URL is unset.
type app struct {
	pool    *pgxpool.Pool
	rdb     redis.UniversalClient
	hub     *websocket.Hub
	bridge  *websocket.RedisBridge
	sweeper *sweeper.Sweeper
	echo    *echo.Echo
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info().Msg("connected to database")

	rdb, err := newRedis(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if rdb != nil {
		logger.Info().Msg("connected to redis")
	}

	a, err := wire(cfg, logger, pool, rdb)
	if err != nil {
		pool.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// newRedis returns a nil client when Redis is not configured.
func newRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newLocker(cfg *config.Config, pool *pgxpool.Pool, rdb redis.UniversalClient, logger zerolog.Logger) (lock.Locker, error) {
	switch cfg.LockBackend {
	case config.LockRedis:
		if rdb == nil {
			return nil, errors.New("redis lock backend selected without a redis client")
		}
		return lock.NewRedis(rdb, cfg.LockTTL, logger), nil
	case config.LockPostgres:
		if pool == nil {
			return nil, errors.New("postgres lock backend selected without a database pool")
		}
		return lock.NewPostgres(pool, cfg.LockTTL, logger), nil
	default:
		return lock.NewLocal(), nil
	}
}

func newAvailability(rdb redis.UniversalClient) emergency.Availability {
	if rdb == nil {
		return emergency.NewMemoryAvailability()
	}
	return emergency.NewRedisAvailability(rdb, emergency.DefaultAvailabilityKey)
}

// wire builds services and routes without touching the network.
func wire(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, rdb redis.UniversalClient) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	locker, err := newLocker(cfg, pool, rdb, logger)
	if err != nil {
		return nil, err
	}

	a := &app{pool: pool, rdb: rdb, hub: websocket.NewHub(logger)}

	var bus websocket.EventPublisher = a.hub
	if rdb != nil {
		a.bridge = websocket.NewRedisBridge(rdb, eventsChannel, a.hub, logger)
		bus = a.bridge
	}

	clk := clock.Real{}
	validate := validator.New()

	apptSvc := appointment.NewService(
		appointment.NewRepoPG(pool),
		appointment.NewSlotRepoPG(pool),
		locker, bus, clk,
		appointment.Config{
			Policy: appointment.QueuePolicy{
				AvgConsultationMinutes: cfg.AvgConsultationMinutes,
				MaxWaitMinutes:         cfg.MaxWaitMinutes,
			},
			MissedGrace: time.Duration(cfg.MissedGraceMinutes) * time.Minute,
			Location:    loc,
		},
		logger,
	)

	emRepo := emergency.NewRepoPG(pool)
	emSvc := emergency.NewService(emRepo, newAvailability(rdb), bus, clk, emergency.Config{
		PendingTimeout:  cfg.EmergencyPendingTimeout,
		ConsultationFee: cfg.EmergencyConsultationFee,
	}, logger)
	relay := emergency.NewRelay(emRepo, emSvc, bus, logger)

	a.sweeper = sweeper.New(cfg.SweepInterval, logger,
		sweeper.Task{Name: "appointments.missed", Run: apptSvc.SweepMissed},
		sweeper.Task{Name: "emergency.unanswered", Run: emSvc.SweepUnanswered},
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.Audit(logger))

	health := db.HealthHandler(pool, rdb)
	e.GET("/health", health)
	e.GET("/health/db", health)

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	appointment.NewHandler(apptSvc, validate).RegisterRoutes(apiV1)
	emergency.NewHandler(emSvc, relay, validate).RegisterRoutes(apiV1)

	wsHandler := websocket.NewWebSocketHandler(a.hub, relay, relay.AuthorizeRoom, cfg.WSSendBuffer, logger)
	wsHandler.RegisterRoutes(e.Group(""))

	a.echo = e
	return a, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.sweeper.Start(gctx)
	})

	if a.bridge != nil {
		g.Go(func() error {
			return a.bridge.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
		defer cancel()
		if err := a.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
