package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/internal/pipeline"
	"cdcstream/internal/processor"
	"cdcstream/pkg/bootstrap"
	"cdcstream/pkg/health"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/middleware"
	"cdcstream/pkg/ratelimit"
	"cdcstream/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	pipeline       *pipeline.Pipeline
	tracerProvider *tracing.TracerProvider
	rateLimits     *ratelimit.Store
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterPipelineMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterStreamMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterHTTPMetrics()

	if err := a.InitBroker(constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.InitStream(ctx); err != nil {
		return fmt.Errorf("failed to initialize stream: %w", err)
	}

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if a.Config.Server.Enabled {
		a.initHTTPServer()
	}

	return nil
}

func (a *App) initSessions(ctx context.Context) (processor.SessionStore, []health.Checker) {
	synthetic := processor.NewSyntheticSessions(time.Now)
	if !a.Config.Processing.Sessions.Enabled {
		return synthetic, nil
	}

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis unavailable, sessions will be synthesized", "error", err)
		return synthetic, nil
	}
	if rdb == nil {
		a.Logger.WarnwCtx(ctx, "Sessions enabled without a Redis host, sessions will be synthesized")
		return synthetic, nil
	}
	a.redis = rdb

	store := processor.NewRedisSessionStore(
		rdb,
		a.Config.Processing.Sessions.KeyPrefix,
		bootstrap.NewBreaker("redis-sessions", a.Config.CircuitBreaker, a.Logger),
		synthetic,
		a.Logger,
	)
	return store, []health.Checker{health.NewRedisChecker(rdb)}
}

func (a *App) initPipeline(ctx context.Context) error {
	sessions, optional := a.initSessions(ctx)

	registry, err := processor.Build(processor.Options{
		Sessions:    sessions,
		Expressions: a.Config.Processing.Expressions,
		CDC:         a.Config.Processing.CDC,
		Logger:      a.Logger,
	})
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Config:   a.Config,
		Registry: registry,
		Consumer: a.Consumer,
		Producer: a.Producer,
		Optional: optional,
		Release:  a.ShutdownBroker,
		Logger:   a.Logger,
	}
	// A nil *stream.Client must not become a non-nil interface.
	if a.Streams != nil {
		deps.Streams = a.Streams
	}

	p, err := pipeline.New(deps)
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger, "/health", "/metrics"))
	router.Use(middleware.RequestIDMiddleware())

	if rl := a.Config.Server.RateLimit; rl.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             rl.RPS,
			Burst:           rl.Burst,
			CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(rl.MaxAge) * time.Second,
		}
		a.rateLimits = ratelimit.NewStore(rateLimitConfig)
		router.Use(ratelimit.RateLimitMiddleware(a.rateLimits))
		a.Logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	registerRoutes(router, a.pipeline)
	router.NoRoute(middleware.NotFoundHandler())

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout(),
		WriteTimeout: a.Config.Server.WriteTimeout(),
	}
}

type opsPipeline interface {
	Health(ctx context.Context) health.Health
	Stats() pipeline.Report
}

func registerRoutes(router gin.IRoutes, p opsPipeline) {
	router.GET("/health", func(c *gin.Context) {
		h := p.Health(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, p.Stats())
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	if a.rateLimits != nil {
		g.Go(func() error {
			a.rateLimits.RunCleanup(gCtx)
			return nil
		})
	}

	if err := a.pipeline.Start(gCtx); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}

	g.Go(func() error {
		<-a.pipeline.Done()
		if err := a.pipeline.Err(); err != nil {
			return err
		}
		if gCtx.Err() == nil {
			return errors.New("stream processor loops exited")
		}
		return nil
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down stream processor")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis)...)
		return errs
	}

	if a.pipeline != nil {
		if err := a.pipeline.Stop(ctx); err != nil {
			a.Logger.Errorw("Pipeline stop error", "error", err)
		}
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
