package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vdnkl/dispatch/libs/config"
	"github.com/vdnkl/dispatch/libs/db"
	"github.com/vdnkl/dispatch/libs/httpx"
	"github.com/vdnkl/dispatch/libs/kafkax"
	otelx "github.com/vdnkl/dispatch/libs/otel"
	"github.com/vdnkl/dispatch/libs/runtime"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/grpcserver"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/handlers"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/lifecycle"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/model"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/outbox"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/pingrant"
	"github.com/vdnkl/dispatch/services/dispatch-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "dispatch-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		panic(err)
	}
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}
	loc, err := time.LoadLocation(config.String("TIMEZONE", "UTC"))
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	checks := []runtime.ReadyCheck{}
	var store storage.Store
	var events outbox.Source
	if dbURL := strings.TrimSpace(config.String("DATABASE_URL", "")); dbURL != "" {
		pool, err := db.Open(ctx, dbURL, db.Options{})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		pg := storage.NewPostgres(pool)
		applied, err := pg.Migrate(ctx)
		if err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "files", applied)
		}
		store, events = pg, pg.Outbox()
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	} else {
		mem := storage.NewMemory(defaultSettings(logger))
		store, events = mem, mem
		logger.Warn("DATABASE_URL not set; using in-memory store")
	}

	brokers := config.String("KAFKA_BROKERS", "")
	if strings.TrimSpace(brokers) != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	publisher := outbox.NewPublisher(events, logger, outbox.PublisherConfig{
		Brokers:     brokers,
		TopicPrefix: config.String("KAFKA_TOPIC_PREFIX", ""),
		PollEvery:   2 * time.Second,
		BatchSize:   50,
	})
	go publisher.Run(ctx)

	limitPerMinute, err := config.PositiveInt("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		panic(err)
	}
	var grants pingrant.Store
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB, err := config.Int("REDIS_DB", 0)
		if err != nil {
			panic(err)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		grants = pingrant.NewRedisStore(rdb, config.String("PIN_GRANT_PREFIX", ""))
		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		grants = pingrant.NewMemoryStore(nil)
		rateLimitMW = httpx.NewRateLimiter(limitPerMinute, time.Minute).Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	pinTTL, err := config.Duration("EXTRA_PIN_TTL", pingrant.DefaultTTL)
	if err != nil {
		panic(err)
	}
	engine := lifecycle.NewEngine(lifecycle.Config{
		Store:    store,
		Location: loc,
		Grants:   grants,
		PINTTL:   pinTTL,
		Logger:   logger,
	})

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.NewHandler(engine, logger, nil).Register(mux, handlers.RouteOptions{
		JWTSecret: jwtSecret,
		RateLimit: rateLimitMW,
	})

	requestTimeout, err := config.Duration("REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		panic(err)
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(requestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "dispatch")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}
	healthSrv := grpcserver.New(logger, 5*time.Second, checks...)
	go func() {
		if err := healthSrv.Serve(ctx, lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// defaultSettings seeds the in-memory store. Postgres is seeded by its migration.
func defaultSettings(logger *slog.Logger) model.Settings {
	s := model.DefaultSettings()
	if v, err := config.PositiveInt("DEFAULT_SLOT_MINUTES", s.SlotMinutes); err == nil {
		s.SlotMinutes = v
	} else {
		logger.Warn("invalid DEFAULT_SLOT_MINUTES", "err", err)
	}
	if v, err := config.Int("DEFAULT_CAPACITY", s.DefaultCapacity); err == nil && v >= 0 {
		s.DefaultCapacity = v
	} else {
		logger.Warn("invalid DEFAULT_CAPACITY", "value", config.String("DEFAULT_CAPACITY", ""))
	}
	return s
}
