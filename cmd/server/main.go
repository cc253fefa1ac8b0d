package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	devicemetrics "carbonledger/internal/device/metrics"
	deviceservice "carbonledger/internal/device/service"
	jwttoken "carbonledger/internal/jwt_token"
	ledgermetrics "carbonledger/internal/ledger/metrics"
	ledgerservice "carbonledger/internal/ledger/service"
	marketmetrics "carbonledger/internal/market/metrics"
	marketservice "carbonledger/internal/market/service"
	oraclemetrics "carbonledger/internal/oracle/metrics"
	oracleservice "carbonledger/internal/oracle/service"
	"carbonledger/internal/payment"
	"carbonledger/internal/platform/config"
	"carbonledger/internal/platform/httpserver"
	"carbonledger/internal/platform/logger"
	"carbonledger/internal/platform/metrics"
	"carbonledger/internal/platform/postgres"
	"carbonledger/internal/platform/redis"
	ratelimitmetrics "carbonledger/internal/ratelimit/metrics"
	ratelimit "carbonledger/internal/ratelimit/middleware"
	ratelimitmodels "carbonledger/internal/ratelimit/models"
	"carbonledger/internal/ratelimit/store/bucket"
	"carbonledger/internal/store"
	"carbonledger/internal/store/memory"
	pgstore "carbonledger/internal/store/postgres"
	httptransport "carbonledger/internal/transport/http"
	"carbonledger/pkg/platform/events/kafka"
	"carbonledger/pkg/platform/events/publisher"
	eventmemory "carbonledger/pkg/platform/events/store/memory"
	"carbonledger/pkg/platform/events/worker"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		slog.Error("carbonledger exited", "error", err)
		os.Exit(1)
	}
}

type ledgerState struct {
	tx     store.Tx
	events store.EventLog
	close  func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if cfg.UsesDevSigningKey() {
		log.Warn("JWT_SIGNING_KEY not set, using the development key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	health := map[string]httptransport.HealthCheck{}

	state, err := openLedger(ctx, cfg, log, health)
	if err != nil {
		return err
	}
	defer state.close()

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var wallets payment.Wallets = payment.NewInMemoryWallets()
	var scripter goredis.Scripter
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		health["redis"] = redisClient.Health
		wallets = payment.NewRedisWallets(redisClient.Client)
		scripter = redisClient.Client
	} else {
		log.Warn("REDIS_URL not set, wallets and rate limits are in memory")
	}
	limiter := newRateLimiter(cfg, reg, log, scripter)

	devices := deviceservice.New(state.tx,
		deviceservice.WithLogger(log),
		deviceservice.WithMetrics(devicemetrics.New(reg)),
	)
	oracles := oracleservice.New(state.tx,
		oracleservice.WithLogger(log),
		oracleservice.WithMetrics(oraclemetrics.New(reg)),
	)
	ledger := ledgerservice.New(state.tx,
		ledgerservice.WithLogger(log),
		ledgerservice.WithMetrics(ledgermetrics.New(reg)),
	)
	market := marketservice.New(state.tx, wallets,
		marketservice.WithLogger(log),
		marketservice.WithMetrics(marketmetrics.New(reg)),
	)

	if err := oracles.Bootstrap(ctx, cfg.Ledger.OracleInitializer); err != nil {
		return fmt.Errorf("bootstrap oracle set: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafka.NewSink(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.EnsureTopic(ctx, 1, 1); err != nil {
			return err
		}
		health["kafka"] = sink.Health
		relay := worker.NewRelay(state.events, sink,
			worker.WithInterval(cfg.Kafka.RelayInterval),
			worker.WithLogger(log),
		)
		g.Go(func() error {
			if err := relay.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		log.Info("streaming ledger events", "topic", cfg.Kafka.EventsTopic)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:    log,
		Registry:  reg,
		Metrics:   metrics.New(reg),
		Validator: jwttoken.NewJWTService(cfg.Server.JWTSigningKey),
		Devices:   devices,
		Oracles:   oracles,
		Ledger:    ledger,
		Market:    market,
		Wallets:   wallets,
		Events:    state.events,
		RateLimit: limiter.PerCaller,
		DevFaucet: cfg.Server.DevFaucet,
		Health:    health,
	})
	srv := httpserver.New(cfg.Server.Addr, router, log)

	g.Go(func() error {
		log.Info("starting carbonledger", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openLedger picks the Postgres store when DATABASE_URL is set. Otherwise
// state lives in memory and committed events go through the publisher.
func openLedger(ctx context.Context, cfg config.Config, log *slog.Logger, health map[string]httptransport.HealthCheck) (*ledgerState, error) {
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if db != nil {
		pg := pgstore.New(db, pgstore.WithTimeout(cfg.Ledger.TxTimeout))
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		health["postgres"] = pg.Health
		log.Info("ledger state in postgres")
		return &ledgerState{tx: pg, events: pg, close: func() { _ = db.Close() }}, nil
	}

	eventLog := eventmemory.NewInMemoryStore()
	pub := publisher.NewPublisher(eventLog,
		publisher.WithAsyncBuffer(cfg.Events.BufferSize),
		publisher.WithLogger(log),
	)
	mem := memory.New(
		memory.WithEmitter(pub),
		memory.WithTimeout(cfg.Ledger.TxTimeout),
		memory.WithLogger(log),
	)
	log.Warn("DATABASE_URL not set, ledger state is in memory and lost on exit")
	return &ledgerState{tx: mem, events: eventLog, close: pub.Close}, nil
}

// newRateLimiter shares windows through Redis when a client is given, with
// an in-memory fallback behind the circuit breaker.
func newRateLimiter(cfg config.Config, reg prometheus.Registerer, log *slog.Logger, client goredis.Scripter) *ratelimit.Middleware {
	limits := map[ratelimitmodels.Class]ratelimitmodels.Limit{
		ratelimitmodels.ClassWrite: {Requests: cfg.RateLimit.Writes, Window: cfg.RateLimit.Window},
		ratelimitmodels.ClassRead:  {Requests: cfg.RateLimit.Reads, Window: cfg.RateLimit.Window},
	}
	m := ratelimitmetrics.New(reg)
	if client == nil {
		return ratelimit.New(bucket.NewInMemoryBucketStore(), limits, log, ratelimit.WithMetrics(m))
	}
	return ratelimit.New(bucket.NewRedisBucketStore(client), limits, log,
		ratelimit.WithFallback(bucket.NewInMemoryBucketStore()),
		ratelimit.WithMetrics(m),
	)
}
