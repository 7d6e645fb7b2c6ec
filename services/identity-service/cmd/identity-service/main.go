package main

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/md-rashed-zaman/identitybus/libs/amqpx"
	"github.com/md-rashed-zaman/identitybus/libs/config"
	"github.com/md-rashed-zaman/identitybus/libs/db"
	"github.com/md-rashed-zaman/identitybus/libs/httpx"
	otelx "github.com/md-rashed-zaman/identitybus/libs/otel"
	"github.com/md-rashed-zaman/identitybus/libs/runtime"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/dispatcher"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/events"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/handlers"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/outbox"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/publisher"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/storage"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/subscriber"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "identity-service")
	port, err := config.Port("PORT", 8080)
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	busCfg, err := busConfigFromEnv()
	if err != nil {
		logger.Error("invalid message bus config", "err", err)
		panic(err)
	}
	subCfg, err := subscriberConfigFromEnv()
	if err != nil {
		logger.Error("invalid subscriber config", "err", err)
		panic(err)
	}
	policy, err := config.OneOf("PUBLISH_LOSS_POLICY", string(publisher.PolicyDrop), string(publisher.PolicyDrop), string(publisher.PolicyOutbox))
	if err != nil {
		panic(err)
	}
	ratePerMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		panic(err)
	}

	ctx, stop := runtime.SignalContext(context.Background())
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

	var (
		pool   *db.Pool
		scopes storage.Scopes
		box    *outbox.Repository
	)
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err = db.Open(ctx, dbURL, db.PoolOptions{})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		scopes = storage.NewPgScopes(pool)
		box = outbox.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory user store")
		scopes = storage.NewMemory()
	}

	// Publisher side.
	pubBus := busCfg
	pubBus.Exchanges = []amqpx.Exchange{{Name: events.ExchangeUserCreated, Kind: amqp.ExchangeDirect}}
	pubConn := amqpx.New(pubBus, logger.With("role", "publisher"), nil)

	var outboxStore publisher.Outbox
	if publisher.LossPolicy(policy) == publisher.PolicyOutbox {
		if box == nil {
			logger.Warn("outbox loss policy needs DATABASE_URL, falling back to drop")
		} else {
			outboxStore = box
		}
	}
	pub := publisher.New(pubConn, publisher.Config{
		Exchange:   events.ExchangeUserCreated,
		RoutingKey: events.RoutingKeyUser,
		Policy:     publisher.LossPolicy(policy),
	}, logger, outboxStore)
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Error("publisher close failed", "err", err)
		}
	}()

	// Subscriber side.
	subConn := amqpx.New(busCfg, logger.With("role", "subscriber"), nil)
	sub, err := subscriber.New(subConn, dispatcher.New(logger, scopes), subCfg, logger)
	if err != nil {
		logger.Error("subscriber setup failed", "err", err)
		panic(err)
	}
	defer func() {
		if err := sub.Shutdown(); err != nil {
			logger.Error("subscriber close failed", "err", err)
		}
	}()

	// A broker that is down at startup leaves the service degraded; Run keeps
	// retrying when reconnect is enabled.
	if err := pubConn.Connect(ctx); err != nil {
		logger.Error("publisher connect failed", "err", err)
	}
	if err := subConn.Connect(ctx); err != nil {
		logger.Error("subscriber connect failed", "err", err)
	}
	go pubConn.Run(ctx)
	go subConn.Run(ctx)

	// Loops that touch the channels or the pool; main waits for them before
	// the deferred shutdowns run.
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		sub.Run(ctx)
	}()

	if outboxStore != nil {
		relay := outbox.NewRelay(box, pub, logger, outbox.RelayConfig{
			PollEvery: 2 * time.Second,
			BatchSize: 50,
		})
		workers.Add(1)
		go func() {
			defer workers.Done()
			relay.Run(ctx)
		}()
	}

	checks := []runtime.ReadyCheck{
		{Name: "amqp_publisher", Check: amqpx.ReadyCheck(pubConn)},
		{Name: "amqp_subscriber", Check: amqpx.ReadyCheck(subConn)},
	}
	if pool != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	}

	var limiter httpx.Limiter = httpx.NewRateLimiter(ratePerMinute, time.Minute)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		limiter = httpx.NewRedisRateLimiter(rdb, ratePerMinute, time.Minute, service)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	users := handlers.NewUsersHandler(pub, logger)
	mux.Handle("/v1/users", httpx.Chain(http.HandlerFunc(users.Create),
		httpx.RateLimit(limiter, logger, true),
		httpx.WithBodyLimit(64<<10),
	))
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithTimeout(10*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "identity")
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
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

	if waitTimeout(&workers, 15*time.Second) {
		logger.Info("background workers stopped")
	} else {
		logger.Warn("background workers did not stop in time")
	}
}

// waitTimeout reports whether wg finished before d elapsed.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func busConfigFromEnv() (amqpx.Config, error) {
	port, err := config.Port("RABBITMQ_PORT", 5672)
	if err != nil {
		return amqpx.Config{}, err
	}
	reconnect, err := config.Bool("RABBITMQ_RECONNECT", true)
	if err != nil {
		return amqpx.Config{}, err
	}
	timeout, err := config.Duration("RABBITMQ_CONNECT_TIMEOUT", 5*time.Second)
	if err != nil {
		return amqpx.Config{}, err
	}
	return amqpx.Config{
		Host:           config.String("RABBITMQ_HOST", "localhost"),
		Port:           port,
		ConnectTimeout: timeout,
		Reconnect:      reconnect,
	}, nil
}

func subscriberConfigFromEnv() (subscriber.Config, error) {
	mode, err := config.OneOf("SUBSCRIBER_ACK_MODE", string(subscriber.AckManual), string(subscriber.AckManual), string(subscriber.AckAuto))
	if err != nil {
		return subscriber.Config{}, err
	}
	workers, err := config.Int("SUBSCRIBER_WORKERS", 4)
	if err != nil {
		return subscriber.Config{}, err
	}
	queueSize, err := config.Int("SUBSCRIBER_QUEUE_SIZE", 64)
	if err != nil {
		return subscriber.Config{}, err
	}
	cfg := subscriber.Config{
		Exchange:           events.ExchangePasswordCreated,
		RoutingKey:         events.RoutingKeyPassword,
		DeadLetterExchange: config.Optional("SUBSCRIBER_DEAD_LETTER_EXCHANGE", events.ExchangePasswordCreated+".dlx"),
		AckMode:            subscriber.AckMode(mode),
		Workers:            workers,
		QueueSize:          queueSize,
	}
	if cfg.DeadLetterExchange != "" {
		cfg.DeadLetterQueue = events.ExchangePasswordCreated + ".dead-letter"
	}
	return cfg, nil
}
