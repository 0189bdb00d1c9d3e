package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"settlement/internal/capacity"
	"settlement/internal/channel"
	"settlement/internal/config"
	"settlement/internal/deadletter"
	"settlement/internal/fulfillment"
	"settlement/internal/idempotency"
	"settlement/internal/metrics"
	"settlement/internal/model"
	"settlement/internal/notify"
	"settlement/internal/queue"
	"settlement/internal/router"
	"settlement/internal/settlement"
	"settlement/internal/store"
	"settlement/internal/webhook"
	redisx "settlement/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func init() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using process environment")
	}
	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	strategy, err := idempotency.ParseStrategy(cfg.IdempotencyStrategy)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. SQLite（自动建表）+ Redis
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("db open: %v", err)
	}
	defer store.Close(db)

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.Fatalf("redis ping: %v", err)
	}

	// 2. 通知：email（网关或日志）+ ops（Redis Stream -> Relay -> Kafka）
	var email notify.Channel = channel.NewLog("email")
	if cfg.EmailGatewayURL != "" {
		email = channel.NewEmail(cfg.EmailGatewayURL, 5*time.Second)
	}
	channels := map[string]notify.Channel{
		"email": email,
		"ops":   channel.NewStream(rdb, cfg.NotifyStream),
	}
	plan := notify.NewPlan(cfg.AdminRecipients,
		notify.Route{Channel: "email", Tier: model.TierBestEffort, Template: "order_receipt", Audience: notify.AudienceCustomer},
		notify.Route{Channel: "ops", Tier: model.TierOptional, Template: "new_sale", Audience: notify.AudienceAdmins},
	).OnConflict(
		notify.Route{Channel: "ops", Tier: model.TierOptional, Template: "capacity_conflict", Audience: notify.AudienceAdmins},
	)
	if err := plan.Validate(); err != nil {
		logrus.Fatalf("notification plan: %v", err)
	}

	sink := deadletter.NewSink(db)
	dispatcher := notify.NewDispatcher(db, channels, sink, notify.Options{
		Retry:        notify.RetryPolicy{Base: cfg.RetryBaseDelay, MaxRetries: cfg.RetryMax},
		Lease:        cfg.DispatchLease,
		PollInterval: cfg.DispatchPollInterval,
	})

	// 3. 结算链路
	ledger := capacity.NewLedger()
	guard := idempotency.NewGuard(strategy)
	cache := redisx.NewAvailabilityCache(rdb, cfg.AvailabilityCacheTTL)
	proc := settlement.NewProcessor(settlement.Deps{
		DB:          db,
		Verifier:    webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance),
		Guard:       guard,
		Coordinator: fulfillment.NewCoordinator(ledger, plan),
		Dispatcher:  dispatcher,
		Cache:       cache,
		Budget:      cfg.HandlerBudget,
	})

	// 4. 后台任务
	var wg sync.WaitGroup
	goBackground := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logrus.WithField("worker", name).Info("WORKER:STARTED")
			fn(ctx)
			logrus.WithField("worker", name).Info("WORKER:STOPPED")
		}()
	}

	goBackground("dispatcher", dispatcher.Run)

	alerts := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaAlertsTopic)
	defer alerts.Close()
	relay := queue.NewRelay(rdb, alerts, cfg.NotifyStream, cfg.NotifyGroup, cfg.NotifyConsumer)
	goBackground("relay", relay.Run)

	if cfg.KafkaIngestEnabled {
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaEventsGroup, proc)
		defer consumer.Close()
		goBackground("kafka-ingest", consumer.Run)
	}

	goBackground("ledger-janitor", func(ctx context.Context) {
		runJanitor(ctx, db, guard, cfg.LedgerRetention)
	})

	// 5. HTTP
	r := gin.Default()
	router.Setup(r, router.Deps{
		DB:        db,
		Redis:     rdb,
		Processor: proc,
		Ledger:    ledger,
		Cache:     cache,
		Sink:      sink,
		Notifier:  dispatcher,
		Config:    cfg,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("HTTP:LISTENING")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}
	proc.Wait()
	wg.Wait()
}
