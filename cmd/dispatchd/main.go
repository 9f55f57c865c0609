// Command dispatchd runs the dispatch ledger: the HTTP API, the retry
// scheduler on its cron cadence and, when AMQP_URL is set, the RabbitMQ
// ingest consumer and dead-letter publisher.
//
// Usage:
//
//	dispatchd          # serve
//	dispatchd -once    # drain the webhook backlog once and exit
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-dispatch-ledger/internal/config"
	"github.com/tbourn/go-dispatch-ledger/internal/filestore"
	httpapi "github.com/tbourn/go-dispatch-ledger/internal/http"
	"github.com/tbourn/go-dispatch-ledger/internal/mq"
	"github.com/tbourn/go-dispatch-ledger/internal/observability"
	"github.com/tbourn/go-dispatch-ledger/internal/repo"
	"github.com/tbourn/go-dispatch-ledger/internal/services"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"
	"github.com/tbourn/go-dispatch-ledger/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const consumerTag = "dispatchd"

func main() {
	once := flag.Bool("once", false, "run the retry scheduler once and exit")
	flag.Parse()

	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := sysutil.SetupLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	store, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage setup failed")
	}
	defer closeStore()

	keys := payloadKeys(cfg.Payload)

	events := services.NewEventLog(store)
	events.Keys = keys
	tasks := services.NewTaskStore(store, logger)
	tasks.Keys = keys
	cod := services.NewCODLedger(store, logger)

	var sink services.DeadLetterSink = services.LogSink{Log: logger}
	var amqpClient *mq.Client
	if cfg.AMQP.Enabled() {
		amqpClient, err = mq.Dial(cfg.AMQP.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("amqp connect failed")
		}
		defer amqpClient.Close()
		if err := amqpClient.DeclareDeadLetter(cfg.AMQP.DeadLetterExchange); err != nil {
			logger.Fatal().Err(err).Msg("amqp declare dead-letter exchange failed")
		}
		sink = services.MultiSink{sink, mq.DeadLetterPublisher{
			Pub:        amqpClient,
			Exchange:   cfg.AMQP.DeadLetterExchange,
			RoutingKey: cfg.AMQP.DeadLetterKey,
		}}
	}

	sched := services.NewRetryScheduler(events, tasks, sink, logger)
	sched.Keys = keys
	sched.MaxRetries = cfg.Scheduler.MaxRetries
	sched.BaseDelay = cfg.Scheduler.BaseDelay
	sched.Pause = cfg.Scheduler.Pause

	if *once {
		res, err := sched.Run(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler run failed")
		}
		logger.Info().Interface("result", res).Msg("scheduler run complete")
		return
	}

	if amqpClient != nil {
		if err := startIngest(ctx, amqpClient, cfg.AMQP, events, logger); err != nil {
			logger.Fatal().Err(err).Msg("amqp ingest setup failed")
		}
	}

	c := cron.New(cron.WithChain(cron.Recover(sysutil.CronLogger(logger)), cron.SkipIfStillRunning(sysutil.CronLogger(logger))))
	if _, err := c.AddFunc(cfg.Scheduler.Cron, func() {
		res, err := sched.Run(ctx)
		switch {
		case errors.Is(err, services.ErrRunInProgress):
			logger.Debug().Msg("scheduler tick skipped: run in progress")
		case err != nil:
			logger.Error().Err(err).Msg("scheduler run failed")
		case res.Scanned > 0:
			logger.Info().Interface("result", res).Msg("scheduler run complete")
		}
	}); err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.Scheduler.Cron).Msg("invalid scheduler cron")
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	svc := httpapi.Services{
		Events:    events,
		Tasks:     tasks,
		COD:       cod,
		Scheduler: sched,
	}
	if store.Primary() != nil {
		svc.Reconciler = store
	}
	httpapi.RegisterRoutes(r, svc, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", store.Name()).
			Str("version", ver).
			Msg("dispatch ledger listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if amqpClient != nil {
		_ = amqpClient.Cancel(consumerTag)
	}
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}

// openStore builds the Dual store. The primary is skipped for the "none"
// driver; the fallback file is always opened.
func openStore(cfg config.StoreConfig, logger zerolog.Logger) (*storage.Dual, func(), error) {
	closeFn := func() {}

	var primary storage.Backend
	if cfg.PrimaryDriver != config.DriverNone {
		target := cfg.DBPath
		if cfg.PrimaryDriver == config.DriverPostgres {
			target = cfg.DatabaseURL
		}
		db, err := repo.Open(cfg.PrimaryDriver, target)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.EnableTracing(db); err != nil {
			return nil, nil, err
		}
		if err := repo.AutoMigrate(db); err != nil {
			return nil, nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			closeFn = func() { _ = sqlDB.Close() }
		}
		primary = repo.NewBackend(db, cfg.PrimaryDriver)
	}

	fallback, err := filestore.Open(cfg.FallbackPath)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return storage.NewDual(primary, fallback,
		storage.WithTimeout(cfg.Timeout),
		storage.WithLogger(logger),
	), closeFn, nil
}

// payloadKeys applies configured COD key overrides to the default aliases.
func payloadKeys(cfg config.PayloadConfig) services.PayloadKeys {
	keys := services.DefaultPayloadKeys()
	if len(cfg.CODAmountKeys) > 0 {
		keys.CODAmount = cfg.CODAmountKeys
	}
	if len(cfg.CODCollectedKeys) > 0 {
		keys.CODCollected = cfg.CODCollectedKeys
	}
	return keys
}

func startIngest(ctx context.Context, c *mq.Client, cfg config.AMQPConfig, events *services.EventLog, logger zerolog.Logger) error {
	if err := c.DeclareIngest(cfg.IngestQueue); err != nil {
		return err
	}
	deliveries, err := c.Consume(cfg.IngestQueue, consumerTag, cfg.Prefetch)
	if err != nil {
		return err
	}
	go mq.Ingest(ctx, deliveries, events, logger.With().Str("component", "amqp_ingest").Logger())
	logger.Info().Str("queue", cfg.IngestQueue).Msg("amqp ingest consumer started")
	return nil
}
