package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/discovery"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reconcile"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		locator geo.Locator = geo.NewIndex()
		locks   lock.Locker = lock.NewMemory()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable yet", "addr", cfg.RedisAddr, "error", err)
		}
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		locks = lock.NewRedis(rc, cfg.LockPrefix)
	}

	qopts := queue.Options{Concurrency: cfg.QueueConcurrency, MaxAttempts: cfg.QueueAttempts, Backoff: cfg.QueueBackoff}
	var (
		jobs      queue.Queue
		locations ingest.Publisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		jobs = queue.NewKafka(logging.Component(logger, "queue"), cfg.KafkaBrokers, cfg.DispatchTopic, cfg.DispatchGroup, qopts)
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationTopic)
		defer kp.Close()
		locations = kp
	} else {
		jobs = queue.NewMemory(logging.Component(logger, "queue"), qopts, 0)
	}
	defer jobs.Close()

	var push fanout.PushSender
	if cfg.PushEndpoint != "" {
		push = fanout.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
	}
	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	hub := fanout.NewHub(logging.Component(logger, "hub"))
	notifier := fanout.NewNotifier(hub, store, push, logging.Component(logger, "notifier"))
	reconciler := reconcile.New(store, store, logging.Component(logger, "reconcile"))
	rideSvc := rides.NewService(store, jobs, notifier, reconciler, locks, logging.Component(logger, "rides"))
	assigner := assign.New(store, locks, notifier, jobs, logging.Component(logger, "assign"))
	searcher := discovery.NewSearcher(locator, store, cfg.DiscoveryLimit, logging.Component(logger, "discovery"))
	worker := dispatch.NewWorker(store, searcher, locks, notifier, rideSvc, jobs, estimator, dispatch.Config{
		Radii:         cfg.Radii,
		ExpandedRadii: cfg.ExpandedRadii,
		MaxRounds:     cfg.MaxRounds,
		OfferTimeout:  cfg.OfferTimeout,
		LockTTL:       cfg.LockTTL,
	}, logging.Component(logger, "dispatch"))
	sweeper := dispatch.NewSweeper(store, jobs, cfg.StaleAfter, logging.Component(logger, "sweeper"))
	reminder := dispatch.NewReminder(store, notifier, logging.Component(logger, "reminder"))

	api := httpapi.NewServer(httpapi.Deps{
		Rides:     rideSvc,
		Assigner:  assigner,
		Store:     store,
		Locator:   locator,
		Notifier:  notifier,
		Locations: locations,
		Logger:    logging.Component(logger, "http"),
	})

	var wg sync.WaitGroup
	background := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	background(func() {
		if err := worker.Run(ctx, jobs); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch worker stopped", "error", err)
		}
	})
	background(func() { sweeper.Run(ctx, cfg.SweepInterval) })
	background(func() { reconciler.Run(ctx, cfg.ReconcileInterval) })
	background(func() { reminder.Run(ctx, cfg.ReminderInterval) })

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "store", cfg.Store.Backend, "kafka", len(cfg.KafkaBrokers) > 0, "redis", cfg.RedisAddr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()
}
