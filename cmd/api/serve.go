package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"webhookd/internal/api"
	"webhookd/internal/auth"
	"webhookd/internal/config"
	"webhookd/internal/events"
	"webhookd/internal/metrics"
	"webhookd/internal/store"
	"webhookd/internal/webhooks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the management API, event bridge, delivery workers and retry scheduler",
	RunE:  func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context()) },
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Log)
	metrics.RegisterDefault()

	verifier, err := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret)
	if err != nil {
		return err
	}

	var (
		st      store.Store
		ready   api.Pinger
		closers []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.WithError(err).Warn("close resource")
			}
		}
	}
	defer closeAll()

	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; using in-memory store")
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.DBMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st, ready = pg, pg
	}

	var (
		bus    events.Bus
		broker api.EventBroker
	)
	if cfg.RedisURL == "" {
		bus = events.NewLocal(log)
		broker = api.NewBroker()
	} else {
		rbus, err := events.NewRedisFromURL(cfg.RedisURL, cfg.EventStream, log,
			events.WithGroup(cfg.EventGroup, ""))
		if err != nil {
			return err
		}
		closers = append(closers, rbus.Client().Close)
		if err := rbus.Start(ctx); err != nil {
			return err
		}
		closers = append(closers, rbus.Close)
		relay := api.NewRedisBroker(rbus.Client(), "", log)
		if err := relay.Start(ctx); err != nil {
			return err
		}
		closers = append(closers, relay.Close)
		bus, broker = rbus, relay
	}

	pool := webhooks.NewPool(cfg.Webhooks.Workers, cfg.Webhooks.QueueSize, log)
	worker := webhooks.NewWorker(st, pool,
		webhooks.WithAttemptTimeout(cfg.Webhooks.AttemptTimeout),
		webhooks.WithNotifier(broker),
		webhooks.WithLogger(log),
	)
	registry := webhooks.NewRegistry(st,
		webhooks.WithRegistryLogger(log),
		webhooks.WithEndpointCache(cfg.Webhooks.CacheSize, cfg.Webhooks.CacheTTL),
	)
	dispatcher := webhooks.NewDispatcher(registry, st, worker, webhooks.SystemClock{}, broker, log)
	bridge := webhooks.NewBridge(bus, dispatcher, log)
	bridge.Start()
	scheduler := webhooks.NewScheduler(st, worker,
		webhooks.WithInterval(cfg.Webhooks.RetryInterval),
		webhooks.WithStalePending(cfg.Webhooks.StalePending),
		webhooks.WithSchedulerLogger(log),
	)
	if err := scheduler.Start(); err != nil {
		return err
	}

	opts := []api.Option{
		api.WithVerifier(verifier),
		api.WithBroker(broker),
		api.WithLogger(log),
		api.WithRateLimit(cfg.Rate.RPS, cfg.Rate.Burst),
		api.WithDebugInfo(debugInfo(cfg)),
	}
	if ready != nil {
		opts = append(opts, api.WithReadiness(ready))
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(registry, worker, opts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return shutdown(sctx, log, scheduler, bridge, pool, srv)
	})
	return g.Wait()
}

// shutdown stops intake first, then drains queued attempts, then the HTTP server.
func shutdown(ctx context.Context, log logrus.FieldLogger, sc *webhooks.Scheduler, br *webhooks.Bridge, pool *webhooks.Pool, srv *http.Server) error {
	var errs []error
	if err := sc.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := br.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := pool.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("delivery queue not drained; remaining attempts resume from the store")
		errs = append(errs, err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func debugInfo(cfg config.Config) map[string]any {
	return map[string]any{
		"PORT":                    cfg.Port,
		"AUTH_MODE":               cfg.Auth.Mode,
		"RATE_RPS":                cfg.Rate.RPS,
		"RATE_BURST":              cfg.Rate.Burst,
		"WEBHOOK_WORKERS":         cfg.Webhooks.Workers,
		"WEBHOOK_QUEUE_SIZE":      cfg.Webhooks.QueueSize,
		"WEBHOOK_RETRY_INTERVAL":  cfg.Webhooks.RetryInterval.String(),
		"WEBHOOK_ATTEMPT_TIMEOUT": cfg.Webhooks.AttemptTimeout.String(),
		"HAS_DATABASE_URL":        cfg.DatabaseURL != "",
		"HAS_REDIS_URL":           cfg.RedisURL != "",
	}
}
