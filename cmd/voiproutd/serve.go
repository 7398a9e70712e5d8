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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"voip-router/internal/config"
	"voip-router/internal/db"
	"voip-router/internal/esl"
	"voip-router/internal/httpapi"
	"voip-router/internal/metrics"
	"voip-router/internal/publish"
	"voip-router/internal/registry"
	"voip-router/internal/ringgroup"
	"voip-router/internal/routing"
	"voip-router/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve xml_curl lookups and track registrations until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := slog.New(cfg.SlogHandler(os.Stdout))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	start := time.Now()

	pool, err := db.NewPool(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	table := registry.NewTable()
	client := esl.New(esl.Config{
		Addr:           cfg.ESL.Addr,
		Password:       cfg.ESL.Password,
		ConnectTimeout: cfg.ESL.ConnectTimeout,
		IdleTimeout:    cfg.ESL.IdleTimeout,
		BackoffInitial: cfg.ESL.BackoffInitial,
		BackoffMax:     cfg.ESL.BackoffMax,
		Events:         cfg.ESL.Events,
	}, table, m, logger)
	reg.MustRegister(metrics.NewCollector(table, client, start))

	router := routing.New(routing.Options{
		Store:         store.NewPostgres(pool),
		RingGroups:    ringgroup.New(table, logger),
		Gateways:      table,
		Metrics:       m,
		Logger:        logger,
		LookupTimeout: cfg.Lookup.Timeout,
		RetryTimeout:  cfg.Lookup.RetryTimeout,
		RecordingPath: cfg.Recordings.Path,
	})

	limiter := httpapi.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, 10*time.Minute)
	defer limiter.Stop()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Config:  cfg,
			Router:  router,
			Status:  client,
			DB:      pool,
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Limiter: limiter,
			Logger:  logger,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("voip router listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		return nil
	})

	if cfg.ESL.Enabled {
		g.Go(func() error { return client.Run(gctx) })
	} else {
		logger.Warn("event socket disabled, ring groups dial every member")
	}

	if cfg.Valkey.Enabled {
		sink, err := publish.NewValkeySink(ctx, publish.ValkeyOptions{
			Addr:     cfg.Valkey.Addr,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			Key:      cfg.Valkey.Key,
			Channel:  cfg.Valkey.Channel,
			TTL:      cfg.Valkey.TTL,
		})
		if err != nil {
			logger.Error("status publishing disabled", "error", err)
		} else {
			defer sink.Close()
			pub := publish.New(publish.Options{
				Table:    table,
				Conn:     client,
				Sink:     sink,
				Interval: cfg.Valkey.Interval,
				Refresh:  cfg.Valkey.TTL / 2,
				Metrics:  m,
				Logger:   logger,
			})
			g.Go(func() error { return pub.Run(gctx) })
		}
	}

	err = g.Wait()
	logger.Info("voip router stopped", "uptime", time.Since(start).Round(time.Second).String())
	return err
}
