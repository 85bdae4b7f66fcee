package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/steadyq/health"
	"github.com/glimte/steadyq/metrics"
	"github.com/glimte/steadyq/queue"
)

func newConsumeCmd(cfg *config, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume jobs from the queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateConsume(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return consume(cmd.Context(), *cfg, logger)
		},
	}
	cfg.bindShared(cmd)
	cfg.bindConsume(cmd)

	return cmd
}

func consume(ctx context.Context, cfg config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	link, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer link.Close()
	link.AddListener(collector)
	// the first connect happened before the collector was listening
	collector.OnConnect()

	consumer := queue.NewConsumer[job](link, logger, cfg.Queue,
		queue.WithPrefetch(cfg.Prefetch),
		queue.WithObserver(collector),
	)
	defer consumer.Close()

	err = consumer.Subscribe(ctx, func(ctx context.Context, j job) error {
		logger.Info("consumed", "queue", cfg.Queue, "name", j.Name, "seq", j.Seq)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", cfg.Queue, err)
	}

	registry := health.NewRegistry()
	registry.Register(health.NewLinkChecker(link, link.URL()))
	registry.Register(health.NewQueueChecker("consumer", cfg.Queue, consumer, link))

	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.Handle("/healthz", health.Handler(registry, 5*time.Second))

		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("consuming, press Ctrl+C to stop", "queue", cfg.Queue, "prefetch", cfg.Prefetch)
	<-ctx.Done()
	logger.Info("stopping consumer", "queue", cfg.Queue)

	return nil
}
