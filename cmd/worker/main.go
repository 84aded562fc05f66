// Command worker hosts the Outbox Dispatcher and the Task Processor:
// the long-running background half of the pipeline (spec.md §1,
// "worker" process).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mac-lisowski/reservation-ingest/internal/bus"
	"github.com/mac-lisowski/reservation-ingest/internal/cache"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/lifecycle"
	"github.com/mac-lisowski/reservation-ingest/internal/logging"
	"github.com/mac-lisowski/reservation-ingest/internal/metrics"
	"github.com/mac-lisowski/reservation-ingest/internal/objectstore"
	"github.com/mac-lisowski/reservation-ingest/internal/outbox"
	"github.com/mac-lisowski/reservation-ingest/internal/reservation"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
	"github.com/mac-lisowski/reservation-ingest/internal/task"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the outbox dispatcher and task processor",
		RunE:  run,
	}
	cmd.Flags().Int("metrics-port", 0, "override the worker's metrics/health port")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("config: %v", err)
		return err
	}
	logging.Configure(cfg.Worker.Logger, cfg.API.Env)

	ctx := context.Background()

	st, err := store.Connect(ctx, cfg.Mongo.URL, cfg.Mongo.DBName)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	ch, err := cache.New(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	objects, err := objectstore.New(cfg.S3)
	if err != nil {
		return fmt.Errorf("connect object store: %w", err)
	}

	broker, err := bus.Connect(cfg.RabbitMQ.URL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	topoCh, err := broker.Channel()
	if err != nil {
		return fmt.Errorf("open topology channel: %w", err)
	}
	if err := bus.DeclareTopology(topoCh, cfg.Worker.DLQDelayQueueTTL); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	topoCh.Close()

	publisher, err := bus.NewPublisher(broker)
	if err != nil {
		return fmt.Errorf("open publisher: %w", err)
	}
	consumer, err := bus.NewConsumer(broker, "worker-"+fmt.Sprint(os.Getpid()), cfg.Worker.Prefetch)
	if err != nil {
		return fmt.Errorf("open consumer: %w", err)
	}

	dispatcher := outbox.New(st, publisher, cfg.Worker)
	reservations := reservation.New(st.Reservations)
	processor := task.New(st, reservations, objects, cfg.Worker)

	sup := lifecycle.New(cfg.Worker.ShutdownGraceTimeout)
	workCtx := sup.Context()

	go dispatcher.Run(workCtx)
	go processor.Run(workCtx, consumer.Deliveries())

	if port, _ := cmd.Flags().GetInt("metrics-port"); port != 0 {
		cfg.API.Port = port
	}
	metricsSrv := newMetricsServer(cfg, st, ch, broker)
	go func() {
		logging.Infof(ctx, logging.Subject("worker"), "metrics/health listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf(ctx, logging.Subject("worker"), "metrics server: %v", err)
		}
	}()

	sup.Drain(
		func(ctx context.Context) error { return metricsSrv.Shutdown(ctx) },
		func(ctx context.Context) error { return consumer.Close() },
		func(ctx context.Context) error { return publisher.Close() },
		func(ctx context.Context) error { return broker.Close() },
		func(ctx context.Context) error { return ch.Close() },
		func(ctx context.Context) error { return st.Close(ctx) },
	)
	return nil
}

// newMetricsServer exposes /healthz, /readyz and /metrics on a plain
// chi mux — the worker has no task/upload routes, so it doesn't need
// the full internal/httpapi router.
func newMetricsServer(cfg config.Config, st *store.Store, ch *cache.Client, b *bus.Bus) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"store": "ok", "cache": "ok", "bus": "ok"}
		status := http.StatusOK
		if err := st.Ping(r.Context()); err != nil {
			checks["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := ch.Ping(r.Context()); err != nil {
			checks["cache"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if b.IsClosed() {
			checks["bus"] = "closed"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(checks)
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	port := cfg.API.Port
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.API.Host, port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
