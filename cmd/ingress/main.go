// Command ingress serves the HTTP ingestion surface: chunked upload
// assembly plus task status/report reads (spec.md §1, "ingress"
// process).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mac-lisowski/reservation-ingest/internal/cache"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/httpapi"
	"github.com/mac-lisowski/reservation-ingest/internal/lifecycle"
	"github.com/mac-lisowski/reservation-ingest/internal/logging"
	"github.com/mac-lisowski/reservation-ingest/internal/objectstore"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
	"github.com/mac-lisowski/reservation-ingest/internal/upload"
)

// alwaysUp satisfies httpapi.HealthChecker.Bus for the ingress
// process, which never opens an AMQP connection of its own.
type alwaysUp struct{}

func (alwaysUp) IsClosed() bool { return false }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingress",
		Short: "Serve the reservation ingestion HTTP API",
		RunE:  run,
	}
	cmd.Flags().String("host", "", "override API_HOST")
	cmd.Flags().Int("port", 0, "override API_PORT")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("config: %v", err)
		return err
	}
	logging.Configure(cfg.Worker.Logger, cfg.API.Env)

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.API.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.API.Port = port
	}

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

	assembler := upload.New(objects, ch, st)
	handlers := httpapi.NewHandlers(assembler, st)
	health := &httpapi.HealthChecker{Store: st, Cache: ch, Bus: alwaysUp{}}
	router := httpapi.NewRouter(cfg, handlers, health)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := lifecycle.New(cfg.Worker.ShutdownGraceTimeout)

	go func() {
		logging.Infof(ctx, logging.Subject("ingress"), "listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf(ctx, logging.Subject("ingress"), "serve: %v", err)
			sup.Stop()
		}
	}()

	sup.Drain(
		func(ctx context.Context) error { return srv.Shutdown(ctx) },
		func(ctx context.Context) error { return ch.Close() },
		func(ctx context.Context) error { return st.Close(ctx) },
	)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
