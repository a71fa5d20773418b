package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/harmonic/internal/capture"
	"github.com/roach88/harmonic/internal/changelog"
	"github.com/roach88/harmonic/internal/dispatch"
	"github.com/roach88/harmonic/internal/gateway"
	"github.com/roach88/harmonic/internal/httpapi"
	"github.com/roach88/harmonic/internal/scope"
)

// NewServeCommand creates the serve subcommand.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadServerConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "harmonic.yaml", "configuration file")
	return cmd
}

// NewCheckConfigCommand creates the check-config subcommand: parse and
// validate the configuration without starting anything.
func NewCheckConfigCommand(opts *RootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadServerConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entities, %d actions\n",
				len(cfg.Entities), len(cfg.Actions))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "harmonic.yaml", "configuration file")
	return cmd
}

// runServer assembles and runs the full server until ctx is cancelled.
func runServer(ctx context.Context, cfg ServerConfig) error {
	log, err := changelog.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer log.Close()

	resolver, err := scope.New(cfg.Scope)
	if err != nil {
		return err
	}

	entities := make([]capture.TrackedEntity, len(cfg.Entities))
	for i, e := range cfg.Entities {
		entities[i] = capture.TrackedEntity{
			Table:      e.Table,
			KeyField:   e.KeyField,
			SyncFields: e.SyncFields,
		}
	}
	rec, err := capture.NewRecorder(log, resolver, entities)
	if err != nil {
		return err
	}

	hub := dispatch.NewHub()
	dispatcher := dispatch.New(log, hub, dispatch.Config{
		Namespace:    cfg.Namespace,
		ScanInterval: cfg.Dispatch.ScanInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
	})

	registry := gateway.NewRegistry(log, rec, gateway.WithAfterCommit(dispatcher.Kick))
	for _, a := range cfg.Actions {
		err := registry.Register(gateway.Action{
			Name: a.Name,
			Caps: gateway.Capabilities{
				Tables:         a.Tables,
				Operations:     a.Operations,
				Batch:          a.Batch,
				AllowPartial:   a.AllowPartial,
				OfflineCapable: a.OfflineCapable,
			},
		})
		if err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	httpapi.NewServer(log, registry, hub, rec, cfg.Namespace).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go dispatcher.Run(ctx)
	if cfg.Retention.Keep > 0 && cfg.Retention.PruneInterval > 0 {
		go runPruner(ctx, log, cfg.Retention)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runPruner periodically drops processed log entries older than the
// retention window. Unprocessed entries are never pruned regardless of age.
func runPruner(ctx context.Context, log *changelog.Store, cfg RetentionConfig) {
	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		maxID, err := log.MaxID(ctx)
		if err != nil {
			slog.Error("prune: max id lookup failed", "error", err)
			continue
		}
		before := maxID - cfg.Keep
		if before <= 0 {
			continue
		}
		pruned, err := log.Prune(ctx, before)
		if err != nil {
			slog.Error("prune failed", "before", before, "error", err)
			continue
		}
		if pruned > 0 {
			slog.Info("log pruned", "entries", pruned, "before", before)
		}
	}
}
