package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/middleware"
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	"github.com/PaulBabatuyi/CampaignMedia/internal/server"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/PaulBabatuyi/CampaignMedia/internal/supervisor"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/PaulBabatuyi/CampaignMedia/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the admin listeners and the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	if err := a.migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	tp, err := a.tracer(ctx)
	if err != nil {
		return err
	}
	if tp != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			observability.ShutdownTracerProvider(sctx, tp, logger)
		}()
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	reserver, err := a.reserver(ctx)
	if err != nil {
		return err
	}
	gw, err := a.gateway()
	if err != nil {
		return err
	}

	stager := staging.NewStore(cfg.Staging.Dir, logger.Named("staging"))
	orch := upload.NewOrchestrator(upload.Config{
		MaxFiles:         cfg.Upload.MaxFiles,
		MaxImageBytes:    cfg.Upload.MaxImageBytes,
		MaxVideoBytes:    cfg.Upload.MaxVideoBytes,
		MaxConcurrent:    cfg.Upload.MaxConcurrent,
		MaxInFlight:      cfg.Upload.MaxInFlight,
		FolderRoot:       cfg.Upload.FolderRoot,
		PersistTimeout:   cfg.Upload.PersistTimeout,
		RollbackAttempts: cfg.Gateway.RollbackAttempts,
	}, upload.Deps{
		Staging:  stager,
		Gateway:  gw,
		Store:    a.store,
		Journal:  a.store,
		Reserver: reserver,
		Logger:   logger.Named("upload"),
	})

	opts := server.Options{
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimit: server.RateLimitOptions{
			Enabled:     cfg.RateLimit.Enabled,
			Requests:    cfg.RateLimit.Max,
			Window:      cfg.RateLimit.Window(),
			KeyStrategy: cfg.RateLimit.KeyStrategy,
		},
	}
	if len(cfg.Auth.APIKeys) > 0 {
		opts.Keys = middleware.NewStaticKeys(cfg.Auth.APIKeys)
	} else {
		logger.Warn("no API keys configured, upload and delete routes are open")
	}
	if cfg.Gateway.Driver == "disk" {
		opts.AssetDir = cfg.Gateway.Disk.Dir
	}
	api := server.New(orch, stager, opts, logger.Named("http"))
	admin := server.NewAdmin(metrics, a.store, 10*time.Second, logger.Named("admin"))

	tree := supervisor.NewTree(logger.Named("supervisor"), supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddAPIService(supervisor.NewHTTPServerService("public-http", &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, cfg.Server.ShutdownTimeout, logger))
	if cfg.Admin.HTTPAddr != "" {
		tree.AddAPIService(supervisor.NewHTTPServerService("admin-http", &http.Server{
			Addr:              cfg.Admin.HTTPAddr,
			Handler:           server.AdminRoutes(metrics.GetHandler(), a.store, logger.Named("admin")),
			ReadHeaderTimeout: 5 * time.Second,
		}, cfg.Server.ShutdownTimeout, logger))
	}
	if cfg.Admin.GRPCAddr != "" {
		tree.AddAPIService(supervisor.NewGRPCServerService(admin.GRPCServer(), cfg.Admin.GRPCAddr, cfg.Server.ShutdownTimeout, logger))
		tree.AddWorker(admin)
	}
	tree.AddWorker(a.retrier(gw))
	tree.AddWorker(worker.NewStagingSweeper(stager, cfg.Workers.SweepInterval, cfg.Staging.MaxAge, logger.Named("sweeper")))

	logger.Info("campaign media service starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("admin_http", cfg.Admin.HTTPAddr),
		zap.String("admin_grpc", cfg.Admin.GRPCAddr),
		zap.String("gateway", cfg.Gateway.Driver),
	)

	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", zap.Int("count", len(report)))
	}
	logger.Info("campaign media service stopped")
	return err
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("schema up to date")
			return nil
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove staged files older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if maxAge <= 0 {
				maxAge = a.cfg.Staging.MaxAge
			}
			n, err := staging.NewStore(a.cfg.Staging.Dir, a.logger).Sweep(maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d staged files\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "minimum age of files to remove (default staging.max_age)")
	return cmd
}

func newRetryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-deletions",
		Short: "Retry every due remote deletion once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			gw, err := a.gateway()
			if err != nil {
				return err
			}
			n := a.retrier(gw).RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d orphaned assets\n", n)
			return nil
		},
	}
}
