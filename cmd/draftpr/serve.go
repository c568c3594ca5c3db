package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/draftpr/internal/artifact"
	httpserver "github.com/fyrsmithlabs/draftpr/internal/http"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background maintenance",
	Long: `Run the HTTP API (job status, artifacts, approvals, /metrics) together
with the artifact retention sweeper and stale workspace cleanup.

Without --temporal, serve also watches the artifact store and continues any
job whose plan gets approved, whether the approval came through the API or
the CLI. With --temporal, API approvals are forwarded to the job's workflow.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, serve)
	},
}

func serve(ctx context.Context, a *app) error {
	if err := a.withPipeline(ctx); err != nil {
		return err
	}
	zl := a.logger.Underlying()
	cfg := a.cfg

	var opts []httpserver.Option
	if useTemporal {
		if err := a.withTemporal(); err != nil {
			return err
		}
		opts = append(opts, httpserver.WithApprovalNotifier(a.workflows()))
	}
	srv, err := httpserver.NewServer(a.pipeline, a.store, zl.Named("http"), &httpserver.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		ApprovalsPerMinute: cfg.Server.ApprovalsPerMinute,
		APIToken:           cfg.Server.APIToken.Value(),
	}, opts...)
	if err != nil {
		return err
	}

	a.logger.Info(ctx, "starting draftpr server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("temporal", useTemporal),
		zap.Bool("coordination", a.coord != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.store.RunSweeper(gctx, cfg.Artifacts.SweepInterval, cfg.Artifacts.Retention)
		return nil
	})
	g.Go(func() error {
		cleanupWorkspaces(gctx, a, cfg.Artifacts.SweepInterval)
		return nil
	})
	if !useTemporal {
		w, err := a.store.Watch(gctx, artifact.Approval)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer w.Close()
			a.pipeline.ResumeApproved(gctx, w.Events())
			return nil
		})
	}

	err = g.Wait()
	a.logger.Info(context.Background(), "draftpr server stopped")
	return err
}

func cleanupWorkspaces(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			n, err := a.workspaces.CleanupOrphans(t)
			if err != nil {
				a.logger.Warn(ctx, "workspace cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info(ctx, "removed stale workspaces", zap.Int("count", n))
			}
		}
	}
}
