package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pgx-cds-server/internal/api"
	"github.com/pgx-cds-server/internal/service"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	a, err := loadApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.needsDatabase() {
		if err := a.openDatabase(ctx); err != nil {
			return err
		}
	}
	if err := a.loadKnowledgeBase(ctx); err != nil {
		return err
	}
	if schedule := a.cfg.KnowledgeBase.RefreshSchedule; schedule != "" {
		if err := a.provider.StartSchedule(schedule); err != nil {
			return err
		}
	}
	if err := a.openCache(ctx); err != nil {
		return err
	}
	if err := a.openSnapshotStore(); err != nil {
		return err
	}

	var opts []service.AssessmentOption
	if a.cache != nil {
		opts = append(opts, service.WithResultCache(a.cache))
	}
	svc := service.NewAssessmentService(a.provider, a.logger, opts...)

	deps := api.Dependencies{
		Service:       svc,
		KnowledgeBase: a.provider,
		Store:         a.store,
		Logger:        a.logger,
	}
	if a.db != nil {
		deps.Database = a.db
	}
	server, err := api.NewServer(a.manager, deps)
	if err != nil {
		return err
	}

	if a.manager.IsProduction() && !a.cfg.RateLimit.Enabled {
		a.logger.Warn("Rate limiting is disabled in production")
	}
	a.logger.WithFields(logrus.Fields{
		"host":        a.cfg.Server.Host,
		"port":        a.cfg.Server.Port,
		"environment": a.cfg.Environment,
		"kb_source":   a.provider.SourceName(),
	}).Info("Starting PGx CDS server")

	if err := server.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("Server stopped")
	return nil
}
