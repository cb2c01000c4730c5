package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sdkforge/internal/analysis"
	"sdkforge/internal/api"
	"sdkforge/internal/archive"
	"sdkforge/internal/config"
	"sdkforge/internal/generator"
	"sdkforge/internal/logging"
	"sdkforge/internal/metrics"
	"sdkforge/internal/pipeline"
	"sdkforge/internal/probe"
	"sdkforge/internal/procexec"
	"sdkforge/internal/session"
	"sdkforge/internal/store"
	"sdkforge/internal/supervisor"
	"sdkforge/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logging.L())
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(store.Config{
		Driver:     cfg.DatabaseDriver,
		URL:        cfg.DatabaseURL,
		SQLitePath: cfg.SQLitePath,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, closeSessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	archiver, err := openArchiver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	rules, err := analysis.LoadRules(cfg.AnalysisRulesFile)
	if err != nil {
		return err
	}
	if cfg.AnalysisRulesFile == "" {
		rules.WarningsFail = cfg.WarningsFail
	}

	contexts, err := loadContexts(cfg.SDKContextFile)
	if err != nil {
		return err
	}

	registry := supervisor.NewRegistry(supervisor.Options{
		FlutterBin:    cfg.FlutterBin,
		Host:          cfg.PreviewHost,
		PublicHost:    cfg.PublicHost,
		LogDir:        cfg.LogDir,
		PubGetTimeout: cfg.PubGetTimeout,
		StopGrace:     cfg.StopGrace,
		Probe:         probe.RetryPolicy{MaxAttempts: cfg.ProbeAttempts, Delay: cfg.ProbeDelay},
		Confirm:       probe.RetryPolicy{MaxAttempts: cfg.ConfirmAttempts, Delay: cfg.ConfirmDelay},
		SweepOrphans:  cfg.SweepOrphans,
	}, procexec.NewPTYLauncher(), probe.NewProber(0, logger), supervisor.NewPortAllocator(cfg.PreviewBasePort), logger)

	svc, err := pipeline.NewService(pipeline.Deps{
		Workspaces: workspace.NewManager(cfg.WorkspaceRoot, cfg.TemplateDir, logger),
		Analyzer: analysis.NewRunner(analysis.Options{
			FlutterBin: cfg.FlutterBin,
			Timeout:    cfg.AnalyzeTimeout,
			Rules:      rules,
		}, logger),
		Supervisors: registry,
		Sessions:    sessions,
		Generator: generator.NewClient(generator.ClientConfig{
			BaseURL:           cfg.GeneratorURL,
			Model:             cfg.GeneratorModel,
			APIKey:            cfg.GeneratorAPIKey,
			RequestsPerMinute: cfg.GeneratorRPM,
		}, logger),
		Store:    st,
		Archiver: archiver,
		Contexts: contexts,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	apiServer := api.NewServer(svc, api.Options{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.Origins(),
		Production:     cfg.IsProduction(),
		HealthCheck:    st.Ping,
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("environment", cfg.Environment),
			zap.String("database", cfg.DatabaseDriver),
			zap.Bool("redis_sessions", cfg.RedisURL != ""),
			zap.Bool("s3_archive", cfg.S3Bucket != ""),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		metrics.NewCollector(15*time.Second, registry.Running).Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
		}
		// Preview processes must not outlive the server.
		if err := registry.StopAll(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop previews: %w", err))
		}
		logger.Info("Shutdown complete")
		return errors.Join(errs...)
	})
	return g.Wait()
}

func openSessions(ctx context.Context, cfg *config.Config, logger *zap.Logger) (session.Store, func(), error) {
	if cfg.RedisURL == "" {
		return session.NewMemoryStore(), func() {}, nil
	}
	client, err := session.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Session history stored in Redis")
	return session.NewRedisStore(client, session.DefaultTTL), func() { client.Close() }, nil
}

func openArchiver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (archive.Archiver, error) {
	if cfg.S3Bucket == "" {
		return archive.Nop{}, nil
	}
	return archive.NewS3Archiver(ctx, archive.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		Prefix:    cfg.S3Prefix,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	}, logger)
}

func loadContexts(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SDK context: %w", err)
	}
	return []string{string(data)}, nil
}
