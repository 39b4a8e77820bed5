package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/config"
	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/gate"
	"github.com/alfredjeanlab/paygate/internal/presence"
	"github.com/alfredjeanlab/paygate/internal/server"
	"github.com/alfredjeanlab/paygate/internal/store"
	"github.com/alfredjeanlab/paygate/internal/store/postgres"
	"github.com/alfredjeanlab/paygate/internal/store/sqlite"
	gatesync "github.com/alfredjeanlab/paygate/internal/sync"
	"github.com/alfredjeanlab/paygate/internal/telemetry"
)

// healthInterval is how often gRPC health mirrors the gate's degraded flag.
const healthInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the paygate server",
	GroupID: "system",
	// The server does not talk to another paygate.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := openStore(cfg, logger)
		if err != nil {
			return err
		}

		ctx := context.Background()
		mp, err := telemetry.NewMeterProvider(ctx, cfg.OTLPEndpoint, "paygate")
		if err != nil {
			st.Close()
			return err
		}
		metrics, err := telemetry.NewMetrics(mp)
		if err != nil {
			st.Close()
			return err
		}

		// Background-route decisions go out on the bus when one is configured.
		var publisher events.Publisher = &events.DiscardPublisher{Logger: logger}
		var notifier gate.Notifier
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = pub
			notifier = &events.PromptNotifier{Publisher: pub}
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			logger.Info("events disabled (PAYGATE_NATS_URL not set); background decisions are dropped")
		}

		g := gate.New(cfg.Gate, gate.Options{
			Store:    st,
			History:  st,
			Notifier: notifier,
			Logger:   logger,
			Metrics:  metrics,
		})
		if err := g.Load(ctx); err != nil {
			logger.Error("gate: load failed, starting from empty state", "err", err)
		}

		roster := presence.New(presence.WithLogger(logger))
		srv := server.New(g, server.Options{History: st, Roster: roster, Logger: logger})
		srv.Start()

		if cfg.SourceDeadAfter > 0 {
			roster.StartReaper(&presence.ReaperConfig{
				DeadThreshold: cfg.SourceDeadAfter,
				OnDead:        srv.Ingest().ReleaseSource,
			})
			logger.Info("source reaper started", "dead_after", cfg.SourceDeadAfter)
		}

		grpcServer, hs := server.NewGRPCServer(cfg.AuthToken, logger)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			srv.Close()
			g.Close()
			publisher.Close()
			st.Close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()
		healthCtx, healthCancel := context.WithCancel(ctx)
		go srv.WatchHealth(healthCtx, hs, healthInterval)

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		scheduler := startSync(cfg, st, logger)

		// Signal, lifecycle and feedback events from the bus.
		var ingestCancel context.CancelFunc
		if cfg.NATSURL != "" {
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				logger.Error("failed to create ingest subscriber", "err", err)
			} else {
				var ingestCtx context.Context
				ingestCtx, ingestCancel = context.WithCancel(ctx)
				go func() {
					if err := srv.Ingest().StartSubscriber(ingestCtx, sub); err != nil {
						logger.Error("ingest subscriber error", "err", err)
					}
					sub.Close()
				}()
			}
		}

		logger.Info("paygate server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"settle_window", cfg.Gate.SettleWindow,
			"cooldown", cfg.Gate.CooldownDuration,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if ingestCancel != nil {
			ingestCancel()
		}
		if scheduler != nil {
			scheduler.Stop()
		}
		roster.Stop()

		healthCancel()
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		srv.Close()
		if err := g.Close(); err != nil {
			logger.Error("error closing gate", "err", err)
		}
		if scheduler != nil {
			// Flush whatever the gate persisted while shutting down.
			if err := scheduler.SyncNow(shutdownCtx); err != nil {
				logger.Error("final sync failed", "err", err)
			}
			logger.Info("sync scheduler stopped")
		}
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := mp.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

// openStore picks Postgres, then SQLite, then memory.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		s, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("store: postgres")
		return s, nil
	case cfg.StatePath != "":
		s, err := sqlite.Open(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		logger.Info("store: sqlite", "path", cfg.StatePath)
		return s, nil
	default:
		logger.Warn("store: in-memory; gate state will not survive a restart")
		return store.NewMemoryStore(), nil
	}
}

func startSync(cfg *config.Config, st store.Store, logger *slog.Logger) *gatesync.Scheduler {
	if cfg.SyncInterval <= 0 {
		return nil
	}
	var dests []gatesync.Destination
	if cfg.SyncS3Bucket != "" {
		s3Dest, err := gatesync.NewS3Destination(context.Background(),
			cfg.SyncS3Bucket, cfg.SyncS3Key, cfg.SyncS3Region, cfg.SyncS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 sync destination", "err", err)
		} else {
			dests = append(dests, s3Dest)
			logger.Info("sync S3 destination enabled", "bucket", cfg.SyncS3Bucket, "key", cfg.SyncS3Key)
		}
	}
	if cfg.SyncGitRepo != "" {
		dests = append(dests, gatesync.NewGitDestination(cfg.SyncGitRepo, cfg.SyncGitFile, cfg.SyncGitBranch))
		logger.Info("sync git destination enabled", "repo", cfg.SyncGitRepo, "file", cfg.SyncGitFile)
	}
	if len(dests) == 0 {
		return nil
	}
	scheduler := gatesync.NewScheduler(st, dests, cfg.SyncInterval, logger)
	scheduler.Start()
	logger.Info("sync scheduler started", "interval", cfg.SyncInterval)
	return scheduler
}
