package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"escrowsync/chain"
	"escrowsync/config"
	"escrowsync/dispute"
	"escrowsync/engine"
	"escrowsync/models"
	"escrowsync/observability/logging"
	"escrowsync/recon"
	"escrowsync/server"
	"escrowsync/store"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup(logging.Options{Service: "escrowsyncd"}).Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "escrowsyncd",
		Env:     cfg.Environment,
		Level:   cfg.LogLevel,
		Path:    cfg.LogPath,
	})
	logger.Info("starting",
		"listen", cfg.ListenAddress,
		"chainRPC", cfg.ChainRPCBase,
		logging.Secret("signerKey", cfg.SignerKey),
	)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("database connection error", "err", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate error", "err", err)
		os.Exit(1)
	}

	var signer chain.Signer
	if cfg.SignerKey != "" {
		local, err := chain.NewLocalSigner(cfg.SignerKey)
		if err != nil {
			logger.Error("signer init error", "err", err)
			os.Exit(1)
		}
		signer = local
		logger.Info("platform signer ready", "address", local.Address().Hex())
	} else {
		logger.Warn("no signer configured, state-changing chain calls disabled")
	}

	adapter := chain.NewClient(chain.ClientConfig{
		BaseURL:        cfg.ChainRPCBase,
		AuthToken:      cfg.ChainAuthToken,
		Signer:         signer,
		ConfirmTimeout: cfg.ConfirmTimeoutDuration(),
	})

	st := store.New(db)
	eng := engine.New(st, adapter, logger)
	reconciler := recon.New(st, adapter, logger)
	disputes := dispute.New(st, adapter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Store:      st,
		Approver:   eng,
		Interval:   cfg.SyncIntervalDuration(),
		Logger:     logger,
	})
	go scheduler.Run(ctx)

	srv := server.New(server.Config{
		DB:         db,
		Store:      st,
		Engine:     eng,
		Reconciler: reconciler,
		Disputes:   disputes,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	logger.Info("listening", "addr", cfg.ListenAddress)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
