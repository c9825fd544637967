package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hostinbox/backend/internal/app"
	"hostinbox/backend/internal/config"
	"hostinbox/backend/internal/logger"
	"hostinbox/backend/internal/smtp"
	httptransport "hostinbox/backend/internal/transport/http"
)

const (
	// SMTP 入口并发连接上限
	smtpMaxConns = 100
	// SMTP 入口每秒新建连接上限
	smtpMaxRate = 20
)

// main 启动 HTTP 接口、可选的 SMTP 入口以及周期同步任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting hostinbox server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("provider", cfg.Ingest.Provider),
		zap.String("claim_backend", cfg.Ingest.ClaimBackend),
	)

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:  cfg,
		Ingest:  a.Ingest,
		History: a.History,
		Store:   a.Store,
		Cipher:  a.Cipher,
		Health:  a.Health,
		Metrics: a.Metrics,
		Tokens:  a.Tokens,
		Stream:  a.Stream,
		Logger:  log,
	})

	httpAddr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		backend := smtp.NewBackend(a.Ingest, a.Store, log)
		backend.SetLimiter(smtp.NewConnectionLimiter(smtpMaxConns, smtpMaxRate))

		smtpServer = gosmtp.NewServer(backend)
		smtpServer.Addr = cfg.SMTP.BindAddr
		smtpServer.Domain = cfg.SMTP.Domain
		smtpServer.ReadTimeout = 10 * time.Second
		smtpServer.WriteTimeout = 10 * time.Second
		smtpServer.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
		smtpServer.MaxRecipients = 50
	}

	poller := a.Poller()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		return poller.Run(groupCtx)
	})

	group.Go(func() error {
		log.Info("starting event stream hub")
		a.Stream.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		if smtpServer != nil {
			if err := smtpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("SMTP server shutdown warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	groupErr := group.Wait()

	if err := a.Close(); err != nil {
		log.Warn("failed to close resources", zap.Error(err))
	}

	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		log.Fatal("server error", zap.Error(groupErr))
	}

	log.Info("server exited cleanly")
}
