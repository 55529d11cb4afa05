package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/openride/chatpush/internal/apns"
	"github.com/openride/chatpush/internal/config"
	"github.com/openride/chatpush/internal/logger"
	"github.com/openride/chatpush/internal/pipeline"
	"github.com/openride/chatpush/internal/server"
	"github.com/openride/chatpush/internal/storage"
)

func main() {
	cfg := config.Load()
	slogger := logger.Init()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Cannot create store: %v", err)
	}

	apnsKeyPath := cfg.APNSKeyPath
	if apnsKeyPath == "" && cfg.APNSKeyID != "" {
		apnsKeyPath = "keys/AuthKey_" + cfg.APNSKeyID + ".p8"
	}
	p8Bytes, err := os.ReadFile(apnsKeyPath)
	if err != nil {
		log.Fatalf("Cannot read APNs key file: %v", err)
	}

	apnsClient, err := apns.NewClient(apns.Credentials{
		TeamID:  cfg.APNSTeamID,
		KeyID:   cfg.APNSKeyID,
		Key:     p8Bytes,
		Topic:   cfg.APNSTopic,
		Sandbox: cfg.APNSSandbox,
	})
	if err != nil {
		log.Fatalf("Cannot create APNs client: %v", err)
	}
	slogger.Info("apns dispatcher initialized", "sandbox", cfg.APNSSandbox, "topic", cfg.APNSTopic)

	pipe := pipeline.New(store, apnsClient, cfg.WebhookTable, slogger)
	httpServer := server.New(pipe, slogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := httpServer.Start(cfg.ServerPort); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()
	<-ctx.Done()

	slogger.Info("shutdown signal received, stopping app")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slogger.Error("http server shutdown error", "error", err)
	}

	if err := store.Close(); err != nil {
		slogger.Error("error closing database", "error", err)
	}

	slogger.Info("server exiting")
}
