package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docflow/api/internal/app"
	"docflow/api/internal/artifact"
	"docflow/api/internal/config"
	"docflow/api/internal/directory"
	"docflow/api/internal/email"
	"docflow/api/internal/flow"
	"docflow/api/internal/notify"
	"docflow/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	resolver := directory.NewResolver(dataStore)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var notifier flow.Notifier
	var redisPing app.Pinger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		dispatcher, err := notify.NewDispatcher(cfg.RedisURL, cfg.NotifyWindow, dataStore, mailer)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer dispatcher.Close()
		notifier = dispatcher
		redisPing = dispatcher
	} else {
		log.Printf("Redis not configured, notification dispatch disabled")
	}

	var artifacts flow.ArtifactStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobStore, err := artifact.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		if err := blobStore.EnsureBucket(ctx); err != nil {
			log.Fatalf("object store bucket check failed: %v", err)
		}
		artifacts = blobStore
	} else {
		log.Printf("MinIO not configured, artifact storage disabled")
	}

	service := flow.New(dataStore, resolver, notifier, artifacts)

	httpServer := app.NewHTTPServer(service, redisPing, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Docflow API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
