package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentiment-backend/cmd"
	"sentiment-backend/internal/api"
	"sentiment-backend/internal/config"
	"sentiment-backend/internal/core"
	"sentiment-backend/internal/database"
	"sentiment-backend/internal/messaging"
	"sentiment-backend/internal/storage"

	"gorm.io/gorm"
)

func openRegistry(url string) *gorm.DB {
	if url == "" {
		return nil
	}
	db, err := database.NewDatabase(url)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return db
}

func main() {
	log.Println("Starting sentiment API server...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.ServerConfig]()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if cfg.LogFile != "" {
		f, err := cmd.TeeLogs(cfg.LogFile)
		if err != nil {
			log.Fatalf("error setting up log file: %v", err)
		}
		defer f.Close()
	}

	if cfg.ModelType == string(core.OnnxModelType) {
		destroy, err := cmd.InitOnnxRuntime(cfg.OnnxRuntimeDylib)
		if err != nil {
			log.Fatal(err)
		}
		defer destroy()
	}

	loader, err := core.GetModelLoader(core.NewModelLoaders(), cfg.ModelType)
	if err != nil {
		log.Fatal(err)
	}

	service, err := core.NewService(loader, cfg.ModelDir)
	if err != nil {
		log.Fatalf("could not load sentiment model: %v", err)
	}
	defer service.Close()

	db := openRegistry(cfg.DatabaseURL)

	store, err := cmd.NewObjectStore(cfg.S3)
	if err != nil {
		log.Fatal(err)
	}
	var artifacts *core.ArtifactSync
	if store != nil {
		if s3Store, ok := store.(*storage.S3ObjectStore); ok {
			// The bucket may only appear after the first export, so this is not fatal.
			if err := s3Store.CheckAccess(context.Background(), cfg.S3.ModelBucketName, ""); err != nil {
				slog.Warn("model bucket is not reachable yet", "bucket", cfg.S3.ModelBucketName, "error", err)
			}
		}
		artifacts = core.NewArtifactSync(store, cfg.ArtifactCacheDir)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.RabbitMQURL != "" {
		receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer receiver.Close()

		go core.NewEventListener(service, receiver, artifacts).Run(ctx)
	}

	handler := api.NewInferenceService(service, db, artifacts).
		WithModelRoots(append([]string{cfg.ModelDir, cfg.ArtifactCacheDir}, cfg.ModelRoots...)...)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: cfg.CorsAllowedOrigins,
			Timeout:        cfg.RequestTimeout,
		}),
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")
		stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	slog.Info("API server listening", "port", cfg.Port, "model_dir", cfg.ModelDir, "model_type", cfg.ModelType)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v", cfg.Port, err)
	}

	log.Println("Server stopped.")
}
