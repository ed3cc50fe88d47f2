package cmd

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"sentiment-backend/internal/config"
	"sentiment-backend/internal/messaging"
	"sentiment-backend/internal/storage"

	ort "github.com/yalue/onnxruntime_go"
)

// LoadEnvFile loads the file given by the -env flag, for binaries that do not use cobra.
func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if err := config.LoadEnvFile(configPath); err != nil {
		log.Fatal(err)
	}
}

// TeeLogs sends log and slog output to path as well as stderr. The returned file must be
// closed by the caller.
func TeeLogs(path string) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating directory for log file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(io.MultiWriter(f, os.Stderr))

	return f, nil
}

// InitOnnxRuntime loads the onnxruntime shared library. The returned func tears the
// environment down again.
func InitOnnxRuntime(dylib string) (func(), error) {
	if dylib == "" {
		return nil, fmt.Errorf("ONNX_RUNTIME_DYLIB must be set")
	}

	ort.SetSharedLibraryPath(dylib)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("could not init ONNX Runtime: %w", err)
	}

	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Error("error destroying onnx env", "error", err)
		}
	}, nil
}

// NewObjectStore returns the configured artifact store, or nil when none is configured.
func NewObjectStore(cfg config.S3Config) (storage.ObjectStore, error) {
	switch {
	case cfg.Enabled():
		store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 object store: %w", err)
		}
		return store, nil
	case cfg.LocalStoreDir != "":
		return storage.NewLocalObjectStore(cfg.LocalStoreDir)
	default:
		return nil, nil
	}
}

// NewPublisher returns a RabbitMQ publisher, or nil when url is empty.
func NewPublisher(url string) (messaging.Publisher, error) {
	if url == "" {
		return nil, nil
	}
	publisher, err := messaging.NewRabbitMQPublisher(url)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}
