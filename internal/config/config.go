package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type S3Config struct {
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	ModelBucketName   string `env:"MODEL_BUCKET_NAME" envDefault:"sentiment-models"`
	// LocalStoreDir keeps artifacts in a local directory when no S3 endpoint is set.
	LocalStoreDir string `env:"OBJECT_STORE_DIR"`
}

// Enabled reports whether artifacts should be mirrored to an S3 compatible store.
func (c S3Config) Enabled() bool {
	return c.S3EndpointURL != ""
}

type ServerConfig struct {
	Port               int           `env:"PORT" envDefault:"8000"`
	ModelDir           string        `env:"MODEL_DIR" envDefault:"models/onnx"`
	ModelType          string        `env:"MODEL_TYPE" envDefault:"onnx"`
	OnnxRuntimeDylib   string        `env:"ONNX_RUNTIME_DYLIB"`
	DatabaseURL        string        `env:"DATABASE_URL" envDefault:"models/registry.db"`
	RabbitMQURL        string        `env:"RABBITMQ_URL"`
	ArtifactCacheDir   string        `env:"ARTIFACT_CACHE_DIR" envDefault:"models/cache"`
	ModelRoots         []string      `env:"MODEL_ROOTS" envSeparator:","`
	CorsAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	LogFile            string        `env:"LOG_FILE"`

	S3 S3Config
}

type TrainConfig struct {
	DataDir        string `env:"DATA_DIR" envDefault:"data"`
	TrackerURL     string `env:"TRACKER_URL"`
	TrackerAPIKey  string `env:"TRACKER_API_KEY"`
	TrackerProject string `env:"TRACKER_PROJECT" envDefault:"sent-clf finetuning"`
	TrackerRunName string `env:"TRACKER_RUN_NAME" envDefault:"fine run"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"models/registry.db"`
	GomlxBackend   string `env:"GOMLX_BACKEND"`
}

type ExportConfig struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"models/registry.db"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	S3 S3Config
}

// Parse fills cfg from the process environment.
func Parse[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads key/value pairs from path into the environment. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		log.Printf("no env file specified, using os.Environ only")
		return nil
	}

	log.Printf("loading env from file %s", path)
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading .env file '%s': %w", path, err)
	}
	return nil
}
