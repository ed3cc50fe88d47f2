package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sentiment-backend/cmd"
	"sentiment-backend/internal/config"
	"sentiment-backend/internal/database"
	"sentiment-backend/internal/export"

	"github.com/spf13/cobra"
)

type exportOptions struct {
	envFile      string
	modelDir     string
	onnxModelDir string
	publish      bool
}

func newExportCommand() *cobra.Command {
	opts := &exportOptions{}

	command := &cobra.Command{
		Use:   "export",
		Short: "Export a fine-tuned checkpoint to an ONNX inference artifact",
		Long: `Bake the best weights of a fine-tuning checkpoint into its ONNX graph and write
the artifact (model.onnx, tokenizer and config) to --onnx_model_dir.

The previous artifact is only replaced once the new one is complete. With --publish
the artifact is also uploaded to the object store, recorded in the registry and
announced to running servers.`,
		Example:      `  export --model_dir models/finetuned --onnx_model_dir models/onnx`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runExport(c.Context(), opts)
		},
	}

	flags := command.Flags()
	flags.StringVar(&opts.envFile, "env", "", "path to load env from")
	flags.StringVar(&opts.modelDir, "model_dir", "models/finetuned", "fine-tuned checkpoint directory")
	flags.StringVar(&opts.onnxModelDir, "onnx_model_dir", "models/onnx", "output artifact directory")
	flags.BoolVar(&opts.publish, "publish", false, "upload, register and announce the artifact")

	return command
}

func runExport(ctx context.Context, opts *exportOptions) error {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return err
	}

	artifact, err := export.Export(ctx, opts.modelDir, opts.onnxModelDir, export.GomlxConverter{})
	if err != nil {
		return err
	}
	fmt.Printf("Model exported to %s\n", artifact.Dir)

	if !opts.publish {
		return nil
	}

	cfg, err := config.Parse[config.ExportConfig]()
	if err != nil {
		return err
	}

	dest := export.Destinations{Bucket: cfg.S3.ModelBucketName}

	if cfg.DatabaseURL != "" {
		db, err := database.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		dest.DB = db
	}

	dest.Store, err = cmd.NewObjectStore(cfg.S3)
	if err != nil {
		return err
	}

	dest.Publisher, err = cmd.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	if dest.Publisher != nil {
		defer dest.Publisher.Close()
	}

	published, err := export.Publish(ctx, artifact, dest)
	if err != nil {
		return err
	}

	slog.Info("artifact published", "model_id", published.ModelId, "bucket", published.StorageBucket, "prefix", published.StoragePrefix)
	fmt.Printf("Model id %s\n", published.ModelId)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newExportCommand().ExecuteContext(ctx); err != nil {
		log.Printf("error exporting model: %v", err)
		os.Exit(1)
	}
}
