package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"sentiment-backend/cmd"
	"sentiment-backend/internal/config"
	"sentiment-backend/internal/database"
	"sentiment-backend/internal/tracker"
	"sentiment-backend/internal/training"

	"github.com/spf13/cobra"
)

type finetuneOptions struct {
	envFile   string
	data      string
	modelDir  string
	outputDir string
	logDir    string
	labels    []string
	noTrack   bool

	training training.Options
}

// defaultDevice picks cuda when the configured gomlx backend targets it.
func defaultDevice() string {
	if strings.Contains(strings.ToLower(os.Getenv("GOMLX_BACKEND")), "cuda") {
		return "cuda"
	}
	return "cpu"
}

func newFinetuneCommand() *cobra.Command {
	opts := &finetuneOptions{training: training.DefaultOptions()}

	command := &cobra.Command{
		Use:   "finetune",
		Short: "Fine-tune the sentiment classifier on labeled JSONL data",
		Long: `Fine-tune a pretrained sequence classification model on a JSONL file with one
{"text": ..., "label": 0|1} object per line.

The best weights seen during training are kept in --output_dir together with the
base graph, tokenizer and config, ready to be exported with the export command.`,
		Example: `  # Train on data/data.jsonl with the defaults
  finetune --data data.jsonl

  # Train for two epochs on a GPU
  finetune --data reviews.jsonl --epochs 2 --device cuda`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runFinetune(c.Context(), opts)
		},
	}

	flags := command.Flags()
	flags.StringVar(&opts.envFile, "env", "", "path to load env from")
	flags.StringVar(&opts.data, "data", "data.jsonl", "training data file, looked up in DATA_DIR first")
	flags.IntVar(&opts.training.Epochs, "epochs", training.DefaultEpochs, "number of training epochs")
	flags.IntVar(&opts.training.BatchSize, "batch_size", training.DefaultBatchSize, "training batch size")
	flags.StringVar(&opts.modelDir, "model_dir", "models", "directory with the pretrained model")
	flags.StringVar(&opts.outputDir, "output_dir", "models/finetuned", "directory for the fine-tuned checkpoint")
	flags.StringVar(&opts.logDir, "log_dir", "models/logs", "directory for training logs")
	flags.Float64Var(&opts.training.LearningRate, "learning_rate", training.DefaultLearningRate, "peak learning rate")
	flags.Float64Var(&opts.training.LearningRate, "lr", training.DefaultLearningRate, "alias for --learning_rate")
	flags.IntVar(&opts.training.WarmupSteps, "warmup_steps", 0, "linear warm-up steps")
	flags.IntVar(&opts.training.MaxLength, "max_length", opts.training.MaxLength, "max tokens per example")
	flags.Int64Var(&opts.training.Seed, "seed", opts.training.Seed, "shuffle seed")
	flags.StringVar(&opts.training.Device, "device", defaultDevice(), "cpu or cuda")
	flags.StringSliceVar(&opts.labels, "labels", nil, "class names ordered by label id (default NEGATIVE,POSITIVE)")
	flags.BoolVar(&opts.noTrack, "no_tracking", false, "disable the remote experiment tracker")

	return command
}

func runFinetune(ctx context.Context, opts *finetuneOptions) error {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return err
	}

	cfg, err := config.Parse[config.TrainConfig]()
	if err != nil {
		return err
	}

	logFile, err := cmd.TeeLogs(filepath.Join(opts.logDir, "finetune.log"))
	if err != nil {
		return err
	}
	defer logFile.Close()

	params := training.FinetuneParams{
		Data:         opts.data,
		DataDir:      cfg.DataDir,
		BaseModelDir: opts.modelDir,
		OutputDir:    opts.outputDir,
		Labels:       opts.labels,
		Options:      opts.training,
		Project:      cfg.TrackerProject,
		RunName:      cfg.TrackerRunName,
		Progress:     os.Stderr,
	}

	if cfg.DatabaseURL != "" {
		db, err := database.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		params.DB = db
	}

	if cfg.TrackerURL != "" && !opts.noTrack {
		tr, err := tracker.NewHTTPTracker(cfg.TrackerURL, cfg.TrackerAPIKey)
		if err != nil {
			return fmt.Errorf("error creating experiment tracker: %w", err)
		}
		params.Tracker = tr
	}

	slog.Info("starting fine-tuning", "data", opts.data, "model_dir", opts.modelDir, "output_dir", opts.outputDir, "hyperparameters", opts.training.Hyperparameters())

	result, err := training.Finetune(ctx, params)
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(result)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newFinetuneCommand().ExecuteContext(ctx); err != nil {
		log.Printf("fine-tuning failed: %v", err)
		os.Exit(1)
	}
}
