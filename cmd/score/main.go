package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sentiment-backend/cmd"
	"sentiment-backend/internal/config"
	"sentiment-backend/internal/core"
	"sentiment-backend/internal/core/utils"

	"github.com/spf13/cobra"
)

type scoreOptions struct {
	envFile   string
	texts     []string
	file      string
	modelDir  string
	modelType string
	workers   int
}

type scoredLine struct {
	Text    string            `json:"text"`
	Outcome core.ScoreOutcome `json:"outcome"`
}

func newScoreCommand() *cobra.Command {
	opts := &scoreOptions{}

	command := &cobra.Command{
		Use:   "score",
		Short: "Score text with a local sentiment model",
		Example: `  score --text "I love this movie"
  score --file reviews.txt --model_dir models/onnx --workers 8`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runScore(c.Context(), opts)
		},
	}

	flags := command.Flags()
	flags.StringVar(&opts.envFile, "env", "", "path to load env from")
	flags.StringArrayVar(&opts.texts, "text", nil, "text to score, may be repeated")
	flags.StringVar(&opts.file, "file", "", "file with one text per line")
	flags.StringVar(&opts.modelDir, "model_dir", "models/onnx", "model directory")
	flags.StringVar(&opts.modelType, "model_type", string(core.OnnxModelType), "onnx or checkpoint")
	flags.IntVar(&opts.workers, "workers", 4, "concurrent scoring requests when reading --file")

	return command
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func runScore(ctx context.Context, opts *scoreOptions) error {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return err
	}

	texts := opts.texts
	if opts.file != "" {
		lines, err := readLines(opts.file)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", opts.file, err)
		}
		texts = append(texts, lines...)
	}
	if len(texts) == 0 {
		return fmt.Errorf("nothing to score, pass --text or --file")
	}

	if opts.modelType == string(core.OnnxModelType) {
		cfg, err := config.Parse[config.ServerConfig]()
		if err != nil {
			return err
		}
		destroy, err := cmd.InitOnnxRuntime(cfg.OnnxRuntimeDylib)
		if err != nil {
			return err
		}
		defer destroy()
	}

	loader, err := core.GetModelLoader(core.NewModelLoaders(), opts.modelType)
	if err != nil {
		return err
	}

	start := time.Now()
	service, err := core.NewService(loader, opts.modelDir)
	if err != nil {
		return err
	}
	defer service.Close()
	fmt.Fprintf(os.Stderr, "Model loaded in %.2f ms\n", float64(time.Since(start).Microseconds())/1000)

	start = time.Now()
	results := utils.RunInPool(func(text string) (scoredLine, error) {
		return scoredLine{Text: text, Outcome: service.Score(ctx, text)}, nil
	}, texts, opts.workers)
	elapsed := time.Since(start)

	out := json.NewEncoder(os.Stdout)
	failed := 0
	for _, res := range results {
		if !res.Result.Outcome.IsOk() {
			failed++
		}
		if err := out.Encode(res.Result); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "Scored %d texts in %.2f ms\n", len(texts), float64(elapsed.Microseconds())/1000)
	if failed > 0 {
		return fmt.Errorf("%d of %d texts failed to score", failed, len(texts))
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newScoreCommand().ExecuteContext(ctx); err != nil {
		stop()
		log.Printf("error scoring text: %v", err)
		os.Exit(1)
	}
}
