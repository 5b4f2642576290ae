package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"support-agent/internal/brand"
	"support-agent/internal/integrations/openai"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type globalOptions struct {
	dbPath    string
	brandsDir string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "supportctl",
		Short:         "Operate the support agent locally",
		Long:          "supportctl runs the support agent against a local SQLite store and file-based brand configs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "supportctl.db", "path to the SQLite database")
	cmd.PersistentFlags().StringVar(&opts.brandsDir, "brands", "brands", "directory of <brand_id>.yaml configs")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newEvalCmd(opts))
	cmd.AddCommand(newKBCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "supportctl %s (commit: %s)\n", Version, Commit)
		},
	}
}

func (o *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: parseLogLevel(o.logLevel)}))
}

func (o *globalOptions) brands() (*brand.Registry, error) {
	return brand.NewRegistry(brand.DirSource{Dir: o.brandsDir})
}

func parseLogLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// envKey serves the OpenAI token from OPENAI_API_KEY in the shape the
// parameter store holds it.
type envKey struct{}

func (envKey) GetParameter(_ context.Context, _ string) (string, error) {
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		return "", errors.New("OPENAI_API_KEY is not set")
	}
	raw, err := json.Marshal(map[string]string{"token": key})
	return string(raw), err
}

func newOpenAI() (*openai.Client, error) {
	var opts []openai.Option
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	opts = append(opts, openai.WithEmbeddingModel(os.Getenv("EMBEDDING_MODEL")))
	return openai.NewClient(envKey{}, "/supportctl", opts...)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
