// Package cmd implements the bannerinspector command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/app"
	"github.com/JakeFAU/banner-inspector/internal/config"
	"github.com/JakeFAU/banner-inspector/internal/extractor"
	"github.com/JakeFAU/banner-inspector/internal/ingest"
)

// skipApp marks commands that run on configuration alone.
const skipApp = "skip-app"

type ctxKey string

const (
	appKey ctxKey = "app"
	cfgKey ctxKey = "config"
)

// App is the part of the application container commands use.
type App interface {
	Logger() *zap.Logger
	Config() config.Config
	Handler() http.Handler
	Extractor() *extractor.Extractor
	Ingest() *ingest.Service
	RunWorkers(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:   "bannerinspector",
		Short: "Extracts marketing banners and audits them with a vision model.",
		Long: `bannerinspector crawls promotion pages, stores the carousel banners it
finds and runs asynchronous inspection jobs that send each banner to a
vision-language model for design guideline review.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			ctx := context.WithValue(cmd.Context(), cfgKey, cfg)
			if cmd.Annotations[skipApp] == "" {
				a, err := newApp(ctx, cfg)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				zap.ReplaceGlobals(a.Logger())
				ctx = context.WithValue(ctx, appKey, a)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(App); ok && a != nil {
				if err := a.Close(context.WithoutCancel(cmd.Context())); err != nil {
					fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newMigrateCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	a, ok := ctx.Value(appKey).(App)
	if !ok || a == nil {
		return nil, errors.New("application is not initialized")
	}
	return a, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration is not loaded")
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
