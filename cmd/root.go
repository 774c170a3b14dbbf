package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/checkpoint"
	"github.com/JakeFAU/citation-crawler/internal/config"
	"github.com/JakeFAU/citation-crawler/internal/server"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// App is what the subcommands drive. Tests swap in a fake through newApp.
type App interface {
	RunID() int
	Run(ctx context.Context, titles []string, refreshSeeds, includeDeadLetters bool) (checkpoint.Result, error)
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg *config.Config, opts server.Options) (App, error) {
	return server.Build(ctx, cfg, opts)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "citecrawl",
		Short: "Breadth-first crawler over a paper citation graph.",
		Long: `citecrawl starts from a handful of seed papers and follows their
references breadth-first, keeping every paper that passes the inclusion
filter. Each run writes its results under a numbered checkpoint directory
and an interrupted run can be resumed from there.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newResumeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "citecrawl: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// runApp builds the app, runs it and always closes it.
func runApp(ctx context.Context, opts server.Options, titles []string, refreshSeeds, includeDeadLetters bool) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		_ = app.Close(context.WithoutCancel(ctx))
	}()

	res, err := app.Run(ctx, titles, refreshSeeds, includeDeadLetters)
	if err != nil {
		return fmt.Errorf("run %d: %w", app.RunID(), err)
	}
	zap.L().Info("run finished",
		zap.Int("run_id", app.RunID()),
		zap.String("status", string(res.Manifest.Status)),
		zap.Int("papers", res.Manifest.Papers),
		zap.Int("remaining", res.Manifest.Remaining),
		zap.Int("dead_letters", res.Manifest.DeadLetters),
	)
	return nil
}
