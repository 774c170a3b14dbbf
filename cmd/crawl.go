// Package cmd defines the citecrawl CLI commands.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/citation-crawler/internal/server"
)

func newCrawlCmd() *cobra.Command {
	var (
		titles       []string
		refreshSeeds bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Start a fresh crawl from the seed papers",
		Long: `Resolves the seed titles to papers (reusing start_points.json when it
exists) and crawls their references into a new run directory. SIGINT or
SIGTERM checkpoints the run so it can be resumed later.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("title") {
				cfg.Seeds.Titles = titles
			}
			return runApp(cmd.Context(), server.Options{}, cfg.Seeds.Titles, refreshSeeds, false)
		},
	}
	cmd.Flags().StringSliceVar(&titles, "title", nil, "seed paper title (repeatable, overrides seeds.titles)")
	cmd.Flags().BoolVar(&refreshSeeds, "refresh-seeds", false, "search the seed titles again instead of using start_points.json")
	return cmd
}
