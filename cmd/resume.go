package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/citation-crawler/internal/server"
)

func newResumeCmd() *cobra.Command {
	var (
		from               int
		includeDeadLetters bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted crawl from its checkpoint",
		Long: `Loads db.json and remaining.json from a previous run directory and
continues the crawl into a new run directory. Without --from the most
recent run is used.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := server.Options{Resume: true, ResumeFrom: from}
			return runApp(cmd.Context(), opts, nil, false, includeDeadLetters)
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "run id to resume (0 resumes the latest run)")
	cmd.Flags().BoolVar(&includeDeadLetters, "include-dead-letters", false, "retry papers the previous run gave up on")
	return cmd
}
