package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/siteaudit-crawler/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the crawl workers",
		Long: `Starts the session API, the dispatcher that fans crawl workers out over
running sessions, the checkpoint loop and the lease reaper. Shuts down
gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(), app.ModeServe)
		},
	}
}

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run crawl workers without the HTTP API",
		Long: `Joins every running session in the shared backend and crawls it. Use
this to add crawl capacity behind one or more serve replicas.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(), app.ModeWork)
		},
	}
}
