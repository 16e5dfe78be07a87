package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"signal-advisor/internal/scheduler"
)

func newWorkerCmd(app *App) *cobra.Command {
	var withScrape bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline event worker",
		Long: `Run the event runtime until SIGINT or SIGTERM.

The worker handles signal.detected, proposal.dispatched and proposal.generated
events from the durable event log. Events that exhaust their retries are
reported to the configured alert channels. With --scrape the worker also runs
the scraper on scraper.cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.runtime()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if withScrape {
				job, err := app.scrapeJob()
				if err != nil {
					return err
				}
				runner := scheduler.New(ctx, app.Logger)
				if _, err := runner.Add(app.Config.Scraper.Cron, "scrape", job.Scheduled); err != nil {
					return err
				}
				runner.Start()
				defer runner.Stop()
			}

			app.Logger.Info().
				Int("workers", app.Config.Pipeline.Workers).
				Bool("scrape", withScrape).
				Msg("Worker started")

			err = rt.Run(ctx)

			stats := rt.Stats()
			app.Logger.Info().
				Uint64("completed", stats.Completed).
				Uint64("retried", stats.Retried).
				Uint64("dead", stats.Dead).
				Uint64("unrouted", stats.Unrouted).
				Msg("Worker stopped")
			return err
		},
	}

	cmd.Flags().BoolVar(&withScrape, "scrape", false, "also scrape tracked accounts on scraper.cron")
	return cmd
}
