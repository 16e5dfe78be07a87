package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"signal-advisor/internal/scheduler"
	"signal-advisor/internal/scraper"
)

// cronFromConfig is the --cron value meaning "use scraper.cron".
const cronFromConfig = "config"

func newScrapeCmd(app *App) *cobra.Command {
	var (
		cronExpr  string
		accountID string
	)

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape tracked accounts for relevant posts",
		Long: `Scrape tracked X accounts and publish relevant posts for signal detection.

Without flags every tracked account is scraped once. --account scrapes a single
account. --cron keeps running and scrapes on a schedule; given without a value
it uses scraper.cron from config.toml.

Each run prints a JSON summary to stdout. The exit code is 1 when the run fails.`,
		Example: `  advisor scrape
  advisor scrape --account=cryptowhale
  advisor scrape --cron
  advisor scrape --cron="*/15 * * * *"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cronExpr != "" && accountID != "" {
				return fmt.Errorf("--cron and --account cannot be combined")
			}

			job, err := app.scrapeJob()
			if err != nil {
				return err
			}

			if cronExpr != "" {
				if cronExpr == cronFromConfig {
					cronExpr = app.Config.Scraper.Cron
				}
				return app.scrapeOnSchedule(cmd, job, cronExpr)
			}

			var res *scraper.JobResult
			if accountID != "" {
				res, err = job.RunAccount(cmd.Context(), accountID)
			} else {
				res, err = job.RunAll(cmd.Context())
			}
			if perr := printJobResult(cmd.OutOrStdout(), res); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&cronExpr, "cron", "", "run on a cron schedule (default: scraper.cron)")
	cmd.Flags().Lookup("cron").NoOptDefVal = cronFromConfig
	cmd.Flags().StringVar(&accountID, "account", "", "scrape a single tracked account")

	return cmd
}

// scrapeOnSchedule runs job on expr until SIGINT or SIGTERM. A failed tick is
// logged and printed; the next tick retries.
func (app *App) scrapeOnSchedule(cmd *cobra.Command, job *scraper.Job, expr string) error {
	if err := scheduler.Validate(expr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	runner := scheduler.New(ctx, app.Logger)
	_, err := runner.Add(expr, "scrape", func(ctx context.Context) error {
		res, err := job.RunAll(ctx)
		if perr := printJobResult(out, res); perr != nil {
			app.Logger.Warn().Err(perr).Msg("Failed to print scrape summary")
		}
		return err
	})
	if err != nil {
		return err
	}

	app.Logger.Info().Str("cron", expr).Msg("Scrape schedule started")
	return runner.Run(ctx)
}

// printJobResult writes one compact JSON line per run.
func printJobResult(w io.Writer, res *scraper.JobResult) error {
	if res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
