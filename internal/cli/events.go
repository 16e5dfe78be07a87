package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
)

func newEventsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and re-drive the durable event log",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List events",
		Example: `  advisor events list
  advisor events list --status dead`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			st := events.Status(status)
			switch st {
			case "", events.StatusPending, events.StatusRunning, events.StatusCompleted, events.StatusDead:
			default:
				return fmt.Errorf("unknown status %q", status)
			}

			evts, err := app.Store.ListEvents(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(evts)
			}
			if len(evts) == 0 {
				output.Warning("No events")
				return nil
			}

			table := NewTable(output, "ID", "NAME", "STATUS", "ATTEMPTS", "UPDATED", "LAST ERROR")
			for _, e := range evts {
				table.AddRow(
					e.ID,
					e.Name,
					output.Status(string(e.Status)),
					strconv.Itoa(e.Attempts)+"/"+strconv.Itoa(e.MaxAttempts),
					e.UpdatedAt.Local().Format(time.DateTime),
					truncate(e.LastError, 60),
				)
			}
			table.Render()
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, dead)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum events to list")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset an event to pending with a fresh attempt budget",
		Long: `Reset an event to pending with a fresh attempt budget.

A dead event keeps its completed steps and resumes after the last step that
succeeded. A completed event runs every step again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			evt, err := app.Store.GetEvent(ctx, args[0])
			if err != nil {
				return err
			}
			if evt == nil {
				return fmt.Errorf("%w: event %s", apperrors.ErrDataNotFound, args[0])
			}
			if evt.Status == events.StatusRunning {
				return fmt.Errorf("event %s is running", evt.ID)
			}

			if err := app.Store.Requeue(ctx, evt.ID); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"id": evt.ID, "status": string(events.StatusPending)})
			}
			output.Success("✓ Event %s (%s) requeued", evt.ID, evt.Name)
			return nil
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}
