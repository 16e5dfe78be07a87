package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/models"
)

func newProposalsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "Generated proposals",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's proposals, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			proposals, err := app.Store.ListProposals(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(proposals)
			}
			if len(proposals) == 0 {
				output.Warning("No proposals for %s", args[0])
				return nil
			}

			table := NewTable(output, "ID", "SIGNAL", "TYPE", "STATUS", "TITLE", "EXPIRES")
			now := time.Now()
			for _, p := range proposals {
				status := string(p.Status)
				if p.Status == models.ProposalActive && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
					status = string(models.ProposalExpired)
				}
				table.AddRow(p.ID, p.TriggerEventID, string(p.Type), output.Status(status), truncate(p.Title, 48), p.ExpiresAt.Local().Format(time.DateTime))
			}
			table.Render()
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum proposals to list")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := app.Store.GetProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("%w: %s", apperrors.ErrProposalNotFound, args[0])
			}
			if output.IsJSON() {
				return output.JSON(p)
			}

			output.Bold("%s", p.Title)
			output.Println(p.Summary)
			output.Println()
			for i, r := range p.Reason {
				output.Printf("  %d. %s\n", i+1, r)
			}
			if fi := p.FinancialImpact; fi != nil {
				output.Println()
				output.Printf("  Impact: $%.2f -> $%.2f (%+.2f%%) over %s, %s risk\n",
					fi.CurrentValue, fi.ProjectedValue, fi.PercentChange, fi.TimeFrame, fi.RiskLevel)
			}
			if len(p.Sources) > 0 {
				names := make([]string, 0, len(p.Sources))
				for _, s := range p.Sources {
					names = append(names, s.Name+" <"+s.URL+">")
				}
				output.Dim("Sources: %s", strings.Join(names, ", "))
			}
			output.Dim("User %s, signal %s, proposed by %s", p.UserID, p.TriggerEventID, p.ProposedBy)
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
