package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/models"
	"signal-advisor/internal/pipeline"
)

func newSignalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Signal management",
		Long:  "Store detected signals and publish them to the pipeline.",
	}

	cmd.AddCommand(newSignalAddCmd(app))
	cmd.AddCommand(newSignalShowCmd(app))
	cmd.AddCommand(newSignalDispatchCmd(app))
	return cmd
}

func newSignalAddCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "add <file|->",
		Short: "Store a signal from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			var sig models.Signal
			if err := json.NewDecoder(r).Decode(&sig); err != nil {
				return fmt.Errorf("decoding signal: %w", err)
			}
			if sig.ID == "" {
				return fmt.Errorf("signal id is required")
			}
			if sig.SuggestionType != "" && !sig.SuggestionType.Valid() {
				return fmt.Errorf("unknown suggestion type %q", sig.SuggestionType)
			}
			if sig.DetectedAt.IsZero() {
				sig.DetectedAt = time.Now().UTC()
			}

			if err := app.Store.SaveSignal(cmd.Context(), &sig); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(sig)
			}
			output.Success("✓ Signal %s stored", sig.ID)
			return nil
		},
	}
}

func newSignalShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stored signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			sig, err := app.Store.GetSignal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sig == nil {
				return fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, args[0])
			}
			if output.IsJSON() {
				return output.JSON(sig)
			}

			output.Bold("Signal %s", sig.ID)
			output.Printf("  Token:      %s\n", sig.TokenAddress)
			output.Printf("  Suggestion: %s (strength %d, confidence %.2f)\n", sig.SuggestionType, sig.Strength, sig.Confidence)
			output.Printf("  Sentiment:  %.2f\n", sig.SentimentScore)
			output.Printf("  Detected:   %s\n", sig.DetectedAt.Format(time.RFC3339))
			if !sig.ExpiresAt.IsZero() {
				expires := sig.ExpiresAt.Format(time.RFC3339)
				if sig.IsExpired(time.Now()) {
					expires = output.Red(expires + " (expired)")
				}
				output.Printf("  Expires:    %s\n", expires)
			}
			output.Printf("  Rationale:  %s\n", sig.RationaleSummary)
			return nil
		},
	}
}

func newSignalDispatchCmd(app *App) *cobra.Command {
	var now bool

	cmd := &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Publish signal.detected for a stored signal",
		Long: `Publish signal.detected for a stored signal.

A running worker picks the event up. With --now the pipeline runs in this
process until no events are due, and the outcome counters are printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			sig, err := app.Store.GetSignal(ctx, args[0])
			if err != nil {
				return err
			}
			if sig == nil {
				return fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, args[0])
			}

			var (
				publisher events.Publisher = events.NewPublisher(app.Store, app.Config.Pipeline.MaxAttempts)
				rt        *events.Runtime
			)
			if now {
				if rt, err = app.runtime(); err != nil {
					return err
				}
				publisher = rt
			}

			id, err := publisher.Emit(ctx, pipeline.SignalDetected, pipeline.SignalDetectedPayload{SignalID: sig.ID})
			if err != nil {
				return err
			}

			result := map[string]interface{}{"signalId": sig.ID, "eventId": id}
			if rt != nil {
				n, err := rt.Drain(ctx)
				if err != nil {
					return err
				}
				result["invocations"] = n
				result["stats"] = rt.Stats()
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			output.Success("✓ Published %s for %s", pipeline.SignalDetected, sig.ID)
			output.Dim("Event: %s", id)
			if rt != nil {
				s := rt.Stats()
				output.Printf("  Completed: %d  Retried: %d  Dead: %d\n", s.Completed, s.Retried, s.Dead)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&now, "now", false, "run the pipeline in this process")
	return cmd
}

func newHoldingsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holdings",
		Short: "Per-user token balances used to resolve holders",
	}

	var (
		symbol string
		value  float64
	)
	set := &cobra.Command{
		Use:   "set <user> <token> <balance>",
		Short: "Set a user's balance of a token",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid balance %q: %w", args[2], err)
			}
			h := models.Holding{
				TokenAddress: args[1],
				Symbol:       symbol,
				Balance:      balance,
				ValueUSD:     value,
				UpdatedAt:    time.Now().UTC(),
			}
			if err := app.Store.SetBalance(cmd.Context(), args[0], h); err != nil {
				return err
			}
			NewOutput(cmd).Success("✓ %s holds %g %s", args[0], balance, args[1])
			return nil
		},
	}
	set.Flags().StringVar(&symbol, "symbol", "", "token symbol")
	set.Flags().Float64Var(&value, "value", 0, "position value in USD")

	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's holdings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			holdings, err := app.Store.GetHoldings(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(holdings)
			}
			if len(holdings) == 0 {
				output.Warning("No holdings for %s", args[0])
				return nil
			}
			table := NewTable(output, "TOKEN", "SYMBOL", "BALANCE", "VALUE USD")
			for _, h := range holdings {
				table.AddRow(h.TokenAddress, h.Symbol, strconv.FormatFloat(h.Balance, 'f', -1, 64), fmt.Sprintf("%.2f", h.ValueUSD))
			}
			table.Render()
			return nil
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}
