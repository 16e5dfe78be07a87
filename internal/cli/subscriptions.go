package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/models"
	"signal-advisor/internal/notify"
	"signal-advisor/internal/security"
)

func newSubscriptionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Web Push subscriptions",
	}

	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's push subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			subs, err := app.Store.GetSubscriptions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(subs)
			}
			if len(subs) == 0 {
				output.Warning("No subscriptions for %s", args[0])
				return nil
			}

			table := NewTable(output, "ENDPOINT", "BROWSER", "OS", "UPDATED")
			for _, s := range subs {
				table.AddRow(security.MaskEndpoint(s.Endpoint), s.Browser, s.OS, s.UpdatedAt.Local().Format(time.DateTime))
			}
			table.Render()
			return nil
		},
	}

	var sub models.PushSubscription
	add := &cobra.Command{
		Use:   "add <user> <endpoint>",
		Short: "Register a push subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sub.P256dh == "" || sub.Auth == "" {
				return fmt.Errorf("--p256dh and --auth are required")
			}
			s := sub
			s.UserID = args[0]
			s.Endpoint = args[1]
			if err := app.Store.UpsertSubscription(cmd.Context(), &s); err != nil {
				return err
			}
			NewOutput(cmd).Success("✓ Subscription saved for %s", s.UserID)
			return nil
		},
	}
	add.Flags().StringVar(&sub.P256dh, "p256dh", "", "client public key (base64url)")
	add.Flags().StringVar(&sub.Auth, "auth", "", "client auth secret (base64url)")
	add.Flags().StringVar(&sub.Browser, "browser", "", "browser name")
	add.Flags().StringVar(&sub.OS, "os", "", "operating system")

	test := &cobra.Command{
		Use:   "test <user>",
		Short: "Send a test notification to every subscription of a user",
		Long: `Send a test notification to every subscription of a user.

Subscriptions the push service reports as gone (404 or 410) are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			transport, err := app.transport()
			if err != nil {
				return err
			}
			subs, err := app.Store.GetSubscriptions(ctx, args[0])
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				output.Warning("No subscriptions for %s", args[0])
				return nil
			}

			payload, err := notify.EncodePayload(models.PushPayload{
				Title: "Signal Advisor",
				Body:  "Test notification",
				Data:  map[string]string{"url": app.Config.Pipeline.NotificationURL},
			})
			if err != nil {
				return err
			}

			type outcome struct {
				Endpoint string `json:"endpoint"`
				Status   string `json:"status"`
				Error    string `json:"error,omitempty"`
			}
			var outcomes []outcome
			failed := 0
			for _, s := range subs {
				o := outcome{Endpoint: security.MaskEndpoint(s.Endpoint), Status: "delivered"}
				if err := transport.Send(ctx, s, payload); err != nil {
					o.Status, o.Error = "failed", err.Error()
					failed++
					if apperrors.IsSubscriptionGone(err) {
						o.Status = "pruned"
						if derr := app.Store.DeleteSubscription(ctx, s.Endpoint); derr != nil {
							o.Error = derr.Error()
						}
					}
				}
				outcomes = append(outcomes, o)
			}

			if output.IsJSON() {
				if err := output.JSON(outcomes); err != nil {
					return err
				}
			} else {
				for _, o := range outcomes {
					switch o.Status {
					case "delivered":
						output.Success("✓ %s", o.Endpoint)
					case "pruned":
						output.Warning("- %s removed: %s", o.Endpoint, o.Error)
					default:
						output.Error("✗ %s: %s", o.Endpoint, o.Error)
					}
				}
			}
			if failed == len(subs) {
				return fmt.Errorf("no subscription of %s accepted the notification", args[0])
			}
			return nil
		},
	}

	cmd.AddCommand(list, add, test)
	return cmd
}
