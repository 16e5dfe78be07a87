package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"signal-advisor/internal/models"
)

func newAccountsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Tracked X accounts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked accounts and their checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			accounts, err := app.Store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(accounts)
			}
			if len(accounts) == 0 {
				output.Warning("No tracked accounts")
				output.Dim("Add one with: advisor accounts add <handle>")
				return nil
			}

			table := NewTable(output, "ACCOUNT", "NAME", "LAST POST", "FOLLOWERS")
			for _, a := range accounts {
				last := a.LastTweetID
				if last == "" {
					last = output.DimText("-")
				}
				table.AddRow(a.ID, a.DisplayName, last, fmt.Sprintf("%d", len(a.UserIDs)))
			}
			table.Render()
			return nil
		},
	}

	var (
		name  string
		users []string
	)
	add := &cobra.Command{
		Use:   "add <handle>",
		Short: "Track an account",
		Long: `Track an account. Adding an account that is already tracked updates its
name and followers and keeps its checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			id := strings.TrimPrefix(args[0], "@")
			if id == "" {
				return fmt.Errorf("account handle is required")
			}

			account := &models.TrackedAccount{ID: id, DisplayName: name, UserIDs: users}
			existing, err := app.Store.GetAccount(ctx, id)
			if err != nil {
				return err
			}
			if existing != nil {
				account.LastTweetID = existing.LastTweetID
				account.ProfileImageURL = existing.ProfileImageURL
				if name == "" {
					account.DisplayName = existing.DisplayName
				}
				if len(users) == 0 {
					account.UserIDs = existing.UserIDs
				}
			}
			if account.DisplayName == "" {
				account.DisplayName = id
			}
			if account.UserIDs == nil {
				account.UserIDs = []string{}
			}

			if err := app.Store.SaveAccount(ctx, account); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(account)
			}
			output.Success("✓ Tracking @%s", id)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringSliceVar(&users, "user", nil, "user following this account (repeatable)")

	cmd.AddCommand(list, add)
	return cmd
}
