package cli

import (
	"github.com/spf13/cobra"

	"signal-advisor/internal/notify"
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Web Push utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "keys",
		Short:       "Generate a VAPID key pair",
		Long:        "Generate a VAPID key pair for the [vapid] section of credentials.toml.",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			public, private, err := notify.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"publicKey": public, "privateKey": private})
			}
			output.Println("[vapid]")
			output.Printf("public_key = %q\n", public)
			output.Printf("private_key = %q\n", private)
			output.Println()
			output.Warning("Keep the private key secret. Rotating keys invalidates existing subscriptions.")
			return nil
		},
	})

	return cmd
}
