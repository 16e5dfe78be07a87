package cli

import (
	"github.com/spf13/cobra"

	"signal-advisor/internal/config"
	"signal-advisor/internal/security"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration file path",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			path := config.Path(dir)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": path})
			} else {
				output.Println(path)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			checks := []struct {
				name string
				err  error
			}{
				{"config", app.Config.Validate()},
				{"scraper", app.Config.RequireScraper()},
				{"push", app.Config.RequirePush()},
			}

			result := make(map[string]string, len(checks))
			var firstErr error
			for _, c := range checks {
				if c.err != nil {
					result[c.name] = c.err.Error()
					if firstErr == nil {
						firstErr = c.err
					}
					continue
				}
				result[c.name] = "ok"
			}

			if output.IsJSON() {
				if err := output.JSON(result); err != nil {
					return err
				}
				return firstErr
			}
			for _, c := range checks {
				if c.err != nil {
					output.Error("✗ %s: %v", c.name, c.err)
				} else {
					output.Success("✓ %s", c.name)
				}
			}
			return firstErr
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Pipeline")
	output.Printf("  Workers:           %d\n", cfg.Pipeline.Workers)
	output.Printf("  Max Attempts:      %d\n", cfg.Pipeline.MaxAttempts)
	output.Printf("  Backoff:           %s .. %s (x%.1f)\n", cfg.Pipeline.InitialBackoff, cfg.Pipeline.MaxBackoff, cfg.Pipeline.BackoffFactor)
	output.Printf("  Synthesis Timeout: %s\n", cfg.Pipeline.SynthesisTimeout)
	output.Println()

	output.Bold("Scraper")
	output.Printf("  Base URL:          %s\n", cfg.Scraper.BaseURL)
	output.Printf("  Headless:          %v\n", cfg.Scraper.Headless)
	output.Printf("  Max Posts:         %d\n", cfg.Scraper.MaxPostsPerAccount)
	output.Printf("  Schedule:          %s\n", cfg.Scraper.Cron)
	output.Printf("  Username:          %s\n", security.MaskCredential(cfg.Credentials.X.Username))
	output.Println()

	output.Bold("Push")
	output.Printf("  Subject:           %s\n", cfg.Push.Subject)
	output.Printf("  TTL:               %ds\n", cfg.Push.TTL)
	output.Printf("  Urgency:           %s\n", cfg.Push.Urgency)
	output.Printf("  VAPID Public Key:  %s\n", security.MaskCredential(cfg.Credentials.VAPID.PublicKey))
	output.Println()

	output.Bold("Synthesis")
	output.Printf("  Model:             %s\n", cfg.Agents.Model)
	output.Printf("  OpenAI Key:        %s\n", security.MaskCredential(cfg.Credentials.OpenAI.APIKey))
	output.Println()

	output.Bold("Alerts")
	output.Printf("  Enabled:           %v\n", cfg.Alerts.Enabled)
	output.Printf("  Webhook:           %v\n", cfg.Alerts.Webhook.Enabled)
	output.Printf("  Telegram:          %v\n", cfg.Alerts.Telegram.Enabled)
	output.Println()

	output.Dim("Store: %s", cfg.Store.Path)
}
