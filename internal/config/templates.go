package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Signal Advisor Configuration

[pipeline]
# Concurrent event handlers
workers = 4
# Events claimed per poll
batch_size = 16
poll_interval = "1s"
# How long a claimed event is hidden from other workers
lease = "5m"
# Upper bound for a single handler invocation
step_timeout = "3m"
# Upper bound for one proposal synthesis call
synthesis_timeout = "2m"
max_attempts = 5
initial_backoff = "2s"
max_backoff = "5m"
backoff_factor = 2.0
# Opened when a user taps a proposal notification
notification_url = "/proposals"

[scraper]
base_url = "https://x.com"
headless = true
# Posts kept per account per run
max_posts_per_account = 20
max_scrolls = 5
run_timeout = "15m"
selector_timeout = "15s"
# Randomized pause between browser actions
min_delay = "400ms"
max_delay = "3s"
# Schedule used by "advisor scrape --cron" under the worker
cron = "*/30 * * * *"

[push]
subject = "mailto:ops@example.com"
ttl = 3600
# very-low, low, normal, high
urgency = "normal"
timeout = "10s"

[store]
# path = "~/.config/signal-advisor/advisor.db"

[logging]
level = "info"
file = true

[alerts]
enabled = false

[alerts.webhook]
enabled = false
url = ""

[alerts.telegram]
enabled = false
bot_token = ""
chat_id = ""

[agents]
model = "gpt-4o-mini"
max_tool_rounds = 6
proposed_by = "advisor"
# Fall back to rule-based proposals after this many consecutive model failures
breaker_failures = 5
breaker_cooldown = "1m"
`

const credentialsTemplate = `# Signal Advisor Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[x]
username = ""
password = ""
email = ""

[openai]
api_key = ""

[vapid]
public_key = ""
private_key = ""

[cookie]
# Seals saved browser sessions at rest
secret = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}

// Path returns the location of config.toml inside configDir.
func Path(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}
