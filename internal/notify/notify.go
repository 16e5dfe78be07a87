// Package notify delivers proposal notifications to subscribers and
// operator alerts to configured channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"signal-advisor/internal/config"
	"signal-advisor/internal/events"
	"signal-advisor/internal/security"
)

// Alerter defines the interface for operator alerts.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
	SendError(ctx context.Context, err error, context string) error
	SendDeadEvent(ctx context.Context, evt *events.Event, err error) error
	SendScrapeSummary(ctx context.Context, s ScrapeSummary) error
}

// AlertChannel defines the interface for an alert channel.
type AlertChannel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
	IsEnabled() bool
}

// Alert represents an operator alert.
type Alert struct {
	Type      AlertType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// AlertType represents the type of alert.
type AlertType string

const (
	AlertError  AlertType = "error"
	AlertDead   AlertType = "dead_event"
	AlertScrape AlertType = "scrape"
	AlertInfo   AlertType = "info"
)

// ScrapeSummary is the per-run outcome reported after a scrape job.
type ScrapeSummary struct {
	Accounts int
	Posts    int
	Failed   []string
	Duration time.Duration
}

// MultiNotifier sends alerts to multiple channels.
type MultiNotifier struct {
	channels []AlertChannel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg config.AlertConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]AlertChannel, 0),
	}
	if !cfg.Enabled {
		return mn
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}

	return mn
}

// AddChannel adds an alert channel.
func (mn *MultiNotifier) AddChannel(ch AlertChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of the enabled channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()

	names := make([]string, 0, len(mn.channels))
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			names = append(names, ch.Name())
		}
	}
	return names
}

// Send sends an alert to all enabled channels. Every channel is attempted;
// failures are joined into one error.
func (mn *MultiNotifier) Send(ctx context.Context, a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	a.Message = security.MaskString(a.Message)

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(channels))

	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}

		wg.Add(1)
		go func(channel AlertChannel) {
			defer wg.Done()
			if err := channel.Send(ctx, a); err != nil {
				errCh <- fmt.Errorf("%s: %w", channel.Name(), err)
			}
		}(ch)
	}

	wg.Wait()
	close(errCh)

	var errs []string
	for err := range errCh {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("alert errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SendError sends an error alert.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	return mn.Send(ctx, Alert{
		Type:    AlertError,
		Title:   "Pipeline error",
		Message: fmt.Sprintf("Context: %s\nError: %v\nTime: %s", errContext, err, time.Now().Format("15:04:05")),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   security.MaskString(err.Error()),
		},
	})
}

// SendDeadEvent reports an event that exhausted its attempts.
func (mn *MultiNotifier) SendDeadEvent(ctx context.Context, evt *events.Event, err error) error {
	reason := evt.LastError
	if err != nil {
		reason = err.Error()
	}
	reason = security.MaskString(reason)

	return mn.Send(ctx, Alert{
		Type:  AlertDead,
		Title: "Event dead-lettered",
		Message: fmt.Sprintf("Event: %s (%s)\nAttempts: %d\nError: %s",
			evt.Name, evt.ID, evt.Attempts, reason),
		Data: map[string]interface{}{
			"event_id":   evt.ID,
			"event_name": evt.Name,
			"attempts":   evt.Attempts,
			"error":      reason,
		},
	})
}

// SendScrapeSummary reports a scrape run that had failing accounts.
// Clean runs are not alerted.
func (mn *MultiNotifier) SendScrapeSummary(ctx context.Context, s ScrapeSummary) error {
	if len(s.Failed) == 0 {
		return nil
	}

	return mn.Send(ctx, Alert{
		Type:  AlertScrape,
		Title: "Scrape finished with failures",
		Message: fmt.Sprintf("Accounts: %d\nPosts: %d\nFailed: %s\nDuration: %s",
			s.Accounts, s.Posts, strings.Join(s.Failed, ", "), s.Duration.Round(time.Second)),
		Data: map[string]interface{}{
			"accounts": s.Accounts,
			"posts":    s.Posts,
			"failed":   s.Failed,
		},
	})
}

// WebhookNotifier sends alerts via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends an alert via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, a Alert) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      a.Type,
		"title":     a.Title,
		"message":   a.Message,
		"data":      a.Data,
		"timestamp": a.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SignalAdvisor/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  telegramAPI,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends an alert via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, a Alert) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(a.Title), escapeHTML(a.Message))
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// NoOpAlerter is an alerter that does nothing (for testing or disabled alerts).
type NoOpAlerter struct{}

// NewNoOpAlerter creates a new NoOpAlerter.
func NewNoOpAlerter() *NoOpAlerter {
	return &NoOpAlerter{}
}

// Send does nothing.
func (n *NoOpAlerter) Send(ctx context.Context, a Alert) error {
	return nil
}

// SendError does nothing.
func (n *NoOpAlerter) SendError(ctx context.Context, err error, context string) error {
	return nil
}

// SendDeadEvent does nothing.
func (n *NoOpAlerter) SendDeadEvent(ctx context.Context, evt *events.Event, err error) error {
	return nil
}

// SendScrapeSummary does nothing.
func (n *NoOpAlerter) SendScrapeSummary(ctx context.Context, s ScrapeSummary) error {
	return nil
}
