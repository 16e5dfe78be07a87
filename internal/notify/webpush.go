package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"signal-advisor/internal/config"
	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/models"
)

const maxErrorBody = 512

// WebPushTransport delivers encrypted payloads to browser push services
// using VAPID authentication.
type WebPushTransport struct {
	publicKey  string
	privateKey string
	subject    string
	ttl        int
	urgency    webpush.Urgency
	client     *http.Client
}

// NewWebPushTransport creates a transport from push settings and VAPID keys.
// The library adds the mailto: scheme itself unless the subject is https.
func NewWebPushTransport(cfg config.PushConfig, keys config.VAPIDCredentials) *WebPushTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebPushTransport{
		publicKey:  keys.PublicKey,
		privateKey: keys.PrivateKey,
		subject:    strings.TrimPrefix(cfg.Subject, "mailto:"),
		ttl:        cfg.TTL,
		urgency:    parseUrgency(cfg.Urgency),
		client:     &http.Client{Timeout: timeout},
	}
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// Non-2xx answers are returned as *errors.PushError so callers can tell a
// gone subscription (404/410) from a transient failure.
func (t *WebPushTransport) Send(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, s, &webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      t.subject,
		TTL:             t.ttl,
		Urgency:         t.urgency,
		VAPIDPublicKey:  t.publicKey,
		VAPIDPrivateKey: t.privateKey,
	})
	if err != nil {
		return fmt.Errorf("sending push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperrors.NewPushError(sub.Endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

// EncodePayload renders the JSON body shown by the service worker.
func EncodePayload(p models.PushPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling push payload: %w", err)
	}
	return data, nil
}

// GenerateVAPIDKeys creates a new application server key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generating VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}

func parseUrgency(s string) webpush.Urgency {
	switch strings.ToLower(s) {
	case "very-low":
		return webpush.UrgencyVeryLow
	case "low":
		return webpush.UrgencyLow
	case "high":
		return webpush.UrgencyHigh
	default:
		return webpush.UrgencyNormal
	}
}
