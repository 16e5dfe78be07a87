package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/logging"
	"signal-advisor/internal/models"
	"signal-advisor/internal/notify"
	"signal-advisor/internal/security"
	"signal-advisor/internal/store"
)

const defaultNotificationURL = "/proposals"

// DeliveryReport reports the outcome of notifying one user.
type DeliveryReport struct {
	ProposalID string `json:"proposalId"`
	UserID     string `json:"userId"`
	Attempted  int    `json:"attempted"`
	Delivered  int    `json:"delivered"`
	Pruned     int    `json:"pruned"`
	Failed     int    `json:"failed"`
}

// Notifier pushes generated proposals to every subscription of their user.
type Notifier struct {
	proposals     store.ProposalStore
	subscriptions store.SubscriptionStore
	transport     PushTransport
	url           string
	logger        zerolog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(deps Deps) *Notifier {
	url := deps.Config.NotificationURL
	if url == "" {
		url = defaultNotificationURL
	}

	return &Notifier{
		proposals:     deps.Proposals,
		subscriptions: deps.Subscriptions,
		transport:     deps.Transport,
		url:           url,
		logger:        deps.Logger,
	}
}

// Handle is the proposal.generated handler.
func (n *Notifier) Handle(ctx context.Context, evt *events.Event) error {
	payload, err := events.Decode[ProposalGeneratedPayload](evt)
	if err != nil {
		return err
	}
	_, err = n.Deliver(ctx, payload.ProposalID)
	return err
}

// Deliver sends the proposal to all of its user's subscriptions at once and
// waits for every attempt to settle. Subscriptions the push service reports
// as gone are deleted; other delivery failures are logged and counted but do
// not fail the call.
func (n *Notifier) Deliver(ctx context.Context, proposalID string) (*DeliveryReport, error) {
	logger := logging.WithProposal(stageLogger(ctx, n.logger, "notify"), proposalID)

	proposal, err := n.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("loading proposal %s: %w", proposalID, err)
	}
	if proposal == nil {
		return nil, apperrors.Permanent(fmt.Errorf("%w: %s", apperrors.ErrProposalNotFound, proposalID))
	}
	if proposal.UserID == "" {
		return nil, apperrors.Permanent(fmt.Errorf("%w: proposal %s", apperrors.ErrMissingUser, proposalID))
	}

	logger = logging.WithUser(logger, proposal.UserID)
	report := &DeliveryReport{ProposalID: proposalID, UserID: proposal.UserID}

	subs, err := n.subscriptions.GetSubscriptions(ctx, proposal.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions of %s: %w", proposal.UserID, err)
	}
	if len(subs) == 0 {
		logger.Debug().Msg("User has no push subscriptions")
		return report, nil
	}

	body, err := notify.EncodePayload(models.PushPayload{
		Title: proposal.Title,
		Body:  proposal.Summary,
		Data:  map[string]string{"url": n.url},
	})
	if err != nil {
		return nil, apperrors.Permanent(err)
	}

	outcomes := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub models.PushSubscription) {
			defer wg.Done()
			start := time.Now()
			outcomes[i] = n.transport.Send(ctx, sub, body)
			logging.LogDelivery(logger, security.MaskEndpoint(sub.Endpoint), time.Since(start), outcomes[i])
		}(i, sub)
	}
	wg.Wait()

	report.Attempted = len(subs)
	for i, sendErr := range outcomes {
		endpoint := security.MaskEndpoint(subs[i].Endpoint)
		switch {
		case sendErr == nil:
			report.Delivered++
		case apperrors.IsSubscriptionGone(sendErr):
			if err := n.subscriptions.DeleteSubscription(ctx, subs[i].Endpoint); err != nil {
				logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to prune subscription")
				report.Failed++
				continue
			}
			logger.Info().Str("endpoint", endpoint).Msg("Pruned expired push subscription")
			report.Pruned++
		default:
			logger.Warn().Err(sendErr).Str("endpoint", endpoint).Msg("Push delivery failed")
			report.Failed++
		}
	}

	logger.Info().
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("pruned", report.Pruned).
		Int("failed", report.Failed).
		Msg("Proposal notification settled")

	return report, nil
}
