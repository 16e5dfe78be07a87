// Package store provides data persistence interfaces and implementations.
//
// Get-style lookups return (nil, nil) when the row does not exist; callers
// decide whether absence is an error.
package store

import (
	"context"

	"signal-advisor/internal/events"
	"signal-advisor/internal/models"
)

// SignalStore reads detected signals.
type SignalStore interface {
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	SaveSignal(ctx context.Context, signal *models.Signal) error
}

// BalanceStore resolves who holds a token.
type BalanceStore interface {
	// GetDistinctHolders returns the users with a nonzero balance of tokenAddress.
	GetDistinctHolders(ctx context.Context, tokenAddress string) ([]string, error)
}

// PortfolioStore reads and writes per-user balances.
type PortfolioStore interface {
	GetHoldings(ctx context.Context, userID string) ([]models.Holding, error)
	SetBalance(ctx context.Context, userID string, holding models.Holding) error
}

// ProposalStore persists generated proposals.
type ProposalStore interface {
	// CreateProposal inserts p, or returns the proposal already stored for
	// the same (TriggerEventID, UserID).
	CreateProposal(ctx context.Context, p *models.Proposal) (*models.Proposal, error)
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	ListProposals(ctx context.Context, userID string, limit int) ([]models.Proposal, error)
}

// SubscriptionStore persists Web Push subscriptions.
type SubscriptionStore interface {
	GetSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	// UpsertSubscription creates or updates in place by (UserID, Endpoint).
	UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// AccountStore persists the scraper's tracked accounts and their checkpoints.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]models.TrackedAccount, error)
	GetAccount(ctx context.Context, id string) (*models.TrackedAccount, error)
	SaveAccount(ctx context.Context, account *models.TrackedAccount) error
	UpdateLastTweetID(ctx context.Context, id, lastTweetID string) error
}

// Store is everything the advisor persists, including the event log.
type Store interface {
	SignalStore
	BalanceStore
	PortfolioStore
	ProposalStore
	SubscriptionStore
	AccountStore
	events.Queue

	Close() error
}
