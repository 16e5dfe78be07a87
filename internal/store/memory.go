package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/models"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	*events.MemoryQueue

	mu            sync.RWMutex
	signals       map[string]models.Signal
	balances      map[string]map[string]models.Holding // user -> token -> holding
	proposals     map[string]models.Proposal
	proposalOrder []string
	subscriptions []models.PushSubscription
	accounts      map[string]models.TrackedAccount
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryQueue: events.NewMemoryQueue(),
		signals:     make(map[string]models.Signal),
		balances:    make(map[string]map[string]models.Holding),
		proposals:   make(map[string]models.Proposal),
		accounts:    make(map[string]models.TrackedAccount),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveSignal(_ context.Context, signal *models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[signal.ID] = *signal
	return nil
}

func (m *MemoryStore) GetSignal(_ context.Context, id string) (*models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sig, ok := m.signals[id]
	if !ok {
		return nil, nil
	}
	return &sig, nil
}

func (m *MemoryStore) GetDistinctHolders(_ context.Context, tokenAddress string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var holders []string
	for userID, tokens := range m.balances {
		if h, ok := tokens[tokenAddress]; ok && h.Balance != 0 {
			holders = append(holders, userID)
		}
	}
	sort.Strings(holders)
	return holders, nil
}

func (m *MemoryStore) GetHoldings(_ context.Context, userID string) ([]models.Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var holdings []models.Holding
	for _, h := range m.balances[userID] {
		if h.Balance != 0 {
			holdings = append(holdings, h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].ValueUSD != holdings[j].ValueUSD {
			return holdings[i].ValueUSD > holdings[j].ValueUSD
		}
		return holdings[i].TokenAddress < holdings[j].TokenAddress
	})
	return holdings, nil
}

func (m *MemoryStore) SetBalance(_ context.Context, userID string, h models.Holding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	if m.balances[userID] == nil {
		m.balances[userID] = make(map[string]models.Holding)
	}
	m.balances[userID][h.TokenAddress] = h
	return nil
}

func (m *MemoryStore) CreateProposal(_ context.Context, p *models.Proposal) (*models.Proposal, error) {
	if p.UserID == "" {
		return nil, apperrors.ErrMissingUser
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.proposals {
		if existing.TriggerEventID == p.TriggerEventID && existing.UserID == p.UserID {
			out := existing
			return &out, nil
		}
	}

	row := *p
	now := time.Now().UTC()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if _, taken := m.proposals[row.ID]; taken {
		return nil, fmt.Errorf("%w: proposal %s", apperrors.ErrDuplicate, row.ID)
	}
	if row.Status == "" {
		row.Status = models.ProposalActive
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	m.proposals[row.ID] = row
	m.proposalOrder = append(m.proposalOrder, row.ID)
	out := row
	return &out, nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (*models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) ListProposals(_ context.Context, userID string, limit int) ([]models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Proposal
	for i := len(m.proposalOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if p := m.proposals[m.proposalOrder[i]]; userID == "" || p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetSubscriptions(_ context.Context, userID string) ([]models.PushSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []models.PushSubscription
	for _, sub := range m.subscriptions {
		if sub.UserID == userID {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, sub *models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for i, existing := range m.subscriptions {
		if existing.UserID == sub.UserID && existing.Endpoint == sub.Endpoint {
			updated := *sub
			updated.CreatedAt = existing.CreatedAt
			updated.UpdatedAt = now
			m.subscriptions[i] = updated
			return nil
		}
	}

	row := *sub
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	m.subscriptions = append(m.subscriptions, row)
	return nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.subscriptions[:0]
	for _, sub := range m.subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	m.subscriptions = kept
	return nil
}

func (m *MemoryStore) ListAccounts(_ context.Context) ([]models.TrackedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]models.TrackedAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.TrackedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) SaveAccount(_ context.Context, a *models.TrackedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = *a
	return nil
}

func (m *MemoryStore) UpdateLastTweetID(_ context.Context, id, lastTweetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrAccountNotFound, id)
	}
	a.LastTweetID = lastTweetID
	m.accounts[id] = a
	return nil
}
