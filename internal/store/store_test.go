package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/models"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "advisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs the same contract against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
}

func TestSignalRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		missing, err := s.GetSignal(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		sig := &models.Signal{
			ID:               "sig-1",
			TokenAddress:     "TOKEN_A",
			DetectedAt:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			Sources:          []string{"https://x.com/a/status/1"},
			SentimentScore:   0.6,
			SuggestionType:   models.SuggestionBuy,
			Strength:         7,
			Confidence:       0.8,
			RationaleSummary: "volume spike",
			ExpiresAt:        time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
			Metadata:         map[string]interface{}{"chain": "solana"},
		}
		require.NoError(t, s.SaveSignal(ctx, sig))

		got, err := s.GetSignal(ctx, "sig-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sig.TokenAddress, got.TokenAddress)
		assert.Equal(t, sig.SuggestionType, got.SuggestionType)
		assert.Equal(t, sig.Strength, got.Strength)
		assert.Equal(t, sig.Sources, got.Sources)
		assert.True(t, sig.ExpiresAt.Equal(got.ExpiresAt))
		assert.Equal(t, "solana", got.Metadata["chain"])
	})
}

func TestSignalWithoutAsset(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSignal(ctx, &models.Signal{ID: "sig-2", SuggestionType: models.SuggestionNews, DetectedAt: time.Now()}))

		got, err := s.GetSignal(ctx, "sig-2")
		require.NoError(t, err)
		assert.False(t, got.HasAsset())
		assert.True(t, got.ExpiresAt.IsZero())
	})
}

func TestDistinctHolders(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetBalance(ctx, "u1", models.Holding{TokenAddress: "T", Balance: 10}))
		require.NoError(t, s.SetBalance(ctx, "u2", models.Holding{TokenAddress: "T", Balance: 0}))
		require.NoError(t, s.SetBalance(ctx, "u3", models.Holding{TokenAddress: "T", Balance: 0.5}))
		require.NoError(t, s.SetBalance(ctx, "u3", models.Holding{TokenAddress: "OTHER", Balance: 1}))
		require.NoError(t, s.SetBalance(ctx, "u4", models.Holding{TokenAddress: "OTHER", Balance: 3}))

		holders, err := s.GetDistinctHolders(ctx, "T")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u3"}, holders)

		none, err := s.GetDistinctHolders(ctx, "UNKNOWN")
		require.NoError(t, err)
		assert.Empty(t, none)

		holdings, err := s.GetHoldings(ctx, "u3")
		require.NoError(t, err)
		assert.Len(t, holdings, 2)
	})
}

func TestCreateProposalUpsertsByTriggerAndUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.CreateProposal(ctx, &models.Proposal{
			UserID:         "u1",
			TriggerEventID: "sig-1",
			Title:          "Take profit",
			Summary:        "Trim position",
			Reason:         []string{"momentum fading"},
			Sources:        []models.Source{{Name: "x", URL: "https://x.com/a/status/1"}},
			Type:           models.ProposalTrade,
			FinancialImpact: &models.FinancialImpact{
				CurrentValue: 100, ProjectedValue: 110, PercentChange: 10, TimeFrame: "1 week", RiskLevel: models.RiskMedium,
			},
		})
		require.NoError(t, err)
		require.NotEmpty(t, first.ID)
		assert.Equal(t, models.ProposalActive, first.Status)

		second, err := s.CreateProposal(ctx, &models.Proposal{
			UserID:         "u1",
			TriggerEventID: "sig-1",
			Title:          "Different title",
			Summary:        "ignored",
			Reason:         []string{"dup"},
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "Take profit", second.Title)

		other, err := s.CreateProposal(ctx, &models.Proposal{UserID: "u2", TriggerEventID: "sig-1", Title: "t", Summary: "s", Reason: []string{"r"}})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)

		got, err := s.GetProposal(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got.FinancialImpact)
		assert.Equal(t, models.RiskMedium, got.FinancialImpact.RiskLevel)
		assert.Equal(t, []string{"momentum fading"}, got.Reason)

		missing, err := s.GetProposal(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		list, err := s.ListProposals(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestCreateProposalRequiresUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.CreateProposal(context.Background(), &models.Proposal{TriggerEventID: "sig-1", Title: "t"})
		assert.ErrorIs(t, err, apperrors.ErrMissingUser)
	})
}

func TestSubscriptions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.UpsertSubscription(ctx, &models.PushSubscription{UserID: "u1", Endpoint: "https://push/a", P256dh: "k1", Auth: "a1"}))
		require.NoError(t, s.UpsertSubscription(ctx, &models.PushSubscription{UserID: "u1", Endpoint: "https://push/b", P256dh: "k2", Auth: "a2"}))
		require.NoError(t, s.UpsertSubscription(ctx, &models.PushSubscription{UserID: "u1", Endpoint: "https://push/a", P256dh: "k1-new", Auth: "a1"}))

		subs, err := s.GetSubscriptions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, subs, 2)

		byEndpoint := map[string]models.PushSubscription{}
		for _, sub := range subs {
			byEndpoint[sub.Endpoint] = sub
		}
		assert.Equal(t, "k1-new", byEndpoint["https://push/a"].P256dh)

		require.NoError(t, s.DeleteSubscription(ctx, "https://push/a"))
		subs, err = s.GetSubscriptions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "https://push/b", subs[0].Endpoint)

		none, err := s.GetSubscriptions(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestAccounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveAccount(ctx, &models.TrackedAccount{ID: "solana", DisplayName: "Solana", UserIDs: []string{"u1"}}))

		require.NoError(t, s.UpdateLastTweetID(ctx, "solana", "1800"))
		got, err := s.GetAccount(ctx, "solana")
		require.NoError(t, err)
		assert.Equal(t, "1800", got.LastTweetID)
		assert.Equal(t, []string{"u1"}, got.UserIDs)

		err = s.UpdateLastTweetID(ctx, "ghost", "1")
		assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)

		missing, err := s.GetAccount(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, missing)

		all, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestEventQueueLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		evt, err := events.NewEvent("signal.detected", map[string]string{"signalId": "sig-1"}, 3)
		require.NoError(t, err)
		require.NoError(t, s.Enqueue(ctx, evt))
		assert.ErrorIs(t, s.Enqueue(ctx, evt), apperrors.ErrDuplicate)

		claimed, err := s.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, events.StatusRunning, claimed[0].Status)
		assert.Equal(t, 1, claimed[0].Attempts)
		assert.JSONEq(t, `{"signalId":"sig-1"}`, string(claimed[0].Data))

		again, err := s.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, s.SaveStep(ctx, evt.ID, "load-signal", []byte(`{"id":"sig-1"}`)))
		steps, err := s.LoadSteps(ctx, evt.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"sig-1"}`, string(steps["load-signal"]))

		require.NoError(t, s.Retry(ctx, evt.ID, time.Now().Add(-time.Second), "timeout"))
		claimed, err = s.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].Attempts)

		require.NoError(t, s.Dead(ctx, evt.ID, "gave up"))
		dead, err := s.ListEvents(ctx, events.StatusDead, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "gave up", dead[0].LastError)

		require.NoError(t, s.Requeue(ctx, evt.ID))
		got, err := s.GetEvent(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, events.StatusPending, got.Status)
		assert.Equal(t, 0, got.Attempts)

		require.NoError(t, s.Complete(ctx, evt.ID))
		got, _ = s.GetEvent(ctx, evt.ID)
		assert.Equal(t, events.StatusCompleted, got.Status)

		assert.ErrorIs(t, s.Complete(ctx, "ghost"), apperrors.ErrDataNotFound)
		missing, err := s.GetEvent(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestEventRequeueStepLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		evt, _ := events.NewEvent("proposal.dispatched", struct{}{}, 3)
		require.NoError(t, s.Enqueue(ctx, evt))
		_, err := s.Claim(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.SaveStep(ctx, evt.ID, "load-signal", []byte(`{}`)))

		require.NoError(t, s.Dead(ctx, evt.ID, "boom"))
		require.NoError(t, s.Requeue(ctx, evt.ID))
		steps, err := s.LoadSteps(ctx, evt.ID)
		require.NoError(t, err)
		assert.Len(t, steps, 1, "dead event resumes after its last step")

		require.NoError(t, s.Complete(ctx, evt.ID))
		require.NoError(t, s.Requeue(ctx, evt.ID))
		steps, err = s.LoadSteps(ctx, evt.ID)
		require.NoError(t, err)
		assert.Empty(t, steps, "completed event runs every step again")

		got, err := s.GetEvent(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, events.StatusPending, got.Status)

		assert.ErrorIs(t, s.Requeue(ctx, "ghost"), apperrors.ErrDataNotFound)
	})
}

func TestEventQueueFutureRunAtNotClaimed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		evt, _ := events.NewEvent("x", struct{}{}, 3)
		evt.RunAt = time.Now().Add(time.Hour)
		require.NoError(t, s.Enqueue(ctx, evt))

		claimed, err := s.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

// TestProperty_ProposalUpsertIdempotent checks that creating the same
// (signal, user) proposal any number of times leaves exactly one row.
func TestProperty_ProposalUpsertIdempotent(t *testing.T) {
	s := newSQLite(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("duplicate dispatches yield one proposal", prop.ForAll(
		func(repeats int, user string) bool {
			ctx := context.Background()
			run++
			signalID := fmt.Sprintf("sig-%d", run)

			ids := map[string]bool{}
			for i := 0; i < repeats; i++ {
				p, err := s.CreateProposal(ctx, &models.Proposal{
					UserID: user, TriggerEventID: signalID, Title: "t", Summary: "s", Reason: []string{"r"},
				})
				if err != nil {
					t.Logf("create failed: %v", err)
					return false
				}
				if p.TriggerEventID != signalID || p.UserID != user {
					return false
				}
				ids[p.ID] = true
			}
			return len(ids) == 1
		},
		gen.IntRange(1, 5),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
