package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/logging"
	"signal-advisor/internal/models"
	"signal-advisor/internal/store"
)

// fanOutConcurrency bounds in-flight emits for one signal.
const fanOutConcurrency = 16

// DispatchSummary reports the outcome of one signal fan-out.
type DispatchSummary struct {
	SignalID   string `json:"signalId"`
	Holders    int    `json:"holders"`
	Dispatched int    `json:"dispatched"`
	Failed     int    `json:"failed"`
}

// Dispatcher fans a detected signal out to every holder of its token.
type Dispatcher struct {
	signals   store.SignalStore
	balances  store.BalanceStore
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{
		signals:   deps.Signals,
		balances:  deps.Balances,
		publisher: deps.Publisher,
		logger:    deps.Logger,
	}
}

// Handle is the signal.detected handler.
func (d *Dispatcher) Handle(ctx context.Context, evt *events.Event) error {
	payload, err := events.Decode[SignalDetectedPayload](evt)
	if err != nil {
		return err
	}
	_, err = d.Dispatch(ctx, payload.SignalID)
	return err
}

// Dispatch emits one proposal.dispatched event per holder of the signal's
// token. Emits run concurrently and independently; when any of them fails
// the summary is still returned together with an error so the runtime
// retries. Holders already emitted for are skipped on the retry.
func (d *Dispatcher) Dispatch(ctx context.Context, signalID string) (*DispatchSummary, error) {
	logger := logging.WithSignal(stageLogger(ctx, d.logger, "dispatch"), signalID)
	summary := &DispatchSummary{SignalID: signalID}

	signal, err := events.Step(ctx, "load-signal", func(ctx context.Context) (*models.Signal, error) {
		return loadSignal(ctx, d.signals, signalID)
	})
	if err != nil {
		return nil, err
	}

	if !signal.HasAsset() {
		logger.Info().Msg("Signal has no asset, nothing to dispatch")
		return summary, nil
	}

	holders, err := events.Step(ctx, "resolve-holders", func(ctx context.Context) ([]string, error) {
		holders, err := d.balances.GetDistinctHolders(ctx, signal.TokenAddress)
		if err != nil {
			return nil, fmt.Errorf("resolving holders of %s: %w", signal.TokenAddress, err)
		}
		if holders == nil {
			holders = []string{}
		}
		return holders, nil
	})
	if err != nil {
		return nil, err
	}

	summary.Holders = len(holders)
	if len(holders) == 0 {
		logging.LogDispatch(logger, signalID, 0, 0, 0)
		return summary, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		sem      = make(chan struct{}, fanOutConcurrency)
	)

	for _, userID := range holders {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := events.Step(ctx, "dispatch:"+userID, func(ctx context.Context) (string, error) {
				return d.publisher.Emit(ctx, ProposalDispatched, ProposalDispatchedPayload{
					SignalID: signalID,
					UserID:   userID,
				})
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				userLogger := logging.WithUser(logger, userID)
				userLogger.Warn().Err(err).Msg("Failed to dispatch to holder")
				summary.Failed++
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			summary.Dispatched++
		}(userID)
	}
	wg.Wait()

	logging.LogDispatch(logger, signalID, summary.Holders, summary.Dispatched, summary.Failed)

	if firstErr != nil {
		return summary, fmt.Errorf("dispatching signal %s: %d of %d emits failed: %w",
			signalID, summary.Failed, summary.Holders, firstErr)
	}
	return summary, nil
}

// loadSignal treats a missing signal as permanent: signal ids are durable
// once published.
func loadSignal(ctx context.Context, signals store.SignalStore, id string) (*models.Signal, error) {
	signal, err := signals.GetSignal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading signal %s: %w", id, err)
	}
	if signal == nil {
		return nil, apperrors.Permanent(fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id))
	}
	return signal, nil
}
