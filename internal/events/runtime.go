package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/logging"
)

// HandlerFunc processes one delivery of an event. Returning nil completes the
// event; a permanent error dead-letters it; any other error schedules a retry.
type HandlerFunc func(ctx context.Context, evt *Event) error

// DeadHandler is told about every event that will not be retried.
type DeadHandler func(ctx context.Context, evt *Event, err error)

// Publisher emits named events.
type Publisher interface {
	Emit(ctx context.Context, name string, payload any) (string, error)
}

// QueuePublisher appends events to a Queue.
type QueuePublisher struct {
	queue       Queue
	maxAttempts int
}

// NewPublisher creates a publisher that stamps each event with maxAttempts.
func NewPublisher(queue Queue, maxAttempts int) *QueuePublisher {
	return &QueuePublisher{queue: queue, maxAttempts: maxAttempts}
}

// Emit enqueues a new event and returns its id.
func (p *QueuePublisher) Emit(ctx context.Context, name string, payload any) (string, error) {
	evt, err := NewEvent(name, payload, p.maxAttempts)
	if err != nil {
		return "", err
	}
	if err := p.queue.Enqueue(ctx, evt); err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", name, err)
	}
	return evt.ID, nil
}

// Config holds runtime tuning.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	// HandlerTimeout bounds a single invocation. Zero means unbounded.
	HandlerTimeout time.Duration
	Retry          RetryPolicy
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		BatchSize:      16,
		PollInterval:   time.Second,
		Lease:          5 * time.Minute,
		HandlerTimeout: 3 * time.Minute,
		Retry:          DefaultRetryPolicy(),
	}
}

// Stats counts invocation outcomes since the runtime was created.
type Stats struct {
	Completed uint64 `json:"completed"`
	Retried   uint64 `json:"retried"`
	Dead      uint64 `json:"dead"`
	Unrouted  uint64 `json:"unrouted"`
}

// Runtime routes queued events to registered handlers.
type Runtime struct {
	*QueuePublisher

	queue  Queue
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	onDead   []DeadHandler

	completed atomic.Uint64
	retried   atomic.Uint64
	dead      atomic.Uint64
	unrouted  atomic.Uint64
}

// NewRuntime creates a runtime over queue.
func NewRuntime(queue Queue, cfg Config, logger zerolog.Logger) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultConfig().Lease
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}

	return &Runtime{
		QueuePublisher: NewPublisher(queue, cfg.Retry.MaxAttempts),
		queue:          queue,
		cfg:            cfg,
		logger:         logger.With().Str("component", "events").Logger(),
		handlers:       make(map[string]HandlerFunc),
	}
}

// On registers the handler for an event name. Each name has one handler.
func (r *Runtime) On(name string, h HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", apperrors.ErrHandlerRegistered, name)
	}
	r.handlers[name] = h
	return nil
}

// OnDead adds a hook called for every dead-lettered event.
func (r *Runtime) OnDead(fn DeadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDead = append(r.onDead, fn)
}

// Stats returns outcome counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Completed: r.completed.Load(),
		Retried:   r.retried.Load(),
		Dead:      r.dead.Load(),
		Unrouted:  r.unrouted.Load(),
	}
}

// Run polls the queue until ctx is cancelled. In-flight invocations are
// allowed to finish before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	pool := NewWorkerPool(r.cfg.Workers)
	pool.Start()
	defer pool.Stop()

	r.logger.Info().
		Int("workers", r.cfg.Workers).
		Dur("poll_interval", r.cfg.PollInterval).
		Msg("Event runtime started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.dispatchBatch(ctx, pool, nil)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to claim events")
		}

		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("Event runtime stopping")
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

// Drain handles events until none are due, then returns how many
// invocations ran. Retries with a zero backoff are handled in the same call.
func (r *Runtime) Drain(ctx context.Context) (int, error) {
	pool := NewWorkerPool(r.cfg.Workers)
	pool.Start()
	defer pool.Stop()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var wg sync.WaitGroup
		n, err := r.dispatchBatch(ctx, pool, &wg)
		wg.Wait()
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

func (r *Runtime) dispatchBatch(ctx context.Context, pool *WorkerPool, wg *sync.WaitGroup) (int, error) {
	claimed, err := r.queue.Claim(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, err
	}

	// Handlers outlive a shutdown signal so a claimed event is not abandoned
	// halfway; HandlerTimeout still bounds them.
	base := context.WithoutCancel(ctx)

	submitted := 0
	for _, evt := range claimed {
		evt := evt
		if wg != nil {
			wg.Add(1)
		}
		ok := pool.Submit(ctx, func() {
			if wg != nil {
				defer wg.Done()
			}
			r.process(base, evt)
		})
		if !ok {
			if wg != nil {
				wg.Done()
			}
			// Unsubmitted events become claimable again when their lease expires.
			break
		}
		submitted++
	}
	return submitted, nil
}

func (r *Runtime) process(ctx context.Context, evt *Event) {
	logger := logging.WithEvent(r.logger, evt.ID, evt.Name)

	r.mu.RLock()
	h, ok := r.handlers[evt.Name]
	r.mu.RUnlock()

	if !ok {
		logger.Warn().Msg("No handler registered, completing unrouted event")
		r.unrouted.Add(1)
		r.complete(ctx, logger, evt)
		return
	}

	done, err := r.queue.LoadSteps(ctx, evt.ID)
	if err != nil {
		r.fail(ctx, logger, evt, fmt.Errorf("loading steps: %w", err))
		return
	}

	hctx := withSteps(logging.WithLogger(ctx, logger), r.queue, evt.ID, done)
	start := time.Now()
	err = r.invoke(hctx, h, evt)
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn().Err(err).Int("attempt", evt.Attempts).Dur("duration", elapsed).Msg("Handler failed")
		r.fail(ctx, logger, evt, err)
		return
	}

	logger.Debug().Int("attempt", evt.Attempts).Dur("duration", elapsed).Msg("Handler succeeded")
	r.complete(ctx, logger, evt)
}

// invoke runs the handler under HandlerTimeout. A handler that ignores
// cancellation is abandoned when the timeout fires so the worker is freed.
func (r *Runtime) invoke(ctx context.Context, h HandlerFunc, evt *Event) error {
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}

	result := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
			}
		}()
		result <- h(ctx, evt)
	}()

	select {
	case err := <-result:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return fmt.Errorf("%w: %s after %s: %w", apperrors.ErrTimeout, evt.Name, r.cfg.HandlerTimeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s after %s", apperrors.ErrTimeout, evt.Name, r.cfg.HandlerTimeout)
	}
}

func (r *Runtime) complete(ctx context.Context, logger zerolog.Logger, evt *Event) {
	if err := r.queue.Complete(ctx, evt.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark event completed")
		return
	}
	r.completed.Add(1)
}

func (r *Runtime) fail(ctx context.Context, logger zerolog.Logger, evt *Event, err error) {
	if r.cfg.Retry.ShouldRetry(err, evt.Attempts, evt.MaxAttempts) {
		delay := r.cfg.Retry.Backoff(evt.Attempts)
		if qerr := r.queue.Retry(ctx, evt.ID, time.Now().Add(delay), err.Error()); qerr != nil {
			logger.Error().Err(qerr).Msg("Failed to schedule retry")
			return
		}
		r.retried.Add(1)
		logger.Info().Int("attempt", evt.Attempts).Dur("backoff", delay).Msg("Retry scheduled")
		return
	}

	if qerr := r.queue.Dead(ctx, evt.ID, err.Error()); qerr != nil {
		logger.Error().Err(qerr).Msg("Failed to dead-letter event")
		return
	}
	r.dead.Add(1)
	logger.Error().
		Err(err).
		Int("attempts", evt.Attempts).
		Bool("permanent", apperrors.IsPermanent(err)).
		Msg("Event dead-lettered")

	r.mu.RLock()
	hooks := append([]DeadHandler(nil), r.onDead...)
	r.mu.RUnlock()

	evt.Status = StatusDead
	evt.LastError = err.Error()
	for _, hook := range hooks {
		hook(ctx, evt, err)
	}
}
