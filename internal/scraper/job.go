package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/filter"
	"signal-advisor/internal/models"
	"signal-advisor/internal/notify"
	"signal-advisor/internal/pipeline"
	"signal-advisor/internal/store"
)

// JobResult is the summary printed by the scrape command.
type JobResult struct {
	Success       bool      `json:"success"`
	Accounts      int       `json:"accounts"`
	Updated       []string  `json:"updated"`
	Failed        []string  `json:"failed"`
	Posts         int       `json:"posts"`
	Relevant      int       `json:"relevant"`
	EventID       string    `json:"eventId,omitempty"`
	SessionReused bool      `json:"sessionReused"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	Duration      string    `json:"duration"`
}

// Job runs the scraper over stored accounts and hands relevant posts to
// signal detection as a social.posts.collected event.
type Job struct {
	scraper   *Scraper
	accounts  store.AccountStore
	publisher events.Publisher
	alerter   notify.Alerter
	baseURL   string
	logger    zerolog.Logger
}

// NewJob creates a scrape job. alerter may be nil.
func NewJob(scraper *Scraper, accounts store.AccountStore, publisher events.Publisher, alerter notify.Alerter, logger zerolog.Logger) *Job {
	if alerter == nil {
		alerter = notify.NewNoOpAlerter()
	}
	return &Job{
		scraper:   scraper,
		accounts:  accounts,
		publisher: publisher,
		alerter:   alerter,
		baseURL:   scraper.opts.BaseURL,
		logger:    logger.With().Str("component", "scrape_job").Logger(),
	}
}

// RunAll scrapes every tracked account.
func (j *Job) RunAll(ctx context.Context) (*JobResult, error) {
	accounts, err := j.accounts.ListAccounts(ctx)
	if err != nil {
		return j.failed(time.Now().UTC(), fmt.Errorf("listing accounts: %w", err))
	}
	if len(accounts) == 0 {
		j.logger.Warn().Msg("No tracked accounts")
		return &JobResult{Success: true, Updated: []string{}, Failed: []string{}, StartedAt: time.Now().UTC(), Duration: "0s"}, nil
	}
	return j.run(ctx, accounts)
}

// RunAccount scrapes a single tracked account.
func (j *Job) RunAccount(ctx context.Context, id string) (*JobResult, error) {
	account, err := j.accounts.GetAccount(ctx, id)
	if err != nil {
		return j.failed(time.Now().UTC(), fmt.Errorf("loading account %s: %w", id, err))
	}
	if account == nil {
		return j.failed(time.Now().UTC(), fmt.Errorf("%w: %s", apperrors.ErrAccountNotFound, id))
	}
	return j.run(ctx, []models.TrackedAccount{*account})
}

// Scheduled adapts RunAll to the scheduler's job signature.
func (j *Job) Scheduled(ctx context.Context) error {
	_, err := j.RunAll(ctx)
	return err
}

func (j *Job) run(ctx context.Context, accounts []models.TrackedAccount) (*JobResult, error) {
	res, err := j.scraper.Run(ctx, accounts)
	out := &JobResult{
		Accounts:      len(accounts),
		Updated:       res.Updated,
		Failed:        res.Failed,
		SessionReused: res.SessionReused,
		StartedAt:     res.StartedAt,
		Duration:      res.Duration.Round(time.Millisecond).String(),
	}

	if err != nil {
		if aerr := j.alerter.SendError(ctx, err, "scrape run"); aerr != nil {
			j.logger.Warn().Err(aerr).Msg("Failed to send alert")
		}
		out.Error = err.Error()
		return out, err
	}

	posts := res.Posts()
	relevant := filter.FilterRelevant(posts)
	out.Posts = len(posts)
	out.Relevant = len(relevant)

	for _, p := range relevant {
		j.logger.Debug().
			Str("post_id", p.ID).
			Str("author", p.Author).
			Strs("matched", filter.MatchedTerms(p.Content)).
			Msg("Relevant post")
	}

	if len(relevant) > 0 || len(res.Updated) > 0 {
		id, err := j.publisher.Emit(ctx, pipeline.PostsCollected, pipeline.PostsCollectedPayload{
			AccountIDs: res.Updated,
			Posts:      filter.FormatWithBase(relevant, j.baseURL),
		})
		if err != nil {
			err = fmt.Errorf("publishing collected posts: %w", err)
			out.Error = err.Error()
			return out, err
		}
		out.EventID = id
	}

	if err := j.scraper.Commit(ctx, res); err != nil {
		out.Error = err.Error()
		return out, err
	}

	if len(res.Failed) > 0 {
		summary := notify.ScrapeSummary{
			Accounts: len(accounts),
			Posts:    len(posts),
			Failed:   res.Failed,
			Duration: res.Duration,
		}
		if aerr := j.alerter.SendScrapeSummary(ctx, summary); aerr != nil {
			j.logger.Warn().Err(aerr).Msg("Failed to send alert")
		}
	}

	// A run where every account failed did no useful work.
	if len(res.Failed) == len(accounts) {
		err := fmt.Errorf("all %d accounts failed: %s", len(accounts), strings.Join(res.Failed, ", "))
		out.Error = err.Error()
		return out, err
	}

	out.Success = true
	j.logger.Info().
		Int("accounts", out.Accounts).
		Int("posts", out.Posts).
		Int("relevant", out.Relevant).
		Strs("updated", out.Updated).
		Strs("failed", out.Failed).
		Msg("Scrape run finished")
	return out, nil
}

func (j *Job) failed(start time.Time, err error) (*JobResult, error) {
	return &JobResult{
		Updated:   []string{},
		Failed:    []string{},
		Error:     err.Error(),
		StartedAt: start,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}, err
}
