package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-advisor/internal/config"
	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/filter"
	"signal-advisor/internal/logging"
	"signal-advisor/internal/models"
	"signal-advisor/internal/store"
)

// State is the phase of a scrape run.
type State string

const (
	StateIdle      State = "idle"
	StateLoggingIn State = "logging_in"
	StateLoggedIn  State = "logged_in"
	StateScraping  State = "scraping"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// DefaultMaxPosts is the per-account cap of posts collected in one run.
const DefaultMaxPosts = 20

// Credentials is the platform login used when no saved session is accepted.
type Credentials struct {
	Username string
	Password string
	Email    string
}

// Delay is a randomized pause between UI interactions.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Next returns a duration in [Min, Max].
func (d Delay) Next() time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + rand.N(d.Max-d.Min+1)
}

// Options tunes a scraper.
type Options struct {
	BaseURL         string
	MaxPosts        int
	MaxScrolls      int
	RunTimeout      time.Duration
	SelectorTimeout time.Duration
	Delay           Delay
	// SessionKey names the persisted cookie jar. Defaults to the username.
	SessionKey string
}

// OptionsFromConfig maps scraper settings onto Options.
func OptionsFromConfig(cfg config.ScraperConfig, username string) Options {
	return Options{
		BaseURL:         cfg.BaseURL,
		MaxPosts:        cfg.MaxPostsPerAccount,
		MaxScrolls:      cfg.MaxScrolls,
		RunTimeout:      cfg.RunTimeout,
		SelectorTimeout: cfg.SelectorTimeout,
		Delay:           Delay{Min: cfg.MinDelay, Max: cfg.MaxDelay},
		SessionKey:      "x-" + username,
	}
}

// AccountResult is what one account yielded in a run.
type AccountResult struct {
	AccountID   string        `json:"accountId"`
	Posts       []models.Post `json:"posts"`
	LastTweetID string        `json:"lastTweetId,omitempty"`
	Advanced    bool          `json:"advanced"`
	Error       string        `json:"error,omitempty"`
}

// RunResult summarizes a scrape run.
type RunResult struct {
	Accounts      []AccountResult `json:"accounts"`
	Updated       []string        `json:"updated"`
	Failed        []string        `json:"failed"`
	SessionReused bool            `json:"sessionReused"`
	StartedAt     time.Time       `json:"startedAt"`
	Duration      time.Duration   `json:"duration"`
}

// Posts returns every collected post across accounts.
func (r *RunResult) Posts() []models.Post {
	var out []models.Post
	for _, a := range r.Accounts {
		out = append(out, a.Posts...)
	}
	return out
}

// Scraper logs in once per run and walks tracked accounts sequentially.
// A Scraper must not run concurrently with itself.
type Scraper struct {
	launch   Launcher
	cookies  CookieStore
	accounts store.AccountStore
	creds    Credentials
	opts     Options
	logger   zerolog.Logger

	mu      sync.RWMutex
	state   State
	current string

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scraper.
func New(launch Launcher, cookies CookieStore, accounts store.AccountStore, creds Credentials, opts Options, logger zerolog.Logger) *Scraper {
	if opts.BaseURL == "" {
		opts.BaseURL = filter.DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxPosts <= 0 {
		opts.MaxPosts = DefaultMaxPosts
	}
	if opts.MaxScrolls <= 0 {
		opts.MaxScrolls = 5
	}
	if opts.SelectorTimeout <= 0 {
		opts.SelectorTimeout = 15 * time.Second
	}
	if opts.SessionKey == "" {
		opts.SessionKey = "x-" + creds.Username
	}

	return &Scraper{
		launch:   launch,
		cookies:  cookies,
		accounts: accounts,
		creds:    creds,
		opts:     opts,
		logger:   logging.WithStage(logger, "scrape"),
		state:    StateIdle,
		sleep:    sleepCtx,
	}
}

// State returns the current phase and, while scraping, the account.
func (s *Scraper) State() (State, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.current
}

func (s *Scraper) setState(state State, account string) {
	s.mu.Lock()
	s.state = state
	s.current = account
	s.mu.Unlock()

	s.logger.Debug().Str("state", string(state)).Str("account", account).Msg("Scraper state changed")
}

// Run scrapes accounts in order. A failure to launch or log in fails the
// whole run; a failure on one account is recorded and the run continues.
// Accounts whose high-water mark advanced are listed in Updated; their
// checkpoints are not saved until Commit.
// The browser is closed on every path.
func (s *Scraper) Run(ctx context.Context, accounts []models.TrackedAccount) (result *RunResult, err error) {
	result = &RunResult{StartedAt: time.Now().UTC(), Updated: []string{}, Failed: []string{}}
	s.setState(StateIdle, "")

	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	defer func() {
		result.Duration = time.Since(result.StartedAt)
		if err != nil {
			s.setState(StateFailed, "")
			return
		}
		s.setState(StateDone, "")
	}()

	browser, err := s.launch(ctx)
	if err != nil {
		return result, apperrors.NewScrapeError("", "launch", err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to close browser")
		}
	}()

	reused, err := s.login(ctx, browser)
	if err != nil {
		return result, err
	}
	result.SessionReused = reused

	for _, account := range accounts {
		if ctx.Err() != nil {
			return result, apperrors.NewScrapeError(account.ID, "run", fmt.Errorf("%w: run budget exhausted: %w", apperrors.ErrTimeout, ctx.Err()))
		}

		s.setState(StateScraping, account.ID)
		logger := logging.WithAccount(s.logger, account.ID)

		posts, err := s.scrapeAccount(ctx, browser, account)
		ar := AccountResult{AccountID: account.ID, Posts: posts, LastTweetID: account.LastTweetID}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to scrape account")
			ar.Error = err.Error()
			result.Failed = append(result.Failed, account.ID)
			result.Accounts = append(result.Accounts, ar)
			continue
		}

		if len(posts) > 0 {
			ar.LastTweetID = newestID(posts)
			ar.Advanced = ar.LastTweetID != account.LastTweetID
		}
		logging.LogScrape(logger, account.ID, len(posts), ar.LastTweetID)
		result.Accounts = append(result.Accounts, ar)
	}

	if ctx.Err() != nil {
		return result, apperrors.NewScrapeError("", "run", fmt.Errorf("%w: run budget exhausted: %w", apperrors.ErrTimeout, ctx.Err()))
	}

	for _, ar := range result.Accounts {
		if ar.Advanced {
			result.Updated = append(result.Updated, ar.AccountID)
		}
	}

	return result, nil
}

// Commit saves the high-water marks of accounts that advanced in result.
// Callers commit only after the collected posts have been handed off, so a
// failed hand-off leaves the posts reachable by the next run.
func (s *Scraper) Commit(ctx context.Context, result *RunResult) error {
	for _, ar := range result.Accounts {
		if !ar.Advanced {
			continue
		}
		if err := s.accounts.UpdateLastTweetID(ctx, ar.AccountID, ar.LastTweetID); err != nil {
			return fmt.Errorf("saving checkpoint for %s: %w", ar.AccountID, err)
		}
	}
	return nil
}

// login restores the saved session when the platform still accepts it and
// falls back to submitting credentials. It reports whether the saved session
// was reused.
func (s *Scraper) login(ctx context.Context, b Browser) (bool, error) {
	s.setState(StateLoggingIn, "")

	saved, err := s.cookies.Load(ctx, s.opts.SessionKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Saved session unreadable, logging in with credentials")
		saved = nil
	}

	if len(saved) > 0 {
		if err := b.SetCookies(ctx, saved); err != nil {
			return false, apperrors.NewScrapeError("", "restore-session", err)
		}
		if err := b.Navigate(ctx, s.opts.BaseURL+homePath); err != nil {
			return false, apperrors.NewScrapeError("", "restore-session", err)
		}
		if _, err := b.Find(ctx, selLoggedIn, s.opts.SelectorTimeout); err == nil {
			s.logger.Info().Msg("Saved session accepted")
			s.setState(StateLoggedIn, "")
			return true, nil
		}
		s.logger.Info().Msg("Saved session rejected, logging in with credentials")
		if err := s.cookies.Delete(ctx, s.opts.SessionKey); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to drop rejected session")
		}
	}

	if s.creds.Username == "" || s.creds.Password == "" {
		return false, apperrors.NewScrapeError("", "login", apperrors.ErrSessionExpired)
	}

	if err := s.submitCredentials(ctx, b); err != nil {
		return false, apperrors.NewScrapeError("", "login", fmt.Errorf("%w: %w", apperrors.ErrLoginFailed, err))
	}

	cookies, err := b.Cookies(ctx)
	if err != nil {
		return false, apperrors.NewScrapeError("", "save-session", err)
	}
	if err := s.cookies.Save(ctx, s.opts.SessionKey, cookies); err != nil {
		// The run can still proceed; the next one logs in again.
		s.logger.Warn().Err(err).Msg("Failed to persist session")
	}

	s.logger.Info().Int("cookies", len(cookies)).Msg("Logged in")
	s.setState(StateLoggedIn, "")
	return false, nil
}

func (s *Scraper) submitCredentials(ctx context.Context, b Browser) error {
	if err := b.Navigate(ctx, s.opts.BaseURL+loginPath); err != nil {
		return err
	}

	if err := s.fill(ctx, b, selUsername, s.creds.Username); err != nil {
		return err
	}
	if err := s.click(ctx, b, selNext); err != nil {
		return err
	}

	// The platform sometimes asks for the account email before the password.
	if s.creds.Email != "" {
		if el, err := b.Find(ctx, selEmailChallenge, s.opts.SelectorTimeout/3); err == nil {
			if err := s.typeInto(ctx, el, s.creds.Email); err != nil {
				return err
			}
			if err := s.click(ctx, b, selEmailNext); err != nil {
				return err
			}
		}
	}

	if err := s.fill(ctx, b, selPassword, s.creds.Password); err != nil {
		return err
	}
	if err := s.click(ctx, b, selLogin); err != nil {
		return err
	}

	_, err := b.Find(ctx, selLoggedIn, s.opts.SelectorTimeout)
	return err
}

func (s *Scraper) fill(ctx context.Context, b Browser, selector, text string) error {
	el, err := b.Find(ctx, selector, s.opts.SelectorTimeout)
	if err != nil {
		return err
	}
	return s.typeInto(ctx, el, text)
}

func (s *Scraper) typeInto(ctx context.Context, el Element, text string) error {
	if err := el.Click(ctx); err != nil {
		return err
	}
	if err := s.pause(ctx); err != nil {
		return err
	}
	if err := el.Type(ctx, text); err != nil {
		return err
	}
	return s.pause(ctx)
}

func (s *Scraper) click(ctx context.Context, b Browser, selector string) error {
	el, err := b.Find(ctx, selector, s.opts.SelectorTimeout)
	if err != nil {
		return err
	}
	if err := el.Click(ctx); err != nil {
		return err
	}
	return s.pause(ctx)
}

func (s *Scraper) pause(ctx context.Context) error {
	return s.sleep(ctx, s.opts.Delay.Next())
}

// scrapeAccount collects up to MaxPosts posts newer than the account's
// LastTweetID, in timeline order, scrolling while more are needed.
func (s *Scraper) scrapeAccount(ctx context.Context, b Browser, account models.TrackedAccount) ([]models.Post, error) {
	if err := b.Navigate(ctx, s.opts.BaseURL+"/"+account.ID); err != nil {
		return nil, apperrors.NewScrapeError(account.ID, "navigate", err)
	}
	if _, err := b.Find(ctx, selArticle, s.opts.SelectorTimeout); err != nil {
		return nil, apperrors.NewScrapeError(account.ID, "timeline", err)
	}
	if err := s.pause(ctx); err != nil {
		return nil, err
	}

	var posts []models.Post
	seen := make(map[string]bool)

	for scroll := 0; scroll <= s.opts.MaxScrolls; scroll++ {
		articles, err := b.FindAll(ctx, selArticle)
		if err != nil {
			return posts, apperrors.NewScrapeError(account.ID, "articles", err)
		}

		fresh := 0
		for _, article := range articles {
			id, author, err := statusOf(ctx, article)
			if err != nil || seen[id] {
				continue
			}
			seen[id] = true
			fresh++

			// reposts and quotes of other authors
			if !strings.EqualFold(author, account.ID) {
				continue
			}

			if id == account.LastTweetID {
				return posts, nil
			}
			if olderThan(id, account.LastTweetID) {
				// pinned or promoted posts from before the checkpoint
				continue
			}

			post, err := s.readPost(ctx, b, article, id, author)
			if err != nil {
				return posts, apperrors.NewScrapeError(account.ID, "read-post", err)
			}
			posts = append(posts, post)
			if len(posts) >= s.opts.MaxPosts {
				return posts, nil
			}
		}

		if fresh == 0 || scroll == s.opts.MaxScrolls {
			break
		}
		if err := b.Scroll(ctx); err != nil {
			return posts, apperrors.NewScrapeError(account.ID, "scroll", err)
		}
		if err := s.pause(ctx); err != nil {
			return posts, err
		}
	}

	return posts, nil
}

func (s *Scraper) readPost(ctx context.Context, b Browser, article Element, id, author string) (models.Post, error) {
	post := models.Post{ID: id, Author: author}

	if el, err := article.Find(ctx, selTweetText); err == nil {
		text, err := el.Text(ctx)
		if err != nil {
			return post, err
		}
		post.Content = strings.TrimSpace(text)
	}

	if el, err := article.Find(ctx, selTime); err == nil {
		if raw, ok, err := el.Attribute(ctx, "datetime"); err == nil && ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				post.Timestamp = ts.UTC()
			}
		}
	}

	post.URL = s.permalink(ctx, b, article, id)
	if post.URL == "" {
		post.URL = filter.Permalink(s.opts.BaseURL, author, id)
	}
	return post, nil
}

// permalink asks the platform for the post link through share, copy link.
// Any failure yields "" so the caller synthesizes one.
func (s *Scraper) permalink(ctx context.Context, b Browser, article Element, id string) string {
	share, err := article.Find(ctx, selShare)
	if err != nil {
		return ""
	}
	if err := share.Click(ctx); err != nil {
		return ""
	}
	if err := s.pause(ctx); err != nil {
		return ""
	}

	copyLink, err := b.Find(ctx, selCopyLink, s.opts.SelectorTimeout/3)
	if err != nil {
		return ""
	}
	if err := copyLink.Click(ctx); err != nil {
		return ""
	}
	if err := s.pause(ctx); err != nil {
		return ""
	}

	raw, err := b.ReadClipboard(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Str("post_id", id).Msg("Clipboard unavailable, synthesizing permalink")
		return ""
	}
	return normalizePermalink(raw, id)
}

var statusPath = regexp.MustCompile(`^/([^/]+)/status/(\d+)`)

func statusOf(ctx context.Context, article Element) (id, author string, err error) {
	link, err := article.Find(ctx, selStatusLink)
	if err != nil {
		return "", "", err
	}
	href, ok, err := link.Attribute(ctx, "href")
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", apperrors.ErrSelectorNotFound
	}
	if u, perr := url.Parse(href); perr == nil {
		href = u.Path
	}
	m := statusPath.FindStringSubmatch(href)
	if m == nil {
		return "", "", fmt.Errorf("unrecognized status link %q", href)
	}
	return m[2], m[1], nil
}

// normalizePermalink keeps a copied link only if it points at id, and drops
// tracking query parameters.
func normalizePermalink(raw, id string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	m := statusPath.FindStringSubmatch(u.Path)
	if m == nil || m[2] != id {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// olderThan compares post ids numerically. Non-numeric ids are never older.
func olderThan(id, checkpoint string) bool {
	if checkpoint == "" {
		return false
	}
	a, err1 := strconv.ParseUint(id, 10, 64)
	b, err2 := strconv.ParseUint(checkpoint, 10, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	return a < b
}

// newestID returns the highest post id, falling back to the first post.
func newestID(posts []models.Post) string {
	newest := posts[0].ID
	for _, p := range posts[1:] {
		if olderThan(newest, p.ID) {
			newest = p.ID
		}
	}
	return newest
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsLoginFailure reports whether err aborted a run before any account was scraped.
func IsLoginFailure(err error) bool {
	return errors.Is(err, apperrors.ErrLoginFailed) || errors.Is(err, apperrors.ErrSessionExpired)
}
