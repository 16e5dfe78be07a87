package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/models"
	"signal-advisor/internal/store"
)

const testBase = "https://x.com"

type fakeTweet struct {
	id, author, text, datetime string
}

// fakeSite simulates the parts of X the scraper touches.
type fakeSite struct {
	mu sync.Mutex

	username, password, email string
	emailChallenge            bool
	sessionToken              string

	loggedIn  bool
	stage     string
	url       string
	typed     map[string]string
	shown     int
	pageSize  int
	timelines map[string][]fakeTweet
	broken    map[string]bool

	shareOpen      *fakeTweet
	copyLinkBroken bool
	clipboard      string

	launches int
	closed   int
	launchErr error
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		username:     "bot",
		password:     "hunter2",
		sessionToken: "valid-token",
		stage:        "username",
		typed:        make(map[string]string),
		pageSize:     3,
		timelines:    make(map[string][]fakeTweet),
		broken:       make(map[string]bool),
	}
}

func (s *fakeSite) launcher() Launcher {
	return func(ctx context.Context) (Browser, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.launches++
		if s.launchErr != nil {
			return nil, s.launchErr
		}
		return &fakeBrowser{site: s}, nil
	}
}

func (s *fakeSite) handle() string {
	return strings.TrimPrefix(s.url, testBase+"/")
}

func notFound(selector string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrSelectorNotFound, selector)
}

type fakeBrowser struct {
	site *fakeSite
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error {
	s := b.site
	s.mu.Lock()
	defer s.mu.Unlock()

	s.url = url
	s.shareOpen = nil
	if url == testBase+loginPath {
		s.stage = "username"
	}
	if s.broken[s.handle()] {
		return fmt.Errorf("net::ERR_CONNECTION_RESET")
	}
	s.shown = min(s.pageSize, len(s.timelines[s.handle()]))
	return nil
}

func (b *fakeBrowser) Find(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	s := b.site
	s.mu.Lock()
	defer s.mu.Unlock()

	onLogin := s.url == testBase+loginPath
	present := false
	switch selector {
	case selLoggedIn:
		present = s.loggedIn && !onLogin
	case selUsername, selNext:
		present = onLogin && s.stage == "username"
	case selEmailChallenge, selEmailNext:
		present = onLogin && s.stage == "email"
	case selPassword, selLogin:
		present = onLogin && s.stage == "password"
	case selArticle:
		present = s.loggedIn && s.shown > 0
	case selCopyLink:
		present = s.shareOpen != nil
	}
	if !present {
		return nil, notFound(selector)
	}
	return &fakeElement{site: s, sel: selector}, nil
}

func (b *fakeBrowser) FindAll(ctx context.Context, selector string) ([]Element, error) {
	s := b.site
	s.mu.Lock()
	defer s.mu.Unlock()

	if selector != selArticle || !s.loggedIn {
		return nil, nil
	}
	tweets := s.timelines[s.handle()]
	out := make([]Element, 0, s.shown)
	for i := 0; i < s.shown; i++ {
		out = append(out, &fakeElement{site: s, sel: selArticle, tweet: &tweets[i]})
	}
	return out, nil
}

func (b *fakeBrowser) Scroll(ctx context.Context) error {
	s := b.site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = min(s.shown+s.pageSize, len(s.timelines[s.handle()]))
	return nil
}

func (b *fakeBrowser) Cookies(ctx context.Context) ([]Cookie, error) {
	s := b.site
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		return nil, nil
	}
	return []Cookie{{Name: "auth_token", Value: s.sessionToken, Domain: ".x.com", Path: "/", Secure: true}}, nil
}

func (b *fakeBrowser) SetCookies(ctx context.Context, cookies []Cookie) error {
	s := b.site
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		if c.Name == "auth_token" && c.Value == s.sessionToken {
			s.loggedIn = true
		}
	}
	return nil
}

func (b *fakeBrowser) ReadClipboard(ctx context.Context) (string, error) {
	s := b.site
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clipboard == "" {
		return "", errors.New("clipboard empty")
	}
	return s.clipboard, nil
}

func (b *fakeBrowser) Close() error {
	b.site.mu.Lock()
	defer b.site.mu.Unlock()
	b.site.closed++
	return nil
}

type fakeElement struct {
	site  *fakeSite
	sel   string
	tweet *fakeTweet
}

func (e *fakeElement) Click(ctx context.Context) error {
	s := e.site
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.sel {
	case selNext:
		if s.typed[selUsername] == s.username {
			s.stage = "password"
			if s.emailChallenge {
				s.stage = "email"
			}
		}
	case selEmailNext:
		if s.typed[selEmailChallenge] == s.email {
			s.stage = "password"
		}
	case selLogin:
		if s.typed[selPassword] == s.password {
			s.loggedIn = true
			s.stage = "done"
			s.url = testBase + homePath
		}
	case selShare:
		s.shareOpen = e.tweet
	case selCopyLink:
		if !s.copyLinkBroken && s.shareOpen != nil {
			s.clipboard = fmt.Sprintf("%s/%s/status/%s?s=20", testBase, s.shareOpen.author, s.shareOpen.id)
		}
		s.shareOpen = nil
	}
	return nil
}

func (e *fakeElement) Type(ctx context.Context, text string) error {
	e.site.mu.Lock()
	defer e.site.mu.Unlock()
	e.site.typed[e.sel] = text
	return nil
}

func (e *fakeElement) Text(ctx context.Context) (string, error) {
	if e.sel == selTweetText {
		return e.tweet.text, nil
	}
	return "", nil
}

func (e *fakeElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	switch {
	case e.sel == selStatusLink && name == "href":
		return fmt.Sprintf("/%s/status/%s", e.tweet.author, e.tweet.id), true, nil
	case e.sel == selTime && name == "datetime":
		return e.tweet.datetime, e.tweet.datetime != "", nil
	}
	return "", false, nil
}

func (e *fakeElement) Find(ctx context.Context, selector string) (Element, error) {
	if e.tweet == nil {
		return nil, notFound(selector)
	}
	switch selector {
	case selStatusLink, selTweetText, selTime, selShare:
		return &fakeElement{site: e.site, sel: selector, tweet: e.tweet}, nil
	}
	return nil, notFound(selector)
}

func timeline(author string, ids ...int) []fakeTweet {
	out := make([]fakeTweet, 0, len(ids))
	for _, id := range ids {
		out = append(out, fakeTweet{
			id:       fmt.Sprint(id),
			author:   author,
			text:     fmt.Sprintf("post %d about $SOL staking", id),
			datetime: time.Date(2024, 5, 1, 12, 0, id%60, 0, time.UTC).Format(time.RFC3339),
		})
	}
	return out
}

type harness struct {
	site     *fakeSite
	cookies  *MemoryCookieStore
	accounts *store.MemoryStore
	scraper  *Scraper
}

func newHarness(t *testing.T, accounts ...models.TrackedAccount) *harness {
	t.Helper()

	h := &harness{
		site:     newFakeSite(),
		cookies:  NewMemoryCookieStore(),
		accounts: store.NewMemoryStore(),
	}
	for i := range accounts {
		require.NoError(t, h.accounts.SaveAccount(context.Background(), &accounts[i]))
	}
	h.scraper = New(h.site.launcher(), h.cookies, h.accounts,
		Credentials{Username: "bot", Password: "hunter2", Email: "bot@example.com"},
		Options{BaseURL: testBase, MaxScrolls: 20, SelectorTimeout: time.Second},
		zerolog.Nop())
	h.scraper.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func postIDs(posts []models.Post) []string {
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestScraper_StopsAtCheckpoint(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice", LastTweetID: "100"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = timeline("alice", 106, 105, 104, 103, 102, 100, 99, 98)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)

	require.Len(t, res.Accounts, 1)
	assert.Equal(t, []string{"106", "105", "104", "103", "102"}, postIDs(res.Accounts[0].Posts))
	assert.Equal(t, []string{"alice"}, res.Updated)
	assert.Empty(t, res.Failed)

	saved, err := h.accounts.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "100", saved.LastTweetID, "checkpoint moves only on Commit")

	require.NoError(t, h.scraper.Commit(context.Background(), res))
	saved, err = h.accounts.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "106", saved.LastTweetID)

	state, _ := h.scraper.State()
	assert.Equal(t, StateDone, state)
	assert.Equal(t, 1, h.site.closed)
}

func TestScraper_CapsPostsPerAccount(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)

	ids := make([]int, 30)
	for i := range ids {
		ids[i] = 500 - i
	}
	h.site.timelines["alice"] = timeline("alice", ids...)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	require.Len(t, res.Accounts[0].Posts, DefaultMaxPosts)
	assert.Equal(t, "500", res.Accounts[0].LastTweetID)
}

func TestScraper_NothingNewLeavesCheckpoint(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice", LastTweetID: "106"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = timeline("alice", 106, 105)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.Empty(t, res.Accounts[0].Posts)
	assert.Empty(t, res.Updated)
}

func TestScraper_SkipsOlderPinnedPost(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice", LastTweetID: "100"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = timeline("alice", 50, 102, 101, 100)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.Equal(t, []string{"102", "101"}, postIDs(res.Accounts[0].Posts))
	assert.Equal(t, "102", res.Accounts[0].LastTweetID)
}

func TestScraper_SkipsOtherAuthors(t *testing.T) {
	alice := models.TrackedAccount{ID: "Alice", LastTweetID: "100"}
	h := newHarness(t, alice)
	h.site.timelines["Alice"] = append(timeline("mallory", 110), timeline("alice", 104, 103, 100)...)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.Equal(t, []string{"104", "103"}, postIDs(res.Accounts[0].Posts))
	assert.Equal(t, "104", res.Accounts[0].LastTweetID)
}

func TestScraper_ReadsPostFields(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = []fakeTweet{{id: "7", author: "alice", text: "  Just bought more $SOL, feeling bullish  ", datetime: "2024-05-01T12:00:00.000Z"}}

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)

	require.Len(t, res.Accounts[0].Posts, 1)
	p := res.Accounts[0].Posts[0]
	assert.Equal(t, "Just bought more $SOL, feeling bullish", p.Content)
	assert.Equal(t, "alice", p.Author)
	assert.Equal(t, "https://x.com/alice/status/7", p.URL)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), p.Timestamp)
}

func TestScraper_PermalinkFallback(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.copyLinkBroken = true
	h.site.timelines["alice"] = timeline("alice", 9)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.Equal(t, "https://x.com/alice/status/9", res.Accounts[0].Posts[0].URL)
}

func TestScraper_LogsInAndSavesSession(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = timeline("alice", 1)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.False(t, res.SessionReused)
	assert.Equal(t, "hunter2", h.site.typed[selPassword])

	jar, err := h.cookies.Load(context.Background(), "x-bot")
	require.NoError(t, err)
	require.Len(t, jar, 1)
	assert.Equal(t, "valid-token", jar[0].Value)
}

func TestScraper_ReusesSavedSession(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = timeline("alice", 1)
	require.NoError(t, h.cookies.Save(context.Background(), "x-bot", []Cookie{{Name: "auth_token", Value: "valid-token"}}))

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.True(t, res.SessionReused)
	assert.Empty(t, h.site.typed[selUsername])
}

func TestScraper_RejectedSessionFallsBackToLogin(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = timeline("alice", 1)
	require.NoError(t, h.cookies.Save(context.Background(), "x-bot", []Cookie{{Name: "auth_token", Value: "stale"}}))

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.False(t, res.SessionReused)
	assert.Equal(t, "bot", h.site.typed[selUsername])

	jar, err := h.cookies.Load(context.Background(), "x-bot")
	require.NoError(t, err)
	require.Len(t, jar, 1)
	assert.Equal(t, "valid-token", jar[0].Value)
}

func TestScraper_EmailChallenge(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.emailChallenge = true
	h.site.email = "bot@example.com"
	h.site.timelines["alice"] = timeline("alice", 1)

	_, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.Equal(t, "bot@example.com", h.site.typed[selEmailChallenge])
}

func TestScraper_LoginFailureAbortsRun(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.password = "something-else"
	h.site.timelines["alice"] = timeline("alice", 1)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.Error(t, err)
	assert.True(t, IsLoginFailure(err))
	assert.ErrorIs(t, err, apperrors.ErrSelectorNotFound)
	assert.Empty(t, res.Accounts)
	assert.Equal(t, 1, h.site.closed)

	state, _ := h.scraper.State()
	assert.Equal(t, StateFailed, state)
}

func TestScraper_NoCredentialsAndNoSession(t *testing.T) {
	h := newHarness(t)
	h.scraper.creds = Credentials{}

	_, err := h.scraper.Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	assert.Equal(t, 1, h.site.closed)
}

func TestScraper_LaunchFailure(t *testing.T) {
	h := newHarness(t)
	h.site.launchErr = errors.New("chrome not found")

	_, err := h.scraper.Run(context.Background(), nil)
	require.Error(t, err)

	var se *apperrors.ScrapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "launch", se.Step)
	assert.Equal(t, 0, h.site.closed)
}

func TestScraper_OneAccountFailureContinues(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	bob := models.TrackedAccount{ID: "bob"}
	carol := models.TrackedAccount{ID: "carol"}
	h := newHarness(t, alice, bob, carol)
	h.site.timelines["alice"] = timeline("alice", 11, 10)
	h.site.timelines["bob"] = timeline("bob", 21)
	h.site.timelines["carol"] = timeline("carol", 31)
	h.site.broken["bob"] = true

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice, bob, carol})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, res.Failed)
	assert.Equal(t, []string{"alice", "carol"}, res.Updated)
	require.Len(t, res.Accounts, 3)
	assert.NotEmpty(t, res.Accounts[1].Error)
	assert.Len(t, res.Posts(), 3)
}

func TestScraper_EmptyTimelineIsAccountFailure(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)

	res, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, res.Failed)
}

func TestScraper_RunBudgetExhausted(t *testing.T) {
	alice := models.TrackedAccount{ID: "alice"}
	h := newHarness(t, alice)
	h.site.timelines["alice"] = timeline("alice", 1)
	require.NoError(t, h.cookies.Save(context.Background(), "x-bot", []Cookie{{Name: "auth_token", Value: "valid-token"}}))
	h.scraper.opts.RunTimeout = time.Nanosecond

	time.Sleep(time.Millisecond)
	_, err := h.scraper.Run(context.Background(), []models.TrackedAccount{alice})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Equal(t, 1, h.site.closed)
}

func TestNormalizePermalink(t *testing.T) {
	tests := []struct {
		raw, id, want string
	}{
		{"https://x.com/alice/status/9?s=20", "9", "https://x.com/alice/status/9"},
		{"https://x.com/alice/status/9#frag", "9", "https://x.com/alice/status/9"},
		{"https://x.com/alice/status/8", "9", ""},
		{"not a url", "9", ""},
		{"", "9", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePermalink(tt.raw, tt.id), tt.raw)
	}
}

func TestOlderThan(t *testing.T) {
	assert.True(t, olderThan("99", "100"))
	assert.False(t, olderThan("101", "100"))
	assert.False(t, olderThan("100", ""))
	assert.False(t, olderThan("abc", "100"))
	assert.Equal(t, "1790000000000000001", newestID([]models.Post{{ID: "1790000000000000000"}, {ID: "1790000000000000001"}}))
}

func TestDelay_WithinBounds(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("delay stays within [min, max]", prop.ForAll(
		func(minMs, spanMs int) bool {
			d := Delay{Min: time.Duration(minMs) * time.Millisecond, Max: time.Duration(minMs+spanMs) * time.Millisecond}
			for i := 0; i < 20; i++ {
				got := d.Next()
				if got < d.Min || got > d.Max {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 3000),
	))

	properties.TestingRun(t)
}
