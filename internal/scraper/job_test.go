package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/models"
	"signal-advisor/internal/notify"
	"signal-advisor/internal/pipeline"
)

type recordingAlerter struct {
	notify.NoOpAlerter
	mu        sync.Mutex
	errors    int
	summaries []notify.ScrapeSummary
}

func (a *recordingAlerter) SendError(ctx context.Context, err error, context string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors++
	return nil
}

func (a *recordingAlerter) SendScrapeSummary(ctx context.Context, s notify.ScrapeSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, s)
	return nil
}

func newJobHarness(t *testing.T, accounts ...models.TrackedAccount) (*harness, *Job, *recordingAlerter) {
	t.Helper()
	h := newHarness(t, accounts...)
	alerter := &recordingAlerter{}
	job := NewJob(h.scraper, h.accounts, events.NewPublisher(h.accounts, 3), alerter, zerolog.Nop())
	return h, job, alerter
}

func TestJob_PublishesRelevantPosts(t *testing.T) {
	h, job, _ := newJobHarness(t, models.TrackedAccount{ID: "alice", LastTweetID: "1"})
	h.site.timelines["alice"] = []fakeTweet{
		{id: "4", author: "alice", text: "Just bought more $SOL, feeling bullish", datetime: "2024-05-01T12:00:00Z"},
		{id: "3", author: "alice", text: "gm everyone, have a great day today!", datetime: "2024-05-01T11:00:00Z"},
		{id: "2", author: "alice", text: "short", datetime: "2024-05-01T10:00:00Z"},
		{id: "1", author: "alice", text: "already seen $ETH post", datetime: "2024-05-01T09:00:00Z"},
	}

	res, err := job.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Posts)
	assert.Equal(t, 1, res.Relevant)
	assert.Equal(t, []string{"alice"}, res.Updated)
	require.NotEmpty(t, res.EventID)

	published := h.accounts.ByName(pipeline.PostsCollected)
	require.Len(t, published, 1)
	payload, err := events.Decode[pipeline.PostsCollectedPayload](published[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, payload.AccountIDs)
	require.Len(t, payload.Posts, 1)
	assert.Equal(t, models.FormattedPost{
		ID:     "4",
		Text:   "Just bought more $SOL, feeling bullish",
		Author: "alice",
		Time:   "2024-05-01T12:00:00Z",
		URL:    "https://x.com/alice/status/4",
	}, payload.Posts[0])
}

type flakyPublisher struct {
	events.Publisher
	fail bool
}

func (p *flakyPublisher) Emit(ctx context.Context, name string, payload any) (string, error) {
	if p.fail {
		return "", errors.New("queue unavailable")
	}
	return p.Publisher.Emit(ctx, name, payload)
}

func TestJob_FailedPublishKeepsCheckpoint(t *testing.T) {
	h := newHarness(t, models.TrackedAccount{ID: "alice", LastTweetID: "1"})
	h.site.timelines["alice"] = timeline("alice", 4, 3, 1)
	publisher := &flakyPublisher{Publisher: events.NewPublisher(h.accounts, 3), fail: true}
	job := NewJob(h.scraper, h.accounts, publisher, nil, zerolog.Nop())

	res, err := job.RunAll(context.Background())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.EventID)

	alice, err := h.accounts.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", alice.LastTweetID)

	publisher.fail = false
	res, err = job.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Posts)
	require.NotEmpty(t, res.EventID)

	alice, err = h.accounts.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "4", alice.LastTweetID)
}

func TestJob_NothingNewPublishesNothing(t *testing.T) {
	h, job, _ := newJobHarness(t, models.TrackedAccount{ID: "alice", LastTweetID: "9"})
	h.site.timelines["alice"] = timeline("alice", 9, 8)

	res, err := job.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.EventID)
	assert.Empty(t, h.accounts.ByName(pipeline.PostsCollected))
}

func TestJob_RunAccount(t *testing.T) {
	h, job, _ := newJobHarness(t,
		models.TrackedAccount{ID: "alice"},
		models.TrackedAccount{ID: "bob"},
	)
	h.site.timelines["alice"] = timeline("alice", 5)
	h.site.timelines["bob"] = timeline("bob", 6)

	res, err := job.RunAccount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accounts)
	assert.Equal(t, []string{"bob"}, res.Updated)

	alice, err := h.accounts.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, alice.LastTweetID)
}

func TestJob_RunAccountUnknown(t *testing.T) {
	_, job, _ := newJobHarness(t)

	res, err := job.RunAccount(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestJob_PartialFailureSucceedsWithAlert(t *testing.T) {
	h, job, alerter := newJobHarness(t,
		models.TrackedAccount{ID: "alice"},
		models.TrackedAccount{ID: "bob"},
	)
	h.site.timelines["alice"] = timeline("alice", 5)
	h.site.broken["bob"] = true

	res, err := job.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"bob"}, res.Failed)
	require.Len(t, alerter.summaries, 1)
	assert.Equal(t, []string{"bob"}, alerter.summaries[0].Failed)
}

func TestJob_AllAccountsFailed(t *testing.T) {
	h, job, _ := newJobHarness(t, models.TrackedAccount{ID: "bob"})
	h.site.broken["bob"] = true

	res, err := job.RunAll(context.Background())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"bob"}, res.Failed)
}

func TestJob_LoginFailureAlerts(t *testing.T) {
	h, job, alerter := newJobHarness(t, models.TrackedAccount{ID: "alice"})
	h.site.password = "rotated"

	res, err := job.RunAll(context.Background())
	require.Error(t, err)
	assert.True(t, IsLoginFailure(err))
	assert.False(t, res.Success)
	assert.Equal(t, 1, alerter.errors)
}

func TestJob_NoAccounts(t *testing.T) {
	h, job, _ := newJobHarness(t)

	res, err := job.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, h.site.launches)
}

func TestFileCookieStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "sessions")

	s, err := NewFileCookieStore(dir, "correct horse battery staple")
	require.NoError(t, err)

	jar, err := s.Load(ctx, "x-bot")
	require.NoError(t, err)
	assert.Nil(t, jar)

	want := []Cookie{
		{Name: "auth_token", Value: "abc", Domain: ".x.com", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: "None"},
		{Name: "ct0", Value: "def", Domain: ".x.com", Path: "/"},
	}
	require.NoError(t, s.Save(ctx, "x-bot", want))

	got, err := s.Load(ctx, "x-bot")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// last writer wins
	require.NoError(t, s.Save(ctx, "x-bot", want[:1]))
	got, err = s.Load(ctx, "x-bot")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	other, err := NewFileCookieStore(dir, "wrong secret")
	require.NoError(t, err)
	_, err = other.Load(ctx, "x-bot")
	assert.Error(t, err)

	require.NoError(t, s.Delete(ctx, "x-bot"))
	require.NoError(t, s.Delete(ctx, "x-bot"))
	jar, err = s.Load(ctx, "x-bot")
	require.NoError(t, err)
	assert.Nil(t, jar)
}

func TestFileCookieStore_SanitizesKey(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileCookieStore(dir, "secret")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "x-.._.._etc_passwd.jar"), s.path("x-../../etc/passwd"))
}

func TestFileCookieStore_RequiresSecret(t *testing.T) {
	_, err := NewFileCookieStore(t.TempDir(), "")
	assert.Error(t, err)
}
