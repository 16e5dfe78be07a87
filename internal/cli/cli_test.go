package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-advisor/internal/config"
	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/models"
	"signal-advisor/internal/notify"
	"signal-advisor/internal/pipeline"
	"signal-advisor/internal/scraper"
	"signal-advisor/internal/store"
)

type fakeTransport struct {
	mu     sync.Mutex
	status map[string]int
	sent   []string
}

func (f *fakeTransport) Send(_ context.Context, sub models.PushSubscription, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sub.Endpoint)
	if code, ok := f.status[sub.Endpoint]; ok {
		return apperrors.NewPushError(sub.Endpoint, code, "")
	}
	return nil
}

type testApp struct {
	*App
	store     *store.MemoryStore
	transport *fakeTransport
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Pipeline.InitialBackoff = 0
	mem := store.NewMemoryStore()
	transport := &fakeTransport{status: map[string]int{}}
	return &testApp{
		App: &App{
			Config:    cfg,
			Logger:    zerolog.Nop(),
			Store:     mem,
			Alerter:   notify.NewNoOpAlerter(),
			Transport: transport,
		},
		store:     mem,
		transport: transport,
	}
}

func (a *testApp) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(a.App)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (a *testApp) withScraperCreds() {
	a.Config.Credentials.X = config.XCredentials{Username: "advisorbot", Password: "hunter2"}
	a.Config.Credentials.Cookie.Secret = "jar-secret"
	a.Cookies = scraper.NewMemoryCookieStore()
	a.Launcher = func(context.Context) (scraper.Browser, error) {
		return nil, errors.New("no browser in tests")
	}
}

func TestVersion_JSON(t *testing.T) {
	a := newTestApp(t)
	out, err := a.run(t, "", "version", "--json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestAccounts_AddKeepsCheckpoint(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	_, err := a.run(t, "", "accounts", "add", "@cryptowhale", "--user", "u1", "--user", "u2")
	require.NoError(t, err)
	require.NoError(t, a.store.UpdateLastTweetID(ctx, "cryptowhale", "1790"))

	_, err = a.run(t, "", "accounts", "add", "cryptowhale", "--name", "Crypto Whale")
	require.NoError(t, err)

	out, err := a.run(t, "", "accounts", "list", "--json")
	require.NoError(t, err)

	var accounts []models.TrackedAccount
	require.NoError(t, json.Unmarshal([]byte(out), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "cryptowhale", accounts[0].ID)
	assert.Equal(t, "Crypto Whale", accounts[0].DisplayName)
	assert.Equal(t, "1790", accounts[0].LastTweetID)
	assert.Equal(t, []string{"u1", "u2"}, accounts[0].UserIDs)
}

func TestSignalDispatch_NowRunsPipeline(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.store.SetBalance(ctx, "u1", models.Holding{TokenAddress: "TOKEN_A", Symbol: "TKA", Balance: 10, ValueUSD: 250}))
	require.NoError(t, a.store.UpsertSubscription(ctx, &models.PushSubscription{UserID: "u1", Endpoint: "https://push.example/a", P256dh: "k", Auth: "s"}))

	sig := `{"id":"sig-1","tokenAddress":"TOKEN_A","suggestionType":"buy","strength":4,"confidence":0.8,"sentimentScore":0.6,"rationaleSummary":"Accumulation by large wallets","sources":["https://example.com/a"]}`
	_, err := a.run(t, sig, "signal", "add", "-")
	require.NoError(t, err)

	out, err := a.run(t, "", "signal", "dispatch", "sig-1", "--now", "--json")
	require.NoError(t, err)

	var result struct {
		EventID     string       `json:"eventId"`
		Invocations int          `json:"invocations"`
		Stats       events.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.NotEmpty(t, result.EventID)
	assert.Equal(t, 3, result.Invocations)
	assert.Equal(t, uint64(3), result.Stats.Completed)

	proposals, err := a.store.ListProposals(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "sig-1", proposals[0].TriggerEventID)
	assert.Equal(t, []string{"https://push.example/a"}, a.transport.sent)
}

func TestSignalDispatch_QueuesWithoutNow(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.store.SaveSignal(context.Background(), &models.Signal{ID: "sig-2", TokenAddress: "TOKEN_B"}))

	_, err := a.run(t, "", "signal", "dispatch", "sig-2")
	require.NoError(t, err)

	queued := a.store.ByName(pipeline.SignalDetected)
	require.Len(t, queued, 1)
	assert.Equal(t, events.StatusPending, queued[0].Status)
	assert.Equal(t, a.Config.Pipeline.MaxAttempts, queued[0].MaxAttempts)
}

func TestSignalDispatch_UnknownSignal(t *testing.T) {
	a := newTestApp(t)
	_, err := a.run(t, "", "signal", "dispatch", "missing")
	assert.ErrorIs(t, err, apperrors.ErrSignalNotFound)
}

func TestSignalAdd_RejectsUnknownSuggestion(t *testing.T) {
	a := newTestApp(t)
	_, err := a.run(t, `{"id":"sig-3","suggestionType":"moon"}`, "signal", "add", "-")
	assert.Error(t, err)
}

func TestEvents_ListAndRetry(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	evt, err := events.NewEvent(pipeline.ProposalGenerated, pipeline.ProposalGeneratedPayload{ProposalID: "p-1"}, 2)
	require.NoError(t, err)
	require.NoError(t, a.store.Enqueue(ctx, evt))
	require.NoError(t, a.store.Dead(ctx, evt.ID, "proposal not found"))

	out, err := a.run(t, "", "events", "list", "--status", "dead", "--json")
	require.NoError(t, err)
	var dead []events.Event
	require.NoError(t, json.Unmarshal([]byte(out), &dead))
	require.Len(t, dead, 1)
	assert.Equal(t, evt.ID, dead[0].ID)

	_, err = a.run(t, "", "events", "retry", evt.ID)
	require.NoError(t, err)

	got, err := a.store.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, events.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestEvents_RetryUnknown(t *testing.T) {
	a := newTestApp(t)
	_, err := a.run(t, "", "events", "retry", "nope")
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)
}

func TestEvents_ListRejectsUnknownStatus(t *testing.T) {
	a := newTestApp(t)
	_, err := a.run(t, "", "events", "list", "--status", "lost")
	assert.Error(t, err)
}

func TestScrape_RequiresCredentials(t *testing.T) {
	a := newTestApp(t)
	_, err := a.run(t, "", "scrape")
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestScrape_NoAccountsPrintsSummary(t *testing.T) {
	a := newTestApp(t)
	a.withScraperCreds()

	out, err := a.run(t, "", "scrape")
	require.NoError(t, err)

	var res scraper.JobResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Accounts)
}

func TestScrape_UnknownAccountFails(t *testing.T) {
	a := newTestApp(t)
	a.withScraperCreds()

	out, err := a.run(t, "", "scrape", "--account=ghost")
	assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)

	var res scraper.JobResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestScrape_LaunchFailureFails(t *testing.T) {
	a := newTestApp(t)
	a.withScraperCreds()
	require.NoError(t, a.store.SaveAccount(context.Background(), &models.TrackedAccount{ID: "cryptowhale"}))

	out, err := a.run(t, "", "scrape")
	assert.Error(t, err)

	var res scraper.JobResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Accounts)
}

func TestScrape_CronAndAccountConflict(t *testing.T) {
	a := newTestApp(t)
	a.withScraperCreds()
	_, err := a.run(t, "", "scrape", "--cron", "--account=cryptowhale")
	assert.Error(t, err)
}

func TestScrape_InvalidCron(t *testing.T) {
	a := newTestApp(t)
	a.withScraperCreds()
	_, err := a.run(t, "", "scrape", "--cron=every tuesday")
	assert.Error(t, err)
}

func TestSubscriptions_TestPrunesGone(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	for _, ep := range []string{"https://push.example/live", "https://push.example/gone"} {
		require.NoError(t, a.store.UpsertSubscription(ctx, &models.PushSubscription{UserID: "u1", Endpoint: ep, P256dh: "k", Auth: "s"}))
	}
	a.transport.status["https://push.example/gone"] = http.StatusGone

	_, err := a.run(t, "", "subscriptions", "test", "u1")
	require.NoError(t, err)

	subs, err := a.store.GetSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/live", subs[0].Endpoint)
}

func TestSubscriptions_TestAllFailed(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.store.UpsertSubscription(ctx, &models.PushSubscription{UserID: "u1", Endpoint: "https://push.example/a", P256dh: "k", Auth: "s"}))
	a.transport.status["https://push.example/a"] = http.StatusInternalServerError

	_, err := a.run(t, "", "subscriptions", "test", "u1")
	assert.Error(t, err)

	subs, err := a.store.GetSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestPushKeys_JSON(t *testing.T) {
	a := newTestApp(t)
	out, err := a.run(t, "", "push", "keys", "--json")
	require.NoError(t, err)

	var keys map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	assert.NotEmpty(t, keys["publicKey"])
	assert.NotEmpty(t, keys["privateKey"])
}

func TestConfigValidate_ReportsMissingCredentials(t *testing.T) {
	a := newTestApp(t)
	out, err := a.run(t, "", "config", "validate", "--json")
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "ok", result["config"])
	assert.NotEqual(t, "ok", result["scraper"])
}

func TestConfigShow_JSONOmitsCredentials(t *testing.T) {
	a := newTestApp(t)
	a.Config.Credentials.OpenAI.APIKey = "sk-test-abcdefghijklmnopqrstuvwxyz"

	out, err := a.run(t, "", "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-test")
}

func TestProposals_ListAndShow(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	p, err := a.store.CreateProposal(ctx, &models.Proposal{
		UserID:         "u1",
		TriggerEventID: "sig-1",
		Title:          "Trim TKA",
		Summary:        "Take some profit",
		Reason:         []string{"Sentiment turned"},
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	out, err := a.run(t, "", "proposals", "list", "u1", "--json")
	require.NoError(t, err)
	var listed []models.Proposal
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, p.ID, listed[0].ID)

	_, err = a.run(t, "", "proposals", "show", "missing")
	assert.ErrorIs(t, err, apperrors.ErrProposalNotFound)
}

func TestTable_PadsColumns(t *testing.T) {
	var buf bytes.Buffer
	o := NewOutput(NewRootCmd(newTestApp(t).App))
	o.writer = &buf

	table := NewTable(o, "ID", "NAME")
	table.AddRow("1", "alpha")
	table.AddRow("22", "b")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "1   alpha", stripEscapes(lines[2]))
	assert.Equal(t, "22  b", stripEscapes(lines[3]))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func stripEscapes(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
