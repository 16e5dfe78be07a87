package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Immediate transactions serialize event claims across processes.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Detected signals, read-only to the pipeline
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		token_address TEXT,
		detected_at DATETIME NOT NULL,
		sources TEXT NOT NULL DEFAULT '[]',
		sentiment_score REAL NOT NULL DEFAULT 0,
		suggestion_type TEXT NOT NULL,
		strength INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		rationale_summary TEXT,
		expires_at DATETIME,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Wallet balances per user and token
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		token_address TEXT NOT NULL,
		symbol TEXT,
		balance REAL NOT NULL,
		value_usd REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, token_address)
	);

	-- Generated proposals, one per (signal, user)
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		trigger_event_id TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '[]',
		sources TEXT NOT NULL DEFAULT '[]',
		type TEXT,
		proposed_by TEXT,
		financial_impact TEXT,
		expires_at DATETIME,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(trigger_event_id, user_id)
	);

	-- Web Push subscriptions
	CREATE TABLE IF NOT EXISTS push_subscriptions (
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		user_agent TEXT,
		os TEXT,
		browser TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(user_id, endpoint)
	);

	-- Social accounts followed by the scraper
	CREATE TABLE IF NOT EXISTS tracked_accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT,
		profile_image_url TEXT,
		last_tweet_id TEXT,
		user_ids TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Durable event log; run_at is unix milliseconds
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		data TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 0,
		run_at INTEGER NOT NULL,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Memoized step outputs per event
	CREATE TABLE IF NOT EXISTS event_steps (
		event_id TEXT NOT NULL,
		step TEXT NOT NULL,
		output TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (event_id, step)
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_balances_token ON balances(token_address);
	CREATE INDEX IF NOT EXISTS idx_proposals_user ON proposals(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_push_subscriptions_endpoint ON push_subscriptions(endpoint);
	CREATE INDEX IF NOT EXISTS idx_events_due ON events(status, run_at);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ============================================================================
// Signal Methods
// ============================================================================

// SaveSignal inserts or replaces a signal.
func (s *SQLiteStore) SaveSignal(ctx context.Context, signal *models.Signal) error {
	sourcesJSON, _ := json.Marshal(nonNilStrings(signal.Sources))
	var metadataJSON []byte
	if signal.Metadata != nil {
		metadataJSON, _ = json.Marshal(signal.Metadata)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signals (id, token_address, detected_at, sources, sentiment_score, suggestion_type, strength, confidence, rationale_summary, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, signal.ID, nullString(signal.TokenAddress), signal.DetectedAt.UTC(), string(sourcesJSON),
		signal.SentimentScore, signal.SuggestionType, signal.Strength, signal.Confidence,
		signal.RationaleSummary, nullTime(signal.ExpiresAt), nullString(string(metadataJSON)))
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

// GetSignal retrieves a signal by ID.
func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	var sig models.Signal
	var token, rationale, metadataJSON sql.NullString
	var sourcesJSON string
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_address, detected_at, sources, sentiment_score, suggestion_type, strength, confidence, rationale_summary, expires_at, metadata
		FROM signals WHERE id = ?
	`, id).Scan(&sig.ID, &token, &sig.DetectedAt, &sourcesJSON, &sig.SentimentScore, &sig.SuggestionType,
		&sig.Strength, &sig.Confidence, &rationale, &expiresAt, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}

	sig.TokenAddress = token.String
	sig.RationaleSummary = rationale.String
	if expiresAt.Valid {
		sig.ExpiresAt = expiresAt.Time
	}
	json.Unmarshal([]byte(sourcesJSON), &sig.Sources)
	if metadataJSON.Valid {
		json.Unmarshal([]byte(metadataJSON.String), &sig.Metadata)
	}

	return &sig, nil
}

// ============================================================================
// Balance Methods
// ============================================================================

// GetDistinctHolders returns users holding a nonzero balance of the token.
func (s *SQLiteStore) GetDistinctHolders(ctx context.Context, tokenAddress string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM balances
		WHERE token_address = ? AND balance <> 0
		ORDER BY user_id
	`, tokenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to query holders: %w", err)
	}
	defer rows.Close()

	var holders []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan holder: %w", err)
		}
		holders = append(holders, userID)
	}

	return holders, rows.Err()
}

// GetHoldings returns a user's nonzero balances.
func (s *SQLiteStore) GetHoldings(ctx context.Context, userID string) ([]models.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_address, COALESCE(symbol, ''), balance, value_usd, updated_at
		FROM balances WHERE user_id = ? AND balance <> 0
		ORDER BY value_usd DESC, token_address
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		var h models.Holding
		if err := rows.Scan(&h.TokenAddress, &h.Symbol, &h.Balance, &h.ValueUSD, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}

	return holdings, rows.Err()
}

// SetBalance records a user's balance of one token.
func (s *SQLiteStore) SetBalance(ctx context.Context, userID string, h models.Holding) error {
	updatedAt := h.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, token_address, symbol, balance, value_usd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, token_address) DO UPDATE SET
			symbol = excluded.symbol,
			balance = excluded.balance,
			value_usd = excluded.value_usd,
			updated_at = excluded.updated_at
	`, userID, h.TokenAddress, nullString(h.Symbol), h.Balance, h.ValueUSD, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

// ============================================================================
// Proposal Methods
// ============================================================================

// CreateProposal inserts a proposal keyed by (trigger_event_id, user_id). A
// redelivered dispatch finds the earlier row and gets it back unchanged.
func (s *SQLiteStore) CreateProposal(ctx context.Context, p *models.Proposal) (*models.Proposal, error) {
	if p.UserID == "" {
		return nil, apperrors.ErrMissingUser
	}

	row := *p
	now := time.Now().UTC()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = models.ProposalActive
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	reasonJSON, _ := json.Marshal(nonNilStrings(row.Reason))
	sourcesJSON, _ := json.Marshal(nonNilSources(row.Sources))
	var impactJSON []byte
	if row.FinancialImpact != nil {
		impactJSON, _ = json.Marshal(row.FinancialImpact)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, user_id, trigger_event_id, title, summary, reason, sources, type, proposed_by, financial_impact, expires_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_event_id, user_id) DO NOTHING
	`, row.ID, row.UserID, row.TriggerEventID, row.Title, row.Summary, string(reasonJSON), string(sourcesJSON),
		nullString(string(row.Type)), row.ProposedBy, nullString(string(impactJSON)), nullTime(row.ExpiresAt),
		row.Status, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}

	return s.getProposalWhere(ctx, "trigger_event_id = ? AND user_id = ?", row.TriggerEventID, row.UserID)
}

// GetProposal retrieves a proposal by ID.
func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	return s.getProposalWhere(ctx, "id = ?", id)
}

// ListProposals returns a user's proposals, newest first.
func (s *SQLiteStore) ListProposals(ctx context.Context, userID string, limit int) ([]models.Proposal, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, proposalColumns+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}

	return proposals, rows.Err()
}

const proposalColumns = `
	SELECT id, user_id, trigger_event_id, title, summary, reason, sources, COALESCE(type, ''), COALESCE(proposed_by, ''), financial_impact, expires_at, status, created_at, updated_at
	FROM proposals`

func (s *SQLiteStore) getProposalWhere(ctx context.Context, where string, args ...interface{}) (*models.Proposal, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, proposalColumns+" WHERE "+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*models.Proposal, error) {
	var p models.Proposal
	var reasonJSON, sourcesJSON string
	var impactJSON sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(&p.ID, &p.UserID, &p.TriggerEventID, &p.Title, &p.Summary, &reasonJSON, &sourcesJSON,
		&p.Type, &p.ProposedBy, &impactJSON, &expiresAt, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}

	json.Unmarshal([]byte(reasonJSON), &p.Reason)
	json.Unmarshal([]byte(sourcesJSON), &p.Sources)
	if impactJSON.Valid && impactJSON.String != "" {
		var fi models.FinancialImpact
		if err := json.Unmarshal([]byte(impactJSON.String), &fi); err == nil {
			p.FinancialImpact = &fi
		}
	}
	if expiresAt.Valid {
		p.ExpiresAt = expiresAt.Time
	}

	return &p, nil
}

// ============================================================================
// Push Subscription Methods
// ============================================================================

// GetSubscriptions returns every subscription of a user.
func (s *SQLiteStore) GetSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, endpoint, p256dh, auth, COALESCE(user_agent, ''), COALESCE(os, ''), COALESCE(browser, ''), created_at, updated_at
		FROM push_subscriptions WHERE user_id = ? ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.UserAgent, &sub.OS, &sub.Browser, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// UpsertSubscription creates a subscription or refreshes it in place.
func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error {
	now := time.Now().UTC()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, user_agent, os, browser, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			user_agent = excluded.user_agent,
			os = excluded.os,
			browser = excluded.browser,
			updated_at = excluded.updated_at
	`, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, nullString(sub.UserAgent), nullString(sub.OS), nullString(sub.Browser), createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription by endpoint.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// ============================================================================
// Tracked Account Methods
// ============================================================================

// ListAccounts returns all tracked accounts.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]models.TrackedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(display_name, ''), COALESCE(profile_image_url, ''), COALESCE(last_tweet_id, ''), user_ids
		FROM tracked_accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.TrackedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}

	return accounts, rows.Err()
}

// GetAccount retrieves a tracked account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*models.TrackedAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(display_name, ''), COALESCE(profile_image_url, ''), COALESCE(last_tweet_id, ''), user_ids
		FROM tracked_accounts WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanAccount(row rowScanner) (*models.TrackedAccount, error) {
	var a models.TrackedAccount
	var userIDsJSON string
	if err := row.Scan(&a.ID, &a.DisplayName, &a.ProfileImageURL, &a.LastTweetID, &userIDsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	json.Unmarshal([]byte(userIDsJSON), &a.UserIDs)
	return &a, nil
}

// SaveAccount inserts or replaces a tracked account.
func (s *SQLiteStore) SaveAccount(ctx context.Context, a *models.TrackedAccount) error {
	userIDsJSON, _ := json.Marshal(nonNilStrings(a.UserIDs))

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tracked_accounts (id, display_name, profile_image_url, last_tweet_id, user_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.DisplayName, nullString(a.ProfileImageURL), nullString(a.LastTweetID), string(userIDsJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// UpdateLastTweetID advances an account's checkpoint.
func (s *SQLiteStore) UpdateLastTweetID(ctx context.Context, id, lastTweetID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_accounts SET last_tweet_id = ?, updated_at = ? WHERE id = ?
	`, lastTweetID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last tweet id: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrAccountNotFound, id)
	}

	return nil
}

// ============================================================================
// Event Queue Methods
// ============================================================================

// Enqueue appends an event to the durable log.
func (s *SQLiteStore) Enqueue(ctx context.Context, evt *events.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, name, data, status, attempts, max_attempts, run_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.Name, string(evt.Data), evt.Status, evt.Attempts, evt.MaxAttempts, evt.RunAt.UnixMilli(),
		nullString(evt.LastError), evt.CreatedAt.UTC(), evt.UpdatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: event %s", apperrors.ErrDuplicate, evt.ID)
		}
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// Claim leases up to limit due events in creation order.
func (s *SQLiteStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]*events.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, eventColumns+`
		WHERE status IN (?, ?) AND run_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, events.StatusPending, events.StatusRunning, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due events: %w", err)
	}

	var claimed []*events.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, evt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	for _, evt := range claimed {
		evt.Status = events.StatusRunning
		evt.Attempts++
		evt.RunAt = leaseUntil
		evt.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET status = ?, attempts = ?, run_at = ?, updated_at = ? WHERE id = ?
		`, evt.Status, evt.Attempts, leaseUntil.UnixMilli(), now, evt.ID); err != nil {
			return nil, fmt.Errorf("failed to lease event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// Complete marks an event handled.
func (s *SQLiteStore) Complete(ctx context.Context, id string) error {
	return s.updateEvent(ctx, `UPDATE events SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		events.StatusCompleted, time.Now().UTC(), id)
}

// Retry returns an event to pending, due at runAt.
func (s *SQLiteStore) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.updateEvent(ctx, `UPDATE events SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		events.StatusPending, runAt.UnixMilli(), lastErr, time.Now().UTC(), id)
}

// Dead parks an event that will not be retried.
func (s *SQLiteStore) Dead(ctx context.Context, id string, lastErr string) error {
	return s.updateEvent(ctx, `UPDATE events SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		events.StatusDead, lastErr, time.Now().UTC(), id)
}

// Requeue gives an event a fresh attempt budget, due now.
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM events WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: event %s", apperrors.ErrDataNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}

	if events.Status(status) == events.StatusCompleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_steps WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear steps: %w", err)
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ?, attempts = 0, run_at = ?, updated_at = ? WHERE id = ?`,
		events.StatusPending, now.UnixMilli(), now, id); err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) updateEvent(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: event %v", apperrors.ErrDataNotFound, args[len(args)-1])
	}
	return nil
}

// SaveStep records a step output for an event.
func (s *SQLiteStore) SaveStep(ctx context.Context, eventID, step string, output []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO event_steps (event_id, step, output) VALUES (?, ?, ?)
	`, eventID, step, string(output))
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadSteps returns every recorded step output of an event.
func (s *SQLiteStore) LoadSteps(ctx context.Context, eventID string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step, output FROM event_steps WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	steps := make(map[string][]byte)
	for rows.Next() {
		var step, output string
		if err := rows.Scan(&step, &output); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps[step] = []byte(output)
	}

	return steps, rows.Err()
}

// GetEvent retrieves an event by ID.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	evt, err := scanEvent(s.db.QueryRowContext(ctx, eventColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return evt, err
}

// ListEvents returns the newest events, optionally filtered by status.
func (s *SQLiteStore) ListEvents(ctx context.Context, status events.Status, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := eventColumns
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}

	return out, rows.Err()
}

const eventColumns = `
	SELECT id, name, data, status, attempts, max_attempts, run_at, COALESCE(last_error, ''), created_at, updated_at
	FROM events`

func scanEvent(row rowScanner) (*events.Event, error) {
	var evt events.Event
	var data string
	var runAt int64

	err := row.Scan(&evt.ID, &evt.Name, &data, &evt.Status, &evt.Attempts, &evt.MaxAttempts, &runAt, &evt.LastError, &evt.CreatedAt, &evt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	evt.Data = []byte(data)
	evt.RunAt = time.UnixMilli(runAt).UTC()
	return &evt, nil
}

// ============================================================================
// Helpers
// ============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilSources(v []models.Source) []models.Source {
	if v == nil {
		return []models.Source{}
	}
	return v
}
