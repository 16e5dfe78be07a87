// Package filter decides which scraped posts are worth turning into signals.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"signal-advisor/internal/models"
)

// MinContentLength is the shortest post, in characters, that can carry a signal.
const MinContentLength = 15

// DefaultBaseURL is used to synthesize permalinks for posts scraped without one.
const DefaultBaseURL = "https://x.com"

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	cashtagPattern = regexp.MustCompile(`\$[A-Za-z0-9_]+`)
	addressPattern = regexp.MustCompile(`0x(?:[a-fA-F0-9]{64}|[a-fA-F0-9]{40})`)
	keywordPattern = regexp.MustCompile(`(?i)\b(?:` + strings.Join(vocabulary, "|") + `)\b`)
)

// vocabulary is matched case-insensitively on word boundaries.
var vocabulary = []string{
	// trading
	"buy", "sell", "long", "short", "bullish", "bearish", "pump", "dump", "breakout",
	"support", "resistance", "price", "market", "trade", "trading", "entry", "exit",
	"liquidation", "leverage", "ath", "dip", "rally",
	// defi
	"defi", "token", "tokens", "airdrop", "staking", "stake", "yield", "apy", "apr",
	"liquidity", "pool", "swap", "dex", "tvl", "bridge", "mint", "burn", "vault",
	"protocol", "smart contract", "launch", "listing", "listed", "presale",
	"wallet", "onchain", "on-chain", "chain", "mainnet", "testnet",
	// governance
	"governance", "proposal", "vote", "voting", "dao", "snapshot", "treasury",
	"upgrade", "fork", "unlock", "vesting", "tokenomics",
	// assets
	"btc", "eth", "sol", "bitcoin", "ethereum", "solana", "crypto", "stablecoin", "usdc", "usdt",
	// risk
	"exploit", "hack", "hacked", "rug", "rugpull", "scam",
}

// FilterRelevant returns the posts that carry a signal, in input order.
// It is pure: the same input always yields the same output.
func FilterRelevant(posts []models.Post) []models.Post {
	relevant := make([]models.Post, 0, len(posts))
	for _, post := range posts {
		if IsRelevant(post) {
			relevant = append(relevant, post)
		}
	}
	return relevant
}

// IsRelevant applies the rules in order and rejects on the first that fails:
// too short, then neither a link nor a domain keyword.
func IsRelevant(post models.Post) bool {
	if utf8.RuneCountInString(post.Content) < MinContentLength {
		return false
	}
	return urlPattern.MatchString(post.Content) || hasKeyword(post.Content)
}

func hasKeyword(content string) bool {
	return cashtagPattern.MatchString(content) ||
		addressPattern.MatchString(content) ||
		keywordPattern.MatchString(content)
}

// MatchedTerms lists what made content relevant: links, cashtags, addresses
// and vocabulary words, lower-cased and deduplicated, in order of appearance.
func MatchedTerms(content string) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(matches []string, lower bool) {
		for _, m := range matches {
			if lower {
				m = strings.ToLower(m)
			}
			if !seen[m] {
				seen[m] = true
				terms = append(terms, m)
			}
		}
	}

	add(urlPattern.FindAllString(content, -1), false)
	add(cashtagPattern.FindAllString(content, -1), false)
	add(addressPattern.FindAllString(content, -1), false)
	add(keywordPattern.FindAllString(content, -1), true)
	return terms
}

// FormatForDownstream projects posts into the shape consumed by signal detection.
func FormatForDownstream(posts []models.Post) []models.FormattedPost {
	return FormatWithBase(posts, DefaultBaseURL)
}

// FormatWithBase is FormatForDownstream with a custom permalink base.
func FormatWithBase(posts []models.Post, baseURL string) []models.FormattedPost {
	out := make([]models.FormattedPost, 0, len(posts))
	for _, post := range posts {
		url := post.URL
		if url == "" {
			url = Permalink(baseURL, post.Author, post.ID)
		}
		out = append(out, models.FormattedPost{
			ID:     post.ID,
			Text:   post.Content,
			Author: post.Author,
			Time:   formatTime(post.Timestamp),
			URL:    url,
		})
	}
	return out
}

// Permalink builds the canonical status URL for a post.
func Permalink(baseURL, author, id string) string {
	return fmt.Sprintf("%s/%s/status/%s", strings.TrimRight(baseURL, "/"), strings.TrimPrefix(author, "@"), id)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
