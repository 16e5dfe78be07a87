package filter

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-advisor/internal/models"
)

func post(id, content string) models.Post {
	return models.Post{ID: id, Content: content, Author: "alice"}
}

func TestFilterRelevant_Examples(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"small talk", "gm everyone, have a great day today!", false},
		{"cashtag", "Just bought more $SOL, feeling bullish", true},
		{"link only", "read this thread https://example.com/a", true},
		{"evm address", "new contract 0x" + strings.Repeat("ab", 20), true},
		{"32-byte address", "tx 0x" + strings.Repeat("0f", 32) + " confirmed", true},
		{"vocabulary case-insensitive", "The DAO GOVERNANCE vote opens tomorrow", true},
		{"short with cashtag", "$SOL up", false},
		{"short with link", "http://x.co", false},
		{"no keyword", "lunch was delicious and the weather is nice", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterRelevant([]models.Post{post("1", tt.content)})
			assert.Equal(t, tt.want, len(got) == 1)
		})
	}
}

func TestFilterRelevant_PreservesOrder(t *testing.T) {
	posts := []models.Post{
		post("1", "Just bought more $SOL, feeling bullish"),
		post("2", "gm everyone, have a great day today!"),
		post("3", "airdrop details at https://example.com/drop"),
		post("4", "$ETH staking yields look strong this week"),
	}

	got := FilterRelevant(posts)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
	assert.Equal(t, "4", got[2].ID)
	assert.Equal(t, posts[0], got[0])
}

func TestFilterRelevant_Empty(t *testing.T) {
	assert.Empty(t, FilterRelevant(nil))
}

func TestMatchedTerms(t *testing.T) {
	terms := MatchedTerms("Bullish on $SOL, see https://example.com and bullish again")
	assert.Equal(t, []string{"https://example.com", "$SOL", "bullish", "sol"}, terms)
}

func TestFormatForDownstream(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("x", 3600))
	posts := []models.Post{
		{ID: "100", Content: "Just bought more $SOL", Author: "alice", Timestamp: ts},
		{ID: "101", Content: "link", Author: "bob", URL: "https://x.com/bob/status/101?s=20"},
	}

	got := FormatForDownstream(posts)
	require.Len(t, got, 2)
	assert.Equal(t, models.FormattedPost{
		ID:     "100",
		Text:   "Just bought more $SOL",
		Author: "alice",
		Time:   "2024-03-01T11:30:00Z",
		URL:    "https://x.com/alice/status/100",
	}, got[0])
	assert.Equal(t, "https://x.com/bob/status/101?s=20", got[1].URL)
	assert.Equal(t, "", got[1].Time)
}

func TestPermalink(t *testing.T) {
	assert.Equal(t, "https://x.com/alice/status/7", Permalink("https://x.com/", "@alice", "7"))
}

func genContent() gopter.Gen {
	return gen.OneGenOf(
		gen.AlphaString(),
		gen.AnyString(),
		gen.OneConstOf(
			"Just bought more $SOL, feeling bullish",
			"gm everyone, have a great day today!",
			"check https://example.com/post now",
			"$BTC",
			"governance vote is live on snapshot",
		),
	)
}

// TestProperty_FilterIdempotent checks that filtering an already filtered
// list changes nothing.
func TestProperty_FilterIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("FilterRelevant(FilterRelevant(P)) == FilterRelevant(P)", prop.ForAll(
		func(contents []string) bool {
			posts := make([]models.Post, len(contents))
			for i, c := range contents {
				posts[i] = post(strings.Repeat("1", i+1), c)
			}
			once := FilterRelevant(posts)
			twice := FilterRelevant(once)
			if len(once) != len(twice) {
				return false
			}
			for i := range once {
				if once[i] != twice[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genContent()),
	))

	properties.TestingRun(t)
}

// TestProperty_ShortPostsExcluded checks that nothing under the minimum length
// passes, whatever keywords it carries.
func TestProperty_ShortPostsExcluded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("posts shorter than the minimum are rejected", prop.ForAll(
		func(suffix string, n int) bool {
			content := "$SOL " + suffix
			runes := []rune(content)
			if len(runes) > n {
				runes = runes[:n]
			}
			return len(FilterRelevant([]models.Post{post("1", string(runes))})) == 0
		},
		gen.AlphaString(),
		gen.IntRange(0, MinContentLength-1),
	))

	properties.TestingRun(t)
}
