// Package scraper collects recent posts from tracked X accounts through a
// logged-in browser session that is persisted between runs.
package scraper

import (
	"context"
	"time"
)

// Browser is the automation surface the scraper drives. Implementations
// report a selector that did not appear in time as errors.ErrSelectorNotFound.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	// Find waits up to timeout for selector (CSS or XPath) to match.
	Find(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// FindAll returns the current matches of a CSS selector without waiting.
	FindAll(ctx context.Context, selector string) ([]Element, error)
	Scroll(ctx context.Context) error
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	ReadClipboard(ctx context.Context) (string, error)
	Close() error
}

// Element is a node on the current page.
type Element interface {
	Click(ctx context.Context) error
	Type(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	// Find returns the first descendant matching a CSS selector, or
	// errors.ErrSelectorNotFound immediately.
	Find(ctx context.Context, selector string) (Element, error)
}

// Launcher starts a browser for one run.
type Launcher func(ctx context.Context) (Browser, error)

// X page structure.
const (
	homePath  = "/home"
	loginPath = "/i/flow/login"

	selLoggedIn       = `[data-testid="SideNav_AccountSwitcher_Button"]`
	selUsername       = `input[autocomplete="username"]`
	selNext           = `//button[.//span[text()="Next"]]`
	selEmailChallenge = `input[data-testid="ocfEnterTextTextInput"]`
	selEmailNext      = `[data-testid="ocfEnterTextNextButton"]`
	selPassword       = `input[name="password"]`
	selLogin          = `[data-testid="LoginForm_Login_Button"]`

	selArticle    = `article[data-testid="tweet"]`
	selStatusLink = `a[href*="/status/"]`
	selTweetText  = `div[data-testid="tweetText"]`
	selTime       = `time[datetime]`
	selShare      = `button[aria-label="Share post"]`
	selCopyLink   = `//span[text()="Copy link"]`
)
