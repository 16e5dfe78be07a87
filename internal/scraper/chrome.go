package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	apperrors "signal-advisor/internal/errors"
)

// LaunchOptions configures the Chrome process.
type LaunchOptions struct {
	BaseURL   string
	Headless  bool
	UserAgent string
	// ExecPath overrides Chrome discovery.
	ExecPath string
}

// ChromeBrowser drives a local Chrome through the DevTools protocol.
type ChromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc
}

// ChromeLauncher returns a Launcher that starts Chrome with opts.
func ChromeLauncher(opts LaunchOptions) Launcher {
	return func(ctx context.Context) (Browser, error) {
		return LaunchChrome(ctx, opts)
	}
}

// LaunchChrome starts Chrome with automation fingerprints suppressed and
// clipboard access granted for the platform origin.
func LaunchChrome(ctx context.Context, opts LaunchOptions) (*ChromeBrowser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-infobars", true),
		chromedp.WindowSize(1280, 960),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	bctx, cancel := chromedp.NewContext(allocCtx)

	b := &ChromeBrowser{ctx: bctx, cancel: cancel, cancelAlloc: cancelAlloc}

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			// navigator.webdriver is the first thing bot checks read.
			_, err := page.AddScriptToEvaluateOnNewDocument(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`).Do(ctx)
			return err
		}),
	}
	if origin := originOf(opts.BaseURL); origin != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return cdpbrowser.GrantPermissions([]cdpbrowser.PermissionType{
				cdpbrowser.PermissionTypeClipboardReadWrite,
				cdpbrowser.PermissionTypeClipboardSanitizedWrite,
			}).WithOrigin(origin).Do(ctx)
		}))
	}

	if err := chromedp.Run(bctx, actions...); err != nil {
		b.Close()
		return nil, fmt.Errorf("launching chrome: %w", err)
	}
	return b, nil
}

// run executes actions on the browser tab, bounded by ctx and timeout.
func (b *ChromeBrowser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var (
		rctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(b.ctx, timeout)
	} else {
		rctx, cancel = context.WithCancel(b.ctx)
	}
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(rctx, actions...)
}

// Navigate loads url and waits for the load event.
func (b *ChromeBrowser) Navigate(ctx context.Context, url string) error {
	if err := b.run(ctx, 0, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// Find waits for selector, matching CSS or XPath through DOM search.
func (b *ChromeBrowser) Find(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	var nodes []*cdp.Node
	err := b.run(ctx, timeout, chromedp.Nodes(selector, &nodes, chromedp.BySearch))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrSelectorNotFound, selector)
		}
		return nil, fmt.Errorf("finding %s: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSelectorNotFound, selector)
	}
	return &chromeElement{b: b, node: nodes[0]}, nil
}

// FindAll returns every current match of a CSS selector.
func (b *ChromeBrowser) FindAll(ctx context.Context, selector string) ([]Element, error) {
	var nodes []*cdp.Node
	if err := b.run(ctx, 0, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("finding %s: %w", selector, err)
	}

	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &chromeElement{b: b, node: n})
	}
	return out, nil
}

// Scroll moves the page down by one viewport.
func (b *ChromeBrowser) Scroll(ctx context.Context) error {
	return b.run(ctx, 0, chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil))
}

// Cookies returns the cookies visible to the current page.
func (b *ChromeBrowser) Cookies(ctx context.Context) ([]Cookie, error) {
	var cookies []*network.Cookie
	err := b.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// SetCookies installs cookies into the browser.
func (b *ChromeBrowser) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}

	err := b.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("setting cookies: %w", err)
	}
	return nil
}

// ReadClipboard returns the clipboard text.
func (b *ChromeBrowser) ReadClipboard(ctx context.Context) (string, error) {
	var text string
	err := b.run(ctx, 5*time.Second, chromedp.Evaluate(`navigator.clipboard.readText()`, &text,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return "", fmt.Errorf("reading clipboard: %w", err)
	}
	return text, nil
}

// Close shuts the tab and the Chrome process down.
func (b *ChromeBrowser) Close() error {
	b.cancel()
	b.cancelAlloc()
	return nil
}

type chromeElement struct {
	b    *ChromeBrowser
	node *cdp.Node
}

func (e *chromeElement) ids() []cdp.NodeID {
	return []cdp.NodeID{e.node.NodeID}
}

func (e *chromeElement) Click(ctx context.Context) error {
	return e.b.run(ctx, 0, chromedp.MouseClickNode(e.node))
}

func (e *chromeElement) Type(ctx context.Context, text string) error {
	return e.b.run(ctx, 0, chromedp.SendKeys(e.ids(), text, chromedp.ByNodeID))
}

func (e *chromeElement) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.b.run(ctx, 0, chromedp.Text(e.ids(), &text, chromedp.ByNodeID)); err != nil {
		return "", err
	}
	return text, nil
}

func (e *chromeElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	if err := e.b.run(ctx, 0, chromedp.AttributeValue(e.ids(), name, &value, &ok, chromedp.ByNodeID)); err != nil {
		return "", false, err
	}
	return value, ok, nil
}

func (e *chromeElement) Find(ctx context.Context, selector string) (Element, error) {
	var nodes []*cdp.Node
	err := e.b.run(ctx, 0, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.FromNode(e.node), chromedp.AtLeast(0)))
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSelectorNotFound, selector)
	}
	return &chromeElement{b: e.b, node: nodes[0]}, nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
