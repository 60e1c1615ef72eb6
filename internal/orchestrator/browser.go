package orchestrator

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/retry"
	"github.com/netresearch/browser-manager/internal/session"
)

// Browser is the narrow control surface the orchestrator needs from a
// remote browser. Implemented over the container's DevTools endpoint.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL() (string, error)
	AddCookies(cookies []session.Cookie) error
	Cookies(urls ...string) ([]session.Cookie, error)
	Evaluate(expression string) (any, error)
	Screenshot() ([]byte, error)
	Close() error
}

// Connector opens browser control connections.
type Connector interface {
	Connect(ctx context.Context, devtoolsURL string) (Browser, error)
}

// PlaywrightConnector drives remote browsers through CDP using playwright.
type PlaywrightConnector struct {
	pw *playwright.Playwright
}

// NewPlaywrightConnector starts the playwright driver process.
func NewPlaywrightConnector() (*PlaywrightConnector, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}

	return &PlaywrightConnector{pw: pw}, nil
}

// Close stops the playwright driver.
func (c *PlaywrightConnector) Close() error {
	return c.pw.Stop()
}

// Connect attaches to the container's DevTools endpoint, retried with
// backoff because freshly assigned browsers can take a moment to accept
// control connections.
func (c *PlaywrightConnector) Connect(ctx context.Context, devtoolsURL string) (Browser, error) {
	browser, err := retry.DoWithResultConfig(ctx, retry.BrowserConnectConfig(), func() (playwright.Browser, error) {
		return c.pw.Chromium.ConnectOverCDP(devtoolsURL)
	})
	if err != nil {
		return nil, fmt.Errorf("devtools connect %s: %w", devtoolsURL, err)
	}

	// A CDP attach exposes the browser's existing default context.
	var bctx playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else {
		bctx, err = browser.NewContext()
		if err != nil {
			_ = browser.Close()

			return nil, fmt.Errorf("browser context: %w", err)
		}
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			_ = browser.Close()

			return nil, fmt.Errorf("browser page: %w", err)
		}
	}

	return &playwrightBrowser{browser: browser, bctx: bctx, page: page}, nil
}

type playwrightBrowser struct {
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
}

func (b *playwrightBrowser) Navigate(_ context.Context, url string) error {
	_, err := b.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}

	return nil
}

func (b *playwrightBrowser) CurrentURL() (string, error) {
	return b.page.URL(), nil
}

func (b *playwrightBrowser) AddCookies(cookies []session.Cookie) error {
	converted := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:  c.Name,
			Value: c.Value,
		}
		if c.Domain != "" {
			oc.Domain = playwright.String(c.Domain)
		}
		if c.Path != "" {
			oc.Path = playwright.String(c.Path)
		}
		if c.Expires != 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.HTTPOnly {
			oc.HttpOnly = playwright.Bool(true)
		}
		if c.Secure {
			oc.Secure = playwright.Bool(true)
		}
		converted = append(converted, oc)
	}

	if err := b.bctx.AddCookies(converted); err != nil {
		return fmt.Errorf("add cookies: %w", err)
	}

	return nil
}

func (b *playwrightBrowser) Cookies(urls ...string) ([]session.Cookie, error) {
	raw, err := b.bctx.Cookies(urls...)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	out := make([]session.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		})
	}

	return out, nil
}

func (b *playwrightBrowser) Evaluate(expression string) (any, error) {
	return b.page.Evaluate(expression)
}

func (b *playwrightBrowser) Screenshot() ([]byte, error) {
	return b.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	})
}

func (b *playwrightBrowser) Close() error {
	if err := b.browser.Close(); err != nil {
		log.Debug().Err(err).Msg("Browser control close failed")

		return err
	}

	return nil
}
