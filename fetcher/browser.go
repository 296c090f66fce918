package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// userDataDir returns a persistent directory for Chrome user data, so
// challenge cookies survive between renders.
func userDataDir() string {
	dir, _ := os.UserCacheDir()
	return filepath.Join(dir, "animeheal-chrome-profile")
}

// stealthScript contains JavaScript to mask automation detection.
// Based on puppeteer-extra-plugin-stealth techniques.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {
    get: () => undefined,
});

window.chrome = {
    runtime: {},
    loadTimes: function() {},
    csi: function() {},
    app: {},
};

Object.defineProperty(navigator, 'plugins', {
    get: () => [
        { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
        { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '' },
    ],
});

Object.defineProperty(navigator, 'languages', {
    get: () => ['pt-BR', 'pt', 'en-US', 'en'],
});

const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
    parameters.name === 'notifications' ?
        Promise.resolve({ state: Notification.permission }) :
        originalQuery(parameters)
);
`

// Render loads url in headless Chrome and returns the document markup after
// scripts and challenge pages have run.
func Render(ctx context.Context, targetURL string, o Options) (string, error) {
	allocOpts := []chromedp.ExecAllocatorOption{
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoFirstRun,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("password-store", "basic"),
		chromedp.Flag("use-mock-keychain", true),
		chromedp.Flag("headless", "new"),
		chromedp.UserAgent(o.UserAgent),
		chromedp.WindowSize(1280, 900),
		chromedp.UserDataDir(userDataDir()),
	}
	if o.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(o.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer allocCancel()

	// Browser renders get extra time on top of the HTTP timeout.
	timeout := o.Timeout + 15*time.Second
	if timeout < 45*time.Second {
		timeout = 45 * time.Second
	}
	bctx, cancel := context.WithTimeout(allocCtx, timeout)
	defer cancel()

	bctx, cancel = chromedp.NewContext(bctx)
	defer cancel()

	var html string
	err := chromedp.Run(bctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		network.SetExtraHTTPHeaders(network.Headers(map[string]interface{}{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": o.AcceptLanguage,
		})),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		// Cloudflare interstitials clear themselves after a few seconds.
		chromedp.ActionFunc(func(ctx context.Context) error {
			var title string
			if err := chromedp.Title(&title).Do(ctx); err != nil {
				return nil
			}
			if strings.Contains(title, "Just a moment") {
				return chromedp.Sleep(5 * time.Second).Do(ctx)
			}
			return nil
		}),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("browser fetch: %w", err)
	}
	return html, nil
}
