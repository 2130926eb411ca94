package shared

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// BrowserFetcher renders script-driven pages in headless Chrome. The UNGM
// detail pages populate their field tables client-side, so when a plain HTTP
// fetch comes back without the expected markup this is the fallback path.
type BrowserFetcher struct {
	timeout time.Duration
}

// NewBrowserFetcher creates a headless-browser fetcher
func NewBrowserFetcher(timeout time.Duration) *BrowserFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BrowserFetcher{timeout: timeout}
}

// RenderPage navigates to the URL, waits for waitSelector to become visible
// and returns the rendered outer HTML
func (f *BrowserFetcher) RenderPage(parent context.Context, pageURL, waitSelector string) (string, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component":     "BrowserFetcher",
		"url":           pageURL,
		"wait_selector": waitSelector,
	})

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("mute-audio", true),
		chromedp.UserAgent(BrowserUserAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	defer cancelAlloc()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, cancel = context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var renderedHTML string
	err := chromedp.Run(ctx,
		chromedp.EmulateViewport(1920, 1080),
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(waitSelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &renderedHTML, chromedp.ByQuery),
	)
	if err != nil {
		wrappedError := NewScrapeError(
			ErrorCategoryTransport,
			"BROWSER_RENDER_FAILED",
			"Failed to render page with headless browser",
			"",
			"RenderPage",
			true,
			err,
		)
		wrappedError.LogError()
		return "", wrappedError
	}

	logger.WithField("html_length", len(renderedHTML)).Debug("Rendered page with headless browser")
	return renderedHTML, nil
}
