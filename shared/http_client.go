package shared

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// BrowserUserAgent is the user agent presented on every outbound request,
// plain HTTP and headless browser alike.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// HTTPFetcher downloads raw document bytes with bounded retry and a shared
// cookie jar, so portals that hand out session cookies on the landing page
// keep working across the list POST requests.
type HTTPFetcher struct {
	client           *http.Client
	rateLimiter      *RequestRateLimiter
	maxRetryAttempts int
	retryDelay       time.Duration
}

// NewHTTPFetcher creates a fetcher with connection pooling and a cookie jar
func NewHTTPFetcher(timeout time.Duration, rateLimit time.Duration, maxRetryAttempts int, retryDelay time.Duration) *HTTPFetcher {
	jar, _ := cookiejar.New(nil)

	client := &http.Client{
		Timeout: timeout,
		Jar:     jar,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			DisableKeepAlives:     false,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    false,
		},
	}

	return &HTTPFetcher{
		client:           client,
		rateLimiter:      NewRequestRateLimiter(rateLimit),
		maxRetryAttempts: maxRetryAttempts,
		retryDelay:       retryDelay,
	}
}

// SetBrowserLikeHeaders configures request headers to mimic browser behavior
func SetBrowserLikeHeaders(request *http.Request, acceptHeader string) {
	request.Header.Set("User-Agent", BrowserUserAgent)
	request.Header.Set("Accept", acceptHeader)
	request.Header.Set("Accept-Language", "en-US,en;q=0.9")
	request.Header.Set("Cache-Control", "no-cache")
	request.Header.Set("Connection", "keep-alive")
}

// Get fetches a URL and returns the response body bytes. Transport failures
// after all retries come back as a transport-category error; callers skip the
// affected record rather than aborting the run.
func (f *HTTPFetcher) Get(rawURL string) ([]byte, error) {
	request, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, WrapError(err, ErrorCategoryTransport, "BAD_REQUEST", "", "Get", false)
	}
	SetBrowserLikeHeaders(request, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	return f.execute(request, nil)
}

// PostForm performs a GET against getURL first to pick up session cookies,
// then POSTs the form payload to postURL and returns the response body.
func (f *HTTPFetcher) PostForm(getURL, postURL string, payload url.Values) ([]byte, error) {
	if getURL != "" {
		warmup, err := http.NewRequest(http.MethodGet, getURL, nil)
		if err != nil {
			return nil, WrapError(err, ErrorCategoryTransport, "BAD_REQUEST", "", "PostForm", false)
		}
		SetBrowserLikeHeaders(warmup, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		if _, err := f.execute(warmup, nil); err != nil {
			return nil, err
		}
	}

	body := payload.Encode()
	request, err := http.NewRequest(http.MethodPost, postURL, strings.NewReader(body))
	if err != nil {
		return nil, WrapError(err, ErrorCategoryTransport, "BAD_REQUEST", "", "PostForm", false)
	}
	SetBrowserLikeHeaders(request, "application/json, text/plain, */*")
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	request.Header.Set("X-Requested-With", "XMLHttpRequest")
	if getURL != "" {
		request.Header.Set("Referer", getURL)
	}

	return f.execute(request, []byte(body))
}

// execute runs the request with rate limiting and bounded retry
func (f *HTTPFetcher) execute(request *http.Request, bodyForRetry []byte) ([]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component": "HTTPFetcher",
		"method":    request.Method,
		"url":       request.URL.String(),
	})

	var lastExecutionError error

	for attemptNumber := 0; attemptNumber <= f.maxRetryAttempts; attemptNumber++ {
		if attemptNumber > 0 {
			logger.WithFields(logrus.Fields{
				"attempt":     attemptNumber + 1,
				"retry_delay": f.retryDelay,
			}).Debug("Retrying HTTP request after delay")
			time.Sleep(f.retryDelay)

			// Request bodies are consumed on send; rebuild before each retry
			if bodyForRetry != nil {
				request.Body = io.NopCloser(bytes.NewReader(bodyForRetry))
			}
		}

		f.rateLimiter.EnforceRateLimit()

		response, err := f.client.Do(request)
		if err != nil {
			lastExecutionError = fmt.Errorf("attempt %d failed with network error: %w", attemptNumber+1, err)
			logger.WithError(err).Debug("HTTP request failed with network error")
			continue
		}

		if response.StatusCode != http.StatusOK {
			lastExecutionError = fmt.Errorf("attempt %d failed with HTTP %d: %s", attemptNumber+1, response.StatusCode, http.StatusText(response.StatusCode))
			logger.WithField("status_code", response.StatusCode).Debug("HTTP request failed with non-200 status")
			response.Body.Close()
			continue
		}

		payload, readErr := io.ReadAll(response.Body)
		response.Body.Close()
		if readErr != nil {
			lastExecutionError = fmt.Errorf("attempt %d failed reading response body: %w", attemptNumber+1, readErr)
			continue
		}

		logger.WithFields(logrus.Fields{
			"attempt": attemptNumber + 1,
			"bytes":   len(payload),
		}).Debug("HTTP request successful")
		return payload, nil
	}

	totalAttempts := f.maxRetryAttempts + 1
	logger.WithFields(logrus.Fields{
		"total_attempts": totalAttempts,
		"final_error":    lastExecutionError,
	}).Error("HTTP request failed after all retry attempts")

	return nil, NewScrapeError(
		ErrorCategoryTransport,
		"HTTP_RETRIES_EXHAUSTED",
		fmt.Sprintf("HTTP request failed after %d attempts: %v", totalAttempts, lastExecutionError),
		"",
		request.Method+" "+request.URL.String(),
		false,
		lastExecutionError,
	)
}

// CleanupResources closes idle connections held by the underlying transport
func (f *HTTPFetcher) CleanupResources() {
	if transport, ok := f.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
