package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/models"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ungmListPageFixture = `<html><body>
<div class="tableRow">
  <div class="resultTitle"><a href="/Public/Notice/9151917">Provision of logistics services</a></div>
  <div class="resultReference">LRFQ-2019-9151917</div>
  <div class="resultPublished">10-Sep-2019</div>
</div>
<div class="tableRow">
  <div class="resultTitle"><a href="/Public/Notice/9151918">Broken notice</a></div>
  <div class="resultReference"></div>
  <div class="resultPublished">09-Sep-2019</div>
</div>
</body></html>`

const ungmDetailFixture = `<html><body>
<span class="noticeTitle">Provision of logistics services</span>
<span class="noticeReference">LRFQ-2019-9151917</span>
<span class="noticeAgency">UNICEF</span>
<span class="noticeType">Request for Quotation</span>
<div class="noticeField">
  <span class="fieldLabel">Published on</span>
  <span class="fieldValue">10-Sep-2019</span>
</div>
<div class="noticeField">
  <span class="fieldLabel">Deadline on</span>
  <span class="fieldValue">15-Sep-2019 16:45 (GMT-05:00)</span>
</div>
<div class="noticeDescription">Logistics services for country office operations.</div>
<div class="unspscList"><span class="unspscCode">78100000</span></div>
<div class="documentsList">
  <a href="/UNUser/Documents/DownloadPublicDocument?docId=555">RFQ document.pdf</a>
</div>
</body></html>`

// detail page without a reference anywhere: the record must be rejected
const ungmBrokenDetailFixture = `<html><body>
<span class="noticeTitle">Broken notice</span>
</body></html>`

func testScraperConfig() *config.ScraperConfig {
	return &config.ScraperConfig{
		HTTPRequestTimeout: 5 * time.Second,
		RequestRateLimit:   time.Millisecond,
		MaxRetryAttempts:   1,
		RetryDelay:         time.Millisecond,
		LookbackDays:       30,
	}
}

func newUNGMTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/Public/Notice", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>search landing</body></html>")
	})
	mux.HandleFunc("/Public/Notice/Search", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("PageIndex") == "0" {
			fmt.Fprint(w, ungmListPageFixture)
			return
		}
		fmt.Fprint(w, "<html><body></body></html>")
	})
	mux.HandleFunc("/Public/Notice/9151917", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ungmDetailFixture)
	})
	mux.HandleFunc("/Public/Notice/9151918", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ungmBrokenDetailFixture)
	})

	return httptest.NewServer(mux)
}

func TestUNGMScrapeParsesListAndDetail(t *testing.T) {
	server := newUNGMTestServer(t)
	defer server.Close()

	scraper := NewUNGMScraper(server.URL, testScraperConfig())
	since := time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC)

	notices, err := scraper.Scrape(context.Background(), since)
	require.NoError(t, err)

	// the second row's detail page has no reference and no list fallback
	require.Len(t, notices, 1)
	notice := notices[0]

	assert.Equal(t, models.SourceUNGM, notice.Tender.Source)
	assert.Equal(t, "LRFQ-2019-9151917", notice.Tender.Reference)
	assert.Equal(t, "Provision of logistics services", notice.Tender.Title)
	assert.Equal(t, "UNICEF", notice.Tender.Organization)
	assert.Equal(t, "Request for Quotation", notice.Tender.NoticeType)
	assert.Equal(t, []string{"78100000"}, notice.Tender.UNSPSCCodes)

	require.NotNil(t, notice.Tender.Deadline)
	assert.Equal(t, time.Date(2019, 9, 15, 21, 45, 0, 0, time.UTC), *notice.Tender.Deadline)

	require.Len(t, notice.Documents, 1)
	assert.Equal(t, "RFQ document.pdf", notice.Documents[0].Name)
	assert.Contains(t, notice.Documents[0].DownloadURL, "docId=555")
}

func TestUNGMScrapeEndToEndReconcile(t *testing.T) {
	server := newUNGMTestServer(t)
	defer server.Close()

	scraper := NewUNGMScraper(server.URL, testScraperConfig())
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	since := time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC)
	notices, err := scraper.Scrape(context.Background(), since)
	require.NoError(t, err)

	for _, notice := range notices {
		_, reconcileErr := reconciler.ReconcileNotice(context.Background(), notice, AwardValueReplace)
		require.NoError(t, reconcileErr)
	}

	require.Len(t, store.tenders, 1)
	tender := store.tenders["LRFQ-2019-9151917"]
	require.NotNil(t, tender)
	assert.False(t, tender.Notified)

	documents, err := store.ListDocumentsByTender(context.Background(), tender.ID)
	require.NoError(t, err)
	assert.Len(t, documents, 1)
}

func TestUNGMScrapeReportsDetailFetchFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Public/Notice", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>search landing</body></html>")
	})
	mux.HandleFunc("/Public/Notice/Search", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("PageIndex") == "0" {
			fmt.Fprint(w, ungmListPageFixture)
			return
		}
		fmt.Fprint(w, "<html><body></body></html>")
	})
	mux.HandleFunc("/Public/Notice/9151917", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ungmDetailFixture)
	})
	// the second row's detail page is not served, so its fetch fails
	server := httptest.NewServer(mux)
	defer server.Close()

	scraper := NewUNGMScraper(server.URL, testScraperConfig())
	since := time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC)

	notices, err := scraper.Scrape(context.Background(), since)

	// the reachable notice still comes back, with a retryable partial error
	// so the caller holds its watermark
	require.Error(t, err)
	assert.True(t, shared.IsRetryableError(err))
	assert.False(t, shared.IsRunFatalError(err))
	require.Len(t, notices, 1)
	assert.Equal(t, "LRFQ-2019-9151917", notices[0].Tender.Reference)
}

func TestUNGMParseDetailFieldFallbacks(t *testing.T) {
	scraper := NewUNGMScraper("https://www.ungm.org", testScraperConfig())
	published := time.Date(2019, 9, 10, 0, 0, 0, 0, time.UTC)
	row := ungmListRow{
		Reference: "LRFQ-FROM-LIST",
		Title:     "Title from list row",
		URL:       "https://www.ungm.org/Public/Notice/1",
		Published: &published,
	}

	// a minimal detail page: the list row fills what the page lacks
	notice, err := scraper.parseDetail([]byte("<html><body><span class='noticeAgency'>WFP</span></body></html>"), row)
	require.NoError(t, err)

	assert.Equal(t, "LRFQ-FROM-LIST", notice.Tender.Reference)
	assert.Equal(t, "Title from list row", notice.Tender.Title)
	assert.Equal(t, "WFP", notice.Tender.Organization)
	require.NotNil(t, notice.Tender.Published)
	assert.True(t, notice.Tender.Published.Equal(published))
}

func TestUNGMPaginationStopsAtCutoff(t *testing.T) {
	pagesServed := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/Public/Notice", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body></body></html>")
	})
	mux.HandleFunc("/Public/Notice/Search", func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		// every page reports only notices older than the cutoff
		fmt.Fprint(w, `<html><body><div class="tableRow">
			<div class="resultTitle"><a href="/Public/Notice/1">Old notice</a></div>
			<div class="resultReference">OLD-1</div>
			<div class="resultPublished">01-Jan-2015</div>
		</div></body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	scraper := NewUNGMScraper(server.URL, testScraperConfig())
	since := time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC)

	rows, err := scraper.fetchListRows(since)
	require.NoError(t, err)

	assert.Empty(t, rows)
	assert.Equal(t, 1, pagesServed)
}
