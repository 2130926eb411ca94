package services

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/models"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/sirupsen/logrus"
)

const ungmListPageSize = 15

// ungmListRow is one row of the paginated search results
type ungmListRow struct {
	Reference string
	Title     string
	URL       string
	Published *time.Time
}

// ungmDetailField is one entry of the per-field extraction table for the
// notice detail page. Selectors are tried in order; the first one yielding
// non-empty text wins, otherwise the label pattern is matched against the
// page's label/value pairs.
type ungmDetailField struct {
	name         string
	selectors    []string
	labelPattern *regexp.Regexp
}

var ungmDetailFields = []ungmDetailField{
	{name: "title", selectors: []string{"span.noticeTitle", "div.title"}, labelPattern: regexp.MustCompile(`(?i)^title`)},
	{name: "reference", selectors: []string{"span.noticeReference"}, labelPattern: regexp.MustCompile(`(?i)^reference`)},
	{name: "organization", selectors: []string{"span.noticeAgency"}, labelPattern: regexp.MustCompile(`(?i)^(un organization|agency)`)},
	{name: "notice_type", selectors: []string{"span.noticeType"}, labelPattern: regexp.MustCompile(`(?i)^notice type`)},
	{name: "published", selectors: []string{"span.noticePublished"}, labelPattern: regexp.MustCompile(`(?i)^published`)},
	{name: "deadline", selectors: []string{"span.noticeDeadline"}, labelPattern: regexp.MustCompile(`(?i)^deadline`)},
	{name: "description", selectors: []string{"div.noticeDescription"}, labelPattern: regexp.MustCompile(`(?i)^description`)},
}

// UNGMScraper walks the UNGM public notice search: a session-cookie POST
// pagination over the list, then one static GET per notice detail page. The
// detail pages are script-rendered for some notice types, so a headless
// browser render is kept as the fallback when the static markup carries none
// of the expected fields.
type UNGMScraper struct {
	baseURL       string
	fetcher       *shared.HTTPFetcher
	browser       *shared.BrowserFetcher
	textService   *TextService
	scraperConfig *config.ScraperConfig
	metrics       *shared.RunMetrics
}

// NewUNGMScraper creates the UNGM portal scraper
func NewUNGMScraper(baseURL string, scraperConfig *config.ScraperConfig) *UNGMScraper {
	if scraperConfig == nil {
		scraperConfig = config.DefaultScraperConfig()
	}
	return &UNGMScraper{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: shared.NewHTTPFetcher(scraperConfig.HTTPRequestTimeout, scraperConfig.RequestRateLimit,
			scraperConfig.MaxRetryAttempts, scraperConfig.RetryDelay),
		browser:       shared.NewBrowserFetcher(scraperConfig.HTTPRequestTimeout),
		textService:   NewTextService(),
		scraperConfig: scraperConfig,
		metrics:       shared.NewRunMetrics(string(models.SourceUNGM)),
	}
}

func (s *UNGMScraper) Source() models.Source {
	return models.SourceUNGM
}

// Scrape walks the list pages newest-first until a page yields zero rows or
// every row predates the cutoff, then fetches and parses each detail page.
// A failed detail fetch skips that notice; the run then reports a retryable
// partial error so the caller does not advance its watermark past the
// skipped notice.
func (s *UNGMScraper) Scrape(ctx context.Context, since time.Time) ([]*models.ParsedNotice, error) {
	rows, err := s.fetchListRows(since)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"component": "ungm_scraper",
		"rows":      len(rows),
		"since":     since.Format("2006-01-02"),
	}).Info("UNGM list pages walked")

	var notices []*models.ParsedNotice
	var firstDetailErr error
	for _, row := range rows {
		if ctx.Err() != nil {
			return notices, ctx.Err()
		}

		notice, err := s.fetchDetail(ctx, row)
		if err != nil {
			s.metrics.RecordTransportError()
			logrus.WithFields(logrus.Fields{
				"component": "ungm_scraper",
				"reference": row.Reference,
				"url":       row.URL,
			}).WithError(err).Warn("Skipping UNGM notice, detail fetch failed")
			if firstDetailErr == nil {
				firstDetailErr = err
			}
			continue
		}
		if notice.Tender.Reference == "" {
			s.metrics.RecordRejected()
			logrus.WithFields(logrus.Fields{
				"component": "ungm_scraper",
				"url":       row.URL,
			}).Warn("Rejecting UNGM notice without reference")
			continue
		}
		notices = append(notices, notice)
	}

	s.metrics.LogSummary()
	if firstDetailErr != nil {
		return notices, shared.NewScrapeError(shared.ErrorCategoryTransport,
			"UNGM_DETAIL_FETCH_FAILED", "one or more detail pages could not be fetched",
			string(models.SourceUNGM), "Scrape", true, firstDetailErr)
	}
	return notices, nil
}

// fetchListRows drives the session-cookie POST pagination. The search
// endpoint only answers with result rows once the landing page has handed
// out its cookies, so the collector visits it first.
func (s *UNGMScraper) fetchListRows(since time.Time) ([]ungmListRow, error) {
	collector := colly.NewCollector(
		colly.UserAgent(shared.BrowserUserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(s.scraperConfig.HTTPRequestTimeout)
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Delay: s.scraperConfig.RequestRateLimit}); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryTransport, "COLLECTOR_LIMIT_FAILED",
			string(models.SourceUNGM), "fetchListRows", false)
	}

	var pageRows []ungmListRow
	collector.OnHTML("div.tableRow", func(element *colly.HTMLElement) {
		row := ungmListRow{
			Title:     s.textService.NormalizeTextContent(element.ChildText("div.resultTitle")),
			Reference: s.textService.NormalizeTextContent(element.ChildText("div.resultReference")),
			Published: s.textService.ParseDate(element.ChildText("div.resultPublished")),
		}
		if href := element.ChildAttr("div.resultTitle a", "href"); href != "" {
			row.URL = element.Request.AbsoluteURL(href)
		}
		pageRows = append(pageRows, row)
	})

	if err := collector.Visit(s.baseURL + "/Public/Notice"); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryTransport, "UNGM_LANDING_FAILED",
			string(models.SourceUNGM), "fetchListRows", true)
	}

	var rows []ungmListRow
	for pageIndex := 0; ; pageIndex++ {
		pageRows = nil
		payload := map[string]string{
			"PageIndex":     strconv.Itoa(pageIndex),
			"PageSize":      strconv.Itoa(ungmListPageSize),
			"PublishedFrom": since.Format("02-Jan-2006"),
			"SortField":     "DatePublished",
			"SortAscending": "false",
		}
		if err := collector.Post(s.baseURL+"/Public/Notice/Search", payload); err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryTransport, "UNGM_SEARCH_FAILED",
				string(models.SourceUNGM), "fetchListRows", true)
		}

		// pagination terminates on the first empty page
		if len(pageRows) == 0 {
			break
		}

		pastCutoff := false
		for _, row := range pageRows {
			if row.Published != nil && row.Published.Before(since) {
				pastCutoff = true
				continue
			}
			rows = append(rows, row)
		}
		if pastCutoff {
			break
		}
	}

	return rows, nil
}

// fetchDetail fetches and parses one notice detail page. When the static
// response carries none of the expected fields the page is re-fetched
// through the headless browser before giving up.
func (s *UNGMScraper) fetchDetail(ctx context.Context, row ungmListRow) (*models.ParsedNotice, error) {
	body, err := s.fetcher.Get(row.URL)
	if err != nil {
		return nil, err
	}

	notice, err := s.parseDetail(body, row)
	if err != nil {
		return nil, err
	}

	if notice.Tender.Reference == "" && notice.Tender.Title == "" {
		rendered, renderErr := s.browser.RenderPage(ctx, row.URL, "span.noticeTitle")
		if renderErr != nil {
			logrus.WithFields(logrus.Fields{
				"component": "ungm_scraper",
				"url":       row.URL,
			}).WithError(renderErr).Warn("Browser render fallback failed")
			return notice, nil
		}
		return s.parseDetail([]byte(rendered), row)
	}

	return notice, nil
}

// parseDetail extracts the tender fields via the per-field table, plus the
// document links and the UNSPSC code list. Malformed optional fields degrade
// to their fallback instead of failing the record.
func (s *UNGMScraper) parseDetail(body []byte, row ungmListRow) (*models.ParsedNotice, error) {
	document, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryParse, "UNGM_DETAIL_UNPARSEABLE",
			string(models.SourceUNGM), "parseDetail", false)
	}

	fields := make(map[string]string, len(ungmDetailFields))
	for _, field := range ungmDetailFields {
		fields[field.name] = s.extractField(document, field)
	}

	tender := models.ParsedTender{
		Source:       models.SourceUNGM,
		Reference:    fields["reference"],
		Title:        fields["title"],
		Organization: fields["organization"],
		NoticeType:   fields["notice_type"],
		Description:  s.textService.TruncateText(fields["description"], 4000),
		URL:          row.URL,
		Published:    s.textService.ParseDate(fields["published"]),
		Deadline:     s.textService.ParseDeadlineWithOffset(fields["deadline"]),
	}

	// list row values fill whatever the detail page did not yield
	if tender.Reference == "" {
		tender.Reference = row.Reference
	}
	if tender.Title == "" {
		tender.Title = row.Title
	}
	if tender.Published == nil {
		tender.Published = row.Published
	}

	document.Find("div.unspscList span.unspscCode").Each(func(_ int, selection *goquery.Selection) {
		if code := strings.TrimSpace(selection.Text()); code != "" {
			tender.UNSPSCCodes = append(tender.UNSPSCCodes, code)
		}
	})

	notice := &models.ParsedNotice{Tender: tender}
	document.Find("div.documentsList a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		name := s.textService.NormalizeTextContent(selection.Text())
		if name == "" || href == "" {
			return
		}
		notice.Documents = append(notice.Documents, models.ParsedDocumentRef{
			Name:        name,
			DownloadURL: absoluteURL(s.baseURL, href),
		})
	})

	return notice, nil
}

// extractField tries the field's selectors first, then falls back to
// matching the label pattern against the page's label/value pairs.
func (s *UNGMScraper) extractField(document *goquery.Document, field ungmDetailField) string {
	for _, selector := range field.selectors {
		if text := s.textService.NormalizeTextContent(document.Find(selector).First().Text()); text != "" {
			return text
		}
	}

	value := ""
	document.Find("div.noticeField").EachWithBreak(func(_ int, selection *goquery.Selection) bool {
		label := strings.TrimSpace(selection.Find("span.fieldLabel").Text())
		if field.labelPattern != nil && field.labelPattern.MatchString(label) {
			value = s.textService.NormalizeTextContent(selection.Find("span.fieldValue").Text())
			return false
		}
		return true
	})
	return value
}

func absoluteURL(baseURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return baseURL + "/" + strings.TrimLeft(href, "/")
}
