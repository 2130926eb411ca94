package services

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	docx "github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"
	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/models"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/sirupsen/logrus"
)

// IUCNScraper walks the IUCN procurement listing: an HTML table whose rows
// link to PDF or DOCX notices. The first attachment of each row is downloaded
// and text-extracted; the tender fields come out of the extracted text via
// anchored marker search, since the attachments have no machine-readable
// structure.
type IUCNScraper struct {
	baseURL     string
	fetcher     *shared.HTTPFetcher
	textService *TextService
	metrics     *shared.RunMetrics
}

// NewIUCNScraper creates the IUCN attachment scraper
func NewIUCNScraper(baseURL string, scraperConfig *config.ScraperConfig) *IUCNScraper {
	if scraperConfig == nil {
		scraperConfig = config.DefaultScraperConfig()
	}
	return &IUCNScraper{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: shared.NewHTTPFetcher(scraperConfig.HTTPRequestTimeout, scraperConfig.RequestRateLimit,
			scraperConfig.MaxRetryAttempts, scraperConfig.RetryDelay),
		textService: NewTextService(),
		metrics:     shared.NewRunMetrics(string(models.SourceIUCN)),
	}
}

func (s *IUCNScraper) Source() models.Source {
	return models.SourceIUCN
}

// Scrape fetches the listing page and processes each row. Rows whose
// published date predates the cutoff are skipped, not deleted: the listing
// is newest-first and older items are presumed already seen.
func (s *IUCNScraper) Scrape(ctx context.Context, since time.Time) ([]*models.ParsedNotice, error) {
	body, err := s.fetcher.Get(s.baseURL + "/procurement/currently-running-tenders")
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryRunFatal, "IUCN_LISTING_UNREACHABLE",
			string(models.SourceIUCN), "Scrape", false)
	}

	rows, err := s.parseListing(body)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"component": "iucn_scraper",
		"rows":      len(rows),
		"since":     since.Format("2006-01-02"),
	}).Info("IUCN listing parsed")

	var notices []*models.ParsedNotice
	var firstRowErr error
	for _, row := range rows {
		if ctx.Err() != nil {
			return notices, ctx.Err()
		}

		notice, err := s.processRow(row)
		if err != nil {
			s.metrics.RecordTransportError()
			logrus.WithFields(logrus.Fields{
				"component":  "iucn_scraper",
				"attachment": row.AttachmentURL,
			}).WithError(err).Warn("Skipping IUCN row, attachment failed")
			if firstRowErr == nil {
				firstRowErr = err
			}
			continue
		}
		if notice == nil || notice.Tender.Reference == "" {
			s.metrics.RecordRejected()
			continue
		}
		if notice.Tender.Published != nil && notice.Tender.Published.Before(since) {
			continue
		}
		notices = append(notices, notice)
	}

	s.metrics.LogSummary()
	if firstRowErr != nil {
		// retryable partial error: the caller keeps its watermark so the
		// skipped rows are retried next run
		return notices, shared.NewScrapeError(shared.ErrorCategoryTransport,
			"IUCN_ATTACHMENT_FETCH_FAILED", "one or more attachments could not be fetched",
			string(models.SourceIUCN), "Scrape", true, firstRowErr)
	}
	return notices, nil
}

// iucnListRow is one row of the procurement listing table
type iucnListRow struct {
	Title         string
	AttachmentURL string
	IsAward       bool
}

func (s *IUCNScraper) parseListing(body []byte) ([]iucnListRow, error) {
	document, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryParse, "IUCN_LISTING_UNPARSEABLE",
			string(models.SourceIUCN), "parseListing", false)
	}

	var rows []iucnListRow
	document.Find("table.tender-table tbody tr").Each(func(_ int, selection *goquery.Selection) {
		link := selection.Find("td a[href]").First()
		href, _ := link.Attr("href")
		if href == "" {
			return
		}
		rowText := strings.ToLower(selection.Text())
		rows = append(rows, iucnListRow{
			Title:         s.textService.NormalizeTextContent(link.Text()),
			AttachmentURL: absoluteURL(s.baseURL, href),
			IsAward:       strings.Contains(rowText, "award"),
		})
	})
	return rows, nil
}

// processRow downloads the row's first attachment, extracts its text and
// pulls the tender fields out of it.
func (s *IUCNScraper) processRow(row iucnListRow) (*models.ParsedNotice, error) {
	data, err := s.fetcher.Get(row.AttachmentURL)
	if err != nil {
		return nil, err
	}

	text, err := ExtractAttachmentText(row.AttachmentURL, data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component":  "iucn_scraper",
			"attachment": row.AttachmentURL,
		}).WithError(err).Warn("IUCN attachment text extraction failed")
		return nil, nil
	}

	notice := s.parseNoticeText(row, text)
	if notice != nil {
		notice.Documents = append(notice.Documents, models.ParsedDocumentRef{
			Name:        path.Base(row.AttachmentURL),
			DownloadURL: row.AttachmentURL,
		})
	}
	return notice, nil
}

// parseNoticeText recovers the tender fields from extracted attachment text
// by anchored substring search. The reference marker has a French fallback
// because IUCN publishes bilingual notices.
func (s *IUCNScraper) parseNoticeText(row iucnListRow, text string) *models.ParsedNotice {
	reference := s.textService.ExtractAfterMarker(text, "RfP Reference:", "Référence:")
	if reference == "" {
		return nil
	}

	title := s.textService.ExtractAfterMarker(text, "RfP Title:", "Titre:")
	if title == "" {
		title = row.Title
	}

	published := s.textService.ExtractFirstDateAfter(text, "Date of issue:")
	if published == nil {
		today := time.Now().UTC().Truncate(24 * time.Hour)
		published = &today
	}

	noticeType := "Request for Proposals"
	if row.IsAward {
		noticeType = "Contract Award"
	}

	notice := &models.ParsedNotice{
		Tender: models.ParsedTender{
			Source:      models.SourceIUCN,
			Reference:   reference,
			Title:       title,
			NoticeType:  noticeType,
			Published:   published,
			Description: s.textService.TruncateText(s.textService.NormalizeTextContent(text), 4000),
			URL:         row.AttachmentURL,
		},
	}

	if row.IsAward {
		if award := s.parseAwardText(text); award != nil {
			notice.Awards = append(notice.Awards, *award)
		}
	}
	return notice
}

// parseAwardText extracts the award facts from the attachment text: the
// first date after the DATE marker, the first numeric token as value, the
// first all-caps token as currency and the awarded-to line as vendor.
func (s *IUCNScraper) parseAwardText(text string) *models.ParsedAward {
	award := &models.ParsedAward{
		AwardDate: s.textService.ExtractFirstDateAfter(text, "DATE"),
	}

	if valueText := s.textService.ExtractAfterMarker(text, "Contract value:", "Valeur du contrat:"); valueText != "" {
		award.Value = s.textService.ExtractFirstNumeric(valueText)
		award.Currency = s.textService.ExtractCurrencyToken(valueText)
	}

	vendorName := s.textService.ExtractAfterMarker(text, "Awarded to:", "Attribué à:")
	if vendorName != "" {
		award.Vendors = append(award.Vendors, models.ParsedVendor{Name: vendorName})
	}

	if award.Value == nil && award.AwardDate == nil && len(award.Vendors) == 0 {
		return nil
	}
	return award
}

// ExtractAttachmentText pulls plain text out of a PDF text layer or the
// paragraph runs of a DOCX body, chosen by file extension.
func ExtractAttachmentText(attachmentURL string, data []byte) (string, error) {
	switch strings.ToLower(path.Ext(attachmentURL)) {
	case ".pdf":
		return extractPDFText(data)
	case ".docx":
		return extractDOCXText(data)
	default:
		return "", shared.NewScrapeError(shared.ErrorCategoryParse, "UNSUPPORTED_ATTACHMENT",
			"attachment is neither PDF nor DOCX", string(models.SourceIUCN), "ExtractAttachmentText", false, nil)
	}
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", shared.WrapError(err, shared.ErrorCategoryParse, "PDF_UNREADABLE",
			string(models.SourceIUCN), "extractPDFText", false)
	}

	plainText, err := reader.GetPlainText()
	if err != nil {
		return "", shared.WrapError(err, shared.ErrorCategoryParse, "PDF_NO_TEXT_LAYER",
			string(models.SourceIUCN), "extractPDFText", false)
	}

	var builder bytes.Buffer
	if _, err := builder.ReadFrom(plainText); err != nil {
		return "", shared.WrapError(err, shared.ErrorCategoryParse, "PDF_TEXT_READ_FAILED",
			string(models.SourceIUCN), "extractPDFText", false)
	}
	return builder.String(), nil
}

func extractDOCXText(data []byte) (string, error) {
	document, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", shared.WrapError(err, shared.ErrorCategoryParse, "DOCX_UNREADABLE",
			string(models.SourceIUCN), "extractDOCXText", false)
	}

	var builder strings.Builder
	for _, item := range document.Document.Body.Items {
		if paragraph, ok := item.(*docx.Paragraph); ok {
			builder.WriteString(paragraph.String())
			builder.WriteString("\n")
		}
	}
	return builder.String(), nil
}
