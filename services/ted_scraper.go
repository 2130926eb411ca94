package services

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/models"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/sirupsen/logrus"
)

// daily package archives are named like 20190915_174.tar.gz
var tedArchiveNameRegex = regexp.MustCompile(`^(\d{8})_\d+\.tar\.gz$`)

// TEDScraper pulls the daily notice packages off the TED FTP server. Each
// package is a gzipped tarball with one XML file per notice; a notice must
// pass the full accept-list conjunction before it is parsed at all.
type TEDScraper struct {
	ftpConfig   shared.FTPConfig
	filter      *config.TEDFilterConfig
	textService *TextService
	metrics     *shared.RunMetrics
	basePath    string
}

// NewTEDScraper creates the TED feed scraper
func NewTEDScraper(ftpConfig shared.FTPConfig, filter *config.TEDFilterConfig) *TEDScraper {
	if filter == nil {
		filter = config.DefaultTEDFilterConfig()
	}
	return &TEDScraper{
		ftpConfig:   ftpConfig,
		filter:      filter,
		textService: NewTextService(),
		metrics:     shared.NewRunMetrics(string(models.SourceTED)),
		basePath:    "daily-packages",
	}
}

func (s *TEDScraper) Source() models.Source {
	return models.SourceTED
}

// Scrape downloads every daily package newer than the cutoff and parses the
// notices that pass the filter. A failed login or unreachable server is run
// fatal; a single corrupt archive is skipped.
func (s *TEDScraper) Scrape(ctx context.Context, since time.Time) ([]*models.ParsedNotice, error) {
	ftpClient := shared.NewFTPClient(s.ftpConfig)
	if err := ftpClient.Login(); err != nil {
		return nil, err
	}
	defer ftpClient.Quit()

	archives, err := s.listArchivesSince(ftpClient, since)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"component": "ted_scraper",
		"archives":  len(archives),
		"since":     since.Format("2006-01-02"),
	}).Info("TED daily packages listed")

	var notices []*models.ParsedNotice
	var firstDownloadErr error
	for _, archivePath := range archives {
		if ctx.Err() != nil {
			return notices, ctx.Err()
		}

		data, err := ftpClient.Download(archivePath)
		if err != nil {
			s.metrics.RecordTransportError()
			logrus.WithFields(logrus.Fields{
				"component": "ted_scraper",
				"archive":   archivePath,
			}).WithError(err).Warn("Skipping TED archive, download failed")
			if firstDownloadErr == nil {
				firstDownloadErr = err
			}
			continue
		}

		archiveNotices, err := s.ParseArchive(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "ted_scraper",
				"archive":   archivePath,
			}).WithError(err).Warn("Skipping TED archive, unreadable")
			continue
		}
		notices = append(notices, archiveNotices...)
	}

	s.metrics.LogSummary()
	if firstDownloadErr != nil {
		// retryable partial error: a skipped daily package must stay inside
		// the next run's window
		return notices, shared.NewScrapeError(shared.ErrorCategoryTransport,
			"TED_ARCHIVE_DOWNLOAD_FAILED", "one or more daily packages could not be downloaded",
			string(models.SourceTED), "Scrape", true, firstDownloadErr)
	}
	return notices, nil
}

// listArchivesSince lists the per-month directories covering the cutoff
// window and keeps the archives dated after the cutoff.
func (s *TEDScraper) listArchivesSince(ftpClient *shared.FTPClient, since time.Time) ([]string, error) {
	var archives []string

	month := time.Date(since.Year(), since.Month(), 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()
	for !month.After(now) {
		dirPath := fmt.Sprintf("%s/%04d/%02d", s.basePath, month.Year(), int(month.Month()))
		names, err := ftpClient.ListDir(dirPath)
		if err != nil {
			// current month's directory can lag on the first of the month
			logrus.WithFields(logrus.Fields{
				"component": "ted_scraper",
				"path":      dirPath,
			}).WithError(err).Warn("TED package directory listing failed")
			month = month.AddDate(0, 1, 0)
			continue
		}

		for _, name := range names {
			matches := tedArchiveNameRegex.FindStringSubmatch(name)
			if matches == nil {
				continue
			}
			archiveDate, err := time.Parse("20060102", matches[1])
			if err != nil || !archiveDate.After(since) {
				continue
			}
			archives = append(archives, dirPath+"/"+name)
		}
		month = month.AddDate(0, 1, 0)
	}

	return archives, nil
}

// ParseArchive unpacks one daily package and parses every notice that passes
// the accept-list filter. Filtered-out notices are dropped without parsing.
func (s *TEDScraper) ParseArchive(data []byte) ([]*models.ParsedNotice, error) {
	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryParse, "TED_ARCHIVE_CORRUPT",
			string(models.SourceTED), "ParseArchive", false)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	var notices []*models.ParsedNotice
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return notices, shared.WrapError(err, shared.ErrorCategoryParse, "TED_ARCHIVE_TRUNCATED",
				string(models.SourceTED), "ParseArchive", false)
		}
		if header.Typeflag != tar.TypeReg || !strings.HasSuffix(header.Name, ".xml") {
			continue
		}

		notice, err := s.ParseNoticeXML(tarReader)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "ted_scraper",
				"file":      header.Name,
			}).WithError(err).Warn("Skipping TED notice, unparseable XML")
			continue
		}
		if notice == nil {
			s.metrics.RecordRejected()
			continue
		}
		notices = append(notices, notice)
	}

	return notices, nil
}

// ParseNoticeXML parses one notice file. Returns nil when the notice fails
// the filter conjunction or carries no document number.
func (s *TEDScraper) ParseNoticeXML(reader io.Reader) (*models.ParsedNotice, error) {
	document, err := xmlquery.Parse(reader)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryParse, "TED_XML_UNPARSEABLE",
			string(models.SourceTED), "ParseNoticeXML", false)
	}

	if !s.passesFilter(document) {
		return nil, nil
	}

	reference := nodeText(document, "//NOTICE_DATA/NO_DOC_OJS")
	if reference == "" {
		return nil, nil
	}

	tender := models.ParsedTender{
		Source:       models.SourceTED,
		Reference:    reference,
		Title:        s.textService.NormalizeTextContent(nodeText(document, "//ML_TI_DOC[@LG='EN']")),
		Organization: s.textService.NormalizeTextContent(nodeText(document, "//AA_NAME")),
		NoticeType:   attributeValue(document, "//CODIF_DATA/TD_DOCUMENT_TYPE", "CODE"),
		Description:  s.textService.TruncateText(s.textService.NormalizeTextContent(nodeText(document, "//SHORT_DESCR")), 4000),
		URL:          nodeText(document, "//NOTICE_DATA/URI_LIST/URI_DOC"),
		Published:    s.textService.ParseDate(nodeText(document, "//REF_OJS/DATE_PUB")),
		Deadline:     s.textService.ParseDate(nodeText(document, "//DT_DATE_FOR_SUBMISSION")),
	}
	for _, node := range xmlquery.Find(document, "//NOTICE_DATA/ORIGINAL_CPV") {
		if code := node.SelectAttr("CODE"); code != "" {
			tender.CPVCodes = append(tender.CPVCodes, code)
		}
	}

	notice := &models.ParsedNotice{Tender: tender}
	for _, awardNode := range xmlquery.Find(document, "//AWARD_OF_CONTRACT") {
		notice.Awards = append(notice.Awards, s.parseAward(awardNode))
	}

	return notice, nil
}

// passesFilter evaluates the four-predicate conjunction: CPV intersection,
// document type, country and awarding-authority type.
func (s *TEDScraper) passesFilter(document *xmlquery.Node) bool {
	cpvAccepted := false
	for _, node := range xmlquery.Find(document, "//NOTICE_DATA/ORIGINAL_CPV") {
		if containsString(s.filter.CPVCodes, node.SelectAttr("CODE")) {
			cpvAccepted = true
			break
		}
	}
	if !cpvAccepted {
		return false
	}

	if !containsString(s.filter.DocumentTypes, attributeValue(document, "//CODIF_DATA/TD_DOCUMENT_TYPE", "CODE")) {
		return false
	}
	if !containsString(s.filter.Countries, attributeValue(document, "//ISO_COUNTRY", "VALUE")) {
		return false
	}
	return attributeValue(document, "//CODIF_DATA/AA_AUTHORITY_TYPE", "CODE") == s.filter.AuthorityType
}

// parseAward extracts one awarded contract: its value, currency, award date
// and every co-contractor sharing the contract.
func (s *TEDScraper) parseAward(awardNode *xmlquery.Node) models.ParsedAward {
	award := models.ParsedAward{
		Currency: attributeValue(awardNode, ".//VALUE", "CURRENCY"),
	}

	if valueText := nodeText(awardNode, ".//VALUE"); valueText != "" {
		award.Value = s.textService.ExtractFirstNumeric(valueText)
	}
	if dateText := nodeText(awardNode, ".//DATE_CONCLUSION_CONTRACT"); dateText != "" {
		award.AwardDate = s.textService.ParseDate(dateText)
	}

	if award.AwardDate != nil {
		durationText := nodeText(awardNode, ".//CONTRACT_DURATION")
		if durationText == "" {
			durationText = nodeText(awardNode, ".//INFO_ADD")
		}
		award.RenewalDate = s.textService.DetectRenewalDate(durationText, *award.AwardDate)
	}

	for _, contractorNode := range xmlquery.Find(awardNode, ".//CONTRACTOR//OFFICIALNAME") {
		name := strings.TrimSpace(contractorNode.InnerText())
		if name != "" {
			award.Vendors = append(award.Vendors, models.ParsedVendor{Name: name})
		}
	}

	return award
}

func nodeText(node *xmlquery.Node, xpath string) string {
	if found := xmlquery.FindOne(node, xpath); found != nil {
		return strings.TrimSpace(found.InnerText())
	}
	return ""
}

func attributeValue(node *xmlquery.Node, xpath, attribute string) string {
	if found := xmlquery.FindOne(node, xpath); found != nil {
		return found.SelectAttr(attribute)
	}
	return ""
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
