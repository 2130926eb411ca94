package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sirupsen/logrus"
)

// TextService handles text normalization, locale-aware date parsing and
// vendor-name canonicalization shared by all source parsers
type TextService struct {
	// Stateless service
}

// NewTextService creates a new text processing service
func NewTextService() *TextService {
	return &TextService{}
}

var (
	whitespaceRegex      = regexp.MustCompile(`\s+`)
	parentheticalRegex   = regexp.MustCompile(`\([^)]*\)`)
	vendorPunctuationRe  = regexp.MustCompile(`[^\p{L}\p{N} ]+`)
	gmtOffsetRegex       = regexp.MustCompile(`\(GMT([+-])(\d{2}):(\d{2})\)`)
	durationRegex        = regexp.MustCompile(`(?i)(\d+)\s*(day|week|month|year)s?`)
	numericTokenRegex    = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	currencyTokenRegex   = regexp.MustCompile(`\b[A-Z]{3}\b`)
	dateLikeRegex        = regexp.MustCompile(`\d{1,2}[./ -](?:\d{1,2}|[A-Za-z]{3,9})[./ -]\d{2,4}|\d{4}-\d{2}-\d{2}|[A-Za-z]{3,9}\s+\d{1,2},?\s+\d{4}`)
)

// NormalizeTextContent trims and collapses whitespace
func (s *TextService) NormalizeTextContent(text string) string {
	if text == "" {
		return ""
	}
	text = whitespaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CanonicalizeVendorName normalizes a raw vendor string for identity
// matching: parenthesized qualifiers such as "(CO-CONTRACTOR)" are dropped,
// punctuation stripped, whitespace collapsed and the result case-folded.
// "ACME (Co-Contractor)" and "acme" must canonicalize identically.
func (s *TextService) CanonicalizeVendorName(rawName string) string {
	name := parentheticalRegex.ReplaceAllString(rawName, " ")
	name = vendorPunctuationRe.ReplaceAllString(name, " ")
	name = whitespaceRegex.ReplaceAllString(name, " ")
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseDate attempts the date layouts seen across the source portals, then
// falls back to lenient parsing. Returns nil when nothing matches.
func (s *TextService) ParseDate(dateText string) *time.Time {
	normalized := s.NormalizeTextContent(dateText)
	if normalized == "" {
		return nil
	}

	supportedDateFormats := []string{
		"02-Jan-2006",
		"2-Jan-2006",
		"02 January 2006",
		"2 January 2006",
		"02/01/2006",
		"2/1/2006",
		"02.01.2006",
		"Jan 02, 2006",
		"January 02, 2006",
		"2006-01-02",
	}

	for _, dateFormat := range supportedDateFormats {
		if parsedDate, parseError := time.Parse(dateFormat, normalized); parseError == nil {
			return &parsedDate
		}
	}

	// Lenient fallback for layouts the portals occasionally switch to
	if parsedDate, parseError := dateparse.ParseAny(normalized); parseError == nil {
		return &parsedDate
	}

	return nil
}

// ParseDeadlineWithOffset converts a portal deadline string with an embedded
// GMT offset, e.g. "15-Sep-2019 16:45 (GMT-05:00)", into a UTC instant. The
// naive portion is interpreted in a fixed zone built from the embedded
// offset, which keeps the result independent of the host timezone.
func (s *TextService) ParseDeadlineWithOffset(rawDeadline string) *time.Time {
	normalized := s.NormalizeTextContent(rawDeadline)
	if normalized == "" {
		return nil
	}

	offsetMatch := gmtOffsetRegex.FindStringSubmatch(normalized)
	location := time.UTC
	if offsetMatch != nil {
		hours, _ := strconv.Atoi(offsetMatch[2])
		minutes, _ := strconv.Atoi(offsetMatch[3])
		offsetSeconds := hours*3600 + minutes*60
		if offsetMatch[1] == "-" {
			offsetSeconds = -offsetSeconds
		}
		location = time.FixedZone("GMT"+offsetMatch[1]+offsetMatch[2]+":"+offsetMatch[3], offsetSeconds)
		normalized = s.NormalizeTextContent(gmtOffsetRegex.ReplaceAllString(normalized, ""))
	}

	deadlineFormats := []string{
		"02-Jan-2006 15:04",
		"2-Jan-2006 15:04",
		"02-Jan-2006",
	}

	for _, deadlineFormat := range deadlineFormats {
		if parsedDeadline, parseError := time.ParseInLocation(deadlineFormat, normalized, location); parseError == nil {
			utcDeadline := parsedDeadline.UTC()
			return &utcDeadline
		}
	}

	logrus.WithFields(logrus.Fields{
		"component":    "TextService",
		"raw_deadline": rawDeadline,
	}).Debug("Deadline string did not match any supported format")

	return nil
}

// DetectRenewalDate scans contract-duration text for a numeric duration plus
// a unit keyword; when the text also mentions "renewable" the renewal date is
// the award date advanced by that duration. Returns nil otherwise.
func (s *TextService) DetectRenewalDate(durationText string, awardDate time.Time) *time.Time {
	if durationText == "" {
		return nil
	}
	if !strings.Contains(strings.ToLower(durationText), "renewable") {
		return nil
	}

	durationMatch := durationRegex.FindStringSubmatch(durationText)
	if durationMatch == nil {
		return nil
	}

	count, err := strconv.Atoi(durationMatch[1])
	if err != nil || count <= 0 {
		return nil
	}

	var renewalDate time.Time
	switch strings.ToLower(durationMatch[2]) {
	case "day":
		renewalDate = awardDate.AddDate(0, 0, count)
	case "week":
		renewalDate = awardDate.AddDate(0, 0, 7*count)
	case "month":
		renewalDate = awardDate.AddDate(0, count, 0)
	case "year":
		renewalDate = awardDate.AddDate(count, 0, 0)
	default:
		return nil
	}

	return &renewalDate
}

// ExtractFirstNumeric returns the first parseable numeric token in the text,
// tolerating thousands separators. Returns nil when none is found.
func (s *TextService) ExtractFirstNumeric(text string) *float64 {
	match := numericTokenRegex.FindString(text)
	if match == "" {
		return nil
	}

	cleaned := strings.ReplaceAll(match, ",", "")
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &value
}

// ExtractCurrencyToken returns the first all-caps three-letter token, the
// convention award notices use for currency codes
func (s *TextService) ExtractCurrencyToken(text string) string {
	return currencyTokenRegex.FindString(text)
}

// ExtractAfterMarker returns the text following the first matching marker up
// to the next line break. Markers are tried in order, so a bilingual fallback
// marker goes second.
func (s *TextService) ExtractAfterMarker(text string, markers ...string) string {
	for _, marker := range markers {
		index := strings.Index(text, marker)
		if index < 0 {
			continue
		}
		rest := text[index+len(marker):]
		if newline := strings.IndexAny(rest, "\r\n"); newline >= 0 {
			rest = rest[:newline]
		}
		value := s.NormalizeTextContent(rest)
		if value != "" {
			return value
		}
	}
	return ""
}

// ExtractFirstDateAfter finds the first date-like substring following the
// marker and parses it. Returns nil when no parseable date follows. The
// marker match is case-sensitive: the award marker "DATE" must not anchor on
// the "Date of issue:" line every notice carries.
func (s *TextService) ExtractFirstDateAfter(text, marker string) *time.Time {
	index := strings.Index(text, marker)
	if index < 0 {
		return nil
	}

	rest := text[index+len(marker):]
	candidate := dateLikeRegex.FindString(rest)
	if candidate == "" {
		return nil
	}

	return s.ParseDate(candidate)
}

// MatchesKeywords reports whether any configured keyword occurs in the
// title or description, case-insensitively
func (s *TextService) MatchesKeywords(keywords []string, title, description string) bool {
	if len(keywords) == 0 {
		return false
	}

	haystack := strings.ToLower(title + " " + description)
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(haystack, keyword) {
			return true
		}
	}
	return false
}

// TruncateText bounds free-text fields at maxLength runes
func (s *TextService) TruncateText(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength])
}
