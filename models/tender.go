package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies the external system a tender was scraped from
type Source string

const (
	SourceUNGM Source = "UNGM"
	SourceTED  Source = "TED"
	SourceIUCN Source = "IUCN"
)

// Tender is the canonical, source-independent procurement notice.
// Reference is the natural key: re-scraping the same reference always
// updates the same row, never creates a duplicate.
type Tender struct {
	// Primary identification
	ID        uuid.UUID `json:"id"`
	Reference string    `json:"reference"`
	Source    Source    `json:"source"`

	// Notice content
	Title        string     `json:"title"`
	Organization string     `json:"organization"`
	NoticeType   string     `json:"notice_type"`
	Published    *time.Time `json:"published"`
	Deadline     *time.Time `json:"deadline"` // always UTC
	Description  string     `json:"description"`
	URL          string     `json:"url"`

	// Classification codes, comma-joined for row-level filtering
	UNSPSCCodes string `json:"unspsc_codes"`
	CPVCodes    string `json:"cpv_codes"`

	// User-set flags, never overwritten by scrapes
	Favourite bool `json:"favourite"`
	Hidden    bool `json:"hidden"`

	// Derived flags
	Notified    bool `json:"notified"`
	HasKeywords bool `json:"has_keywords"`

	// Audit fields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JoinCodes produces the stored comma-joined representation of a code list
func JoinCodes(codes []string) string {
	cleaned := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code != "" {
			cleaned = append(cleaned, code)
		}
	}
	return strings.Join(cleaned, ", ")
}

// SplitCodes parses a stored comma-joined code string back into a list
func SplitCodes(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	codes := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			codes = append(codes, part)
		}
	}
	return codes
}
