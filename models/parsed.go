package models

import "time"

// ParsedTender is the tagged output of a source parser, before
// reconciliation. Optional fields are pointers so the missing-field fallback
// policy is enforced at this boundary rather than by hopeful field access.
type ParsedTender struct {
	Reference    string
	Source       Source
	Title        string
	Organization string
	NoticeType   string
	Published    *time.Time
	Deadline     *time.Time // UTC
	Description  string
	URL          string
	UNSPSCCodes  []string
	CPVCodes     []string
}

// ParsedVendor is a raw vendor mention on an award notice. Name is the raw
// source string; canonicalization happens during vendor resolution.
type ParsedVendor struct {
	Name        string
	Email       string
	ContactName string
	Comment     string
}

// ParsedAward is an award extracted alongside a tender notice. A notice can
// report several awarded contracts, each with multiple co-contractors sharing
// one award date, value and currency.
type ParsedAward struct {
	Value       *float64
	Currency    string
	AwardDate   *time.Time
	RenewalDate *time.Time
	Vendors     []ParsedVendor
}

// ParsedDocumentRef points at an attachment discovered on a notice. The blob
// itself is downloaded lazily after reconciliation.
type ParsedDocumentRef struct {
	Name        string
	DownloadURL string
}

// ParsedNotice bundles the full parser output for one notice.
type ParsedNotice struct {
	Tender    ParsedTender
	Awards    []ParsedAward
	Documents []ParsedDocumentRef
}

// FieldChange records one field-level difference detected while reconciling
// a re-scraped notice against its persisted row.
type FieldChange struct {
	FieldName string `json:"field_name"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
}
