package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/procurewatch/tender-backend/models"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/sirupsen/logrus"
)

// AwardValuePolicy controls how the values of several awarded contracts on
// one notice collapse into the single award row kept per tender.
type AwardValuePolicy string

const (
	// AwardValueReplace keeps the last parsed value. Used for sources that
	// report one authoritative figure per notice.
	AwardValueReplace AwardValuePolicy = "replace"

	// AwardValueAccumulate sums the values of all awarded contracts on the
	// notice. Used for sources that split one procurement across rows.
	AwardValueAccumulate AwardValuePolicy = "accumulate"
)

// ReconcileOutcome describes what reconciling one parsed notice did to the
// persisted state.
type ReconcileOutcome struct {
	Tender       *models.Tender
	Created      bool
	Changes      []models.FieldChange
	NewDocuments []models.TenderDocument
	StaleURLDocs []models.TenderDocument
	AwardCreated bool
}

// Changed reports whether the notice updated an existing tender in any way
// that is worth telling someone about.
func (outcome *ReconcileOutcome) Changed() bool {
	return !outcome.Created &&
		(len(outcome.Changes) > 0 || len(outcome.NewDocuments) > 0 || len(outcome.StaleURLDocs) > 0 || outcome.AwardCreated)
}

// Reconciler merges parsed notices into persisted state, producing
// field-level diffs for changed tenders. It is the only writer of tender,
// award, vendor and document rows during a scrape run.
type Reconciler struct {
	store       Store
	textService *TextService
	keywords    []string
}

// NewReconciler creates the reconciliation engine
func NewReconciler(store Store, textService *TextService, keywords []string) *Reconciler {
	if textService == nil {
		textService = NewTextService()
	}
	return &Reconciler{
		store:       store,
		textService: textService,
		keywords:    keywords,
	}
}

// ReconcileNotice merges one parsed notice into the store. Records are
// isolated: an error here fails this notice only, the caller moves on to the
// next one.
func (r *Reconciler) ReconcileNotice(ctx context.Context, notice *models.ParsedNotice, policy AwardValuePolicy) (*ReconcileOutcome, error) {
	if notice.Tender.Reference == "" {
		return nil, shared.NewScrapeError(shared.ErrorCategoryValidation, "MISSING_REFERENCE",
			"parsed notice has no reference, cannot reconcile", string(notice.Tender.Source), "ReconcileNotice", false, nil)
	}

	existing, err := r.store.FindTenderByReference(ctx, notice.Tender.Reference)
	if err != nil {
		return nil, err
	}

	candidate := r.buildCandidate(&notice.Tender, existing)

	outcome := &ReconcileOutcome{Tender: candidate}
	if existing != nil {
		outcome.Changes = diffTenders(existing, candidate)
	}

	created, err := r.store.UpsertTender(ctx, candidate)
	if err != nil {
		return nil, err
	}
	outcome.Created = created
	if existing != nil {
		candidate.Favourite = existing.Favourite
		candidate.Hidden = existing.Hidden
		candidate.Notified = existing.Notified
	}

	if err := r.reconcileDocuments(ctx, candidate, notice.Documents, outcome); err != nil {
		return nil, err
	}

	if len(notice.Awards) > 0 {
		if err := r.reconcileAwards(ctx, candidate, notice.Awards, policy, outcome); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"component":     "reconciler",
		"reference":     candidate.Reference,
		"source":        candidate.Source,
		"created":       outcome.Created,
		"changes":       len(outcome.Changes),
		"new_documents": len(outcome.NewDocuments),
	}).Debug("Notice reconciled")

	return outcome, nil
}

// buildCandidate merges the parsed fields over the existing row. A field the
// parser could not extract keeps its persisted value instead of being blanked.
func (r *Reconciler) buildCandidate(parsed *models.ParsedTender, existing *models.Tender) *models.Tender {
	candidate := &models.Tender{
		Reference:    parsed.Reference,
		Source:       parsed.Source,
		Title:        parsed.Title,
		Organization: parsed.Organization,
		NoticeType:   parsed.NoticeType,
		Published:    parsed.Published,
		Deadline:     parsed.Deadline,
		Description:  parsed.Description,
		URL:          parsed.URL,
		UNSPSCCodes:  models.JoinCodes(parsed.UNSPSCCodes),
		CPVCodes:     models.JoinCodes(parsed.CPVCodes),
	}

	if existing != nil {
		candidate.ID = existing.ID
		if candidate.Title == "" {
			candidate.Title = existing.Title
		}
		if candidate.Organization == "" {
			candidate.Organization = existing.Organization
		}
		if candidate.NoticeType == "" {
			candidate.NoticeType = existing.NoticeType
		}
		if candidate.Published == nil {
			candidate.Published = existing.Published
		}
		if candidate.Deadline == nil {
			candidate.Deadline = existing.Deadline
		}
		if candidate.Description == "" {
			candidate.Description = existing.Description
		}
		if candidate.URL == "" {
			candidate.URL = existing.URL
		}
		if candidate.UNSPSCCodes == "" {
			candidate.UNSPSCCodes = existing.UNSPSCCodes
		}
		if candidate.CPVCodes == "" {
			candidate.CPVCodes = existing.CPVCodes
		}
	}

	candidate.HasKeywords = r.textService.MatchesKeywords(r.keywords, candidate.Title, candidate.Description)
	return candidate
}

func (r *Reconciler) reconcileDocuments(ctx context.Context, tender *models.Tender, refs []models.ParsedDocumentRef, outcome *ReconcileOutcome) error {
	for _, ref := range refs {
		if ref.Name == "" || ref.DownloadURL == "" {
			continue
		}
		document := &models.TenderDocument{
			TenderID:    tender.ID,
			Name:        ref.Name,
			DownloadURL: ref.DownloadURL,
		}
		created, urlChanged, err := r.store.UpsertDocument(ctx, document)
		if err != nil {
			return err
		}
		if created {
			outcome.NewDocuments = append(outcome.NewDocuments, *document)
		} else if urlChanged {
			outcome.StaleURLDocs = append(outcome.StaleURLDocs, *document)
		}
	}
	return nil
}

// reconcileAwards collapses the parsed awards into the tender's single award
// row and resolves every mentioned vendor. Value collapse follows the policy:
// accumulate adds to the persisted value on every re-sighting of the notice,
// replace overwrites it. Date, currency and renewal come from the first
// parsed award carrying them, then from the stored award.
func (r *Reconciler) reconcileAwards(ctx context.Context, tender *models.Tender, parsedAwards []models.ParsedAward, policy AwardValuePolicy, outcome *ReconcileOutcome) error {
	award := &models.Award{TenderID: tender.ID}

	existingAward, err := r.store.FindAwardByTender(ctx, tender.ID)
	if err != nil {
		return err
	}

	var total float64
	var haveValue bool
	if policy == AwardValueAccumulate && existingAward != nil && existingAward.Value != nil {
		total = *existingAward.Value
		haveValue = true
	}
	for _, parsedAward := range parsedAwards {
		if parsedAward.Value != nil {
			haveValue = true
			if policy == AwardValueAccumulate {
				total += *parsedAward.Value
			} else {
				total = *parsedAward.Value
			}
		}
		if award.Currency == "" {
			award.Currency = parsedAward.Currency
		}
		if award.AwardDate == nil {
			award.AwardDate = parsedAward.AwardDate
		}
		if award.RenewalDate == nil {
			award.RenewalDate = parsedAward.RenewalDate
		}
	}
	// a re-sighting whose parse carries fewer facts keeps the stored ones,
	// mirroring the tender candidate merge
	if existingAward != nil {
		if !haveValue && existingAward.Value != nil {
			total = *existingAward.Value
			haveValue = true
		}
		if award.Currency == "" {
			award.Currency = existingAward.Currency
		}
		if award.AwardDate == nil {
			award.AwardDate = existingAward.AwardDate
		}
		if award.RenewalDate == nil {
			award.RenewalDate = existingAward.RenewalDate
		}
	}
	if haveValue {
		award.Value = &total
	}

	created, err := r.store.UpsertAward(ctx, award)
	if err != nil {
		return err
	}
	outcome.AwardCreated = created

	for _, parsedAward := range parsedAwards {
		for _, parsedVendor := range parsedAward.Vendors {
			if err := r.resolveVendor(ctx, award, &parsedVendor); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveVendor canonicalizes the raw vendor name, gets or creates the row
// and links it to the award. Contact details only ever fill blanks.
func (r *Reconciler) resolveVendor(ctx context.Context, award *models.Award, parsed *models.ParsedVendor) error {
	canonicalName := r.textService.CanonicalizeVendorName(parsed.Name)
	if canonicalName == "" {
		return nil
	}

	vendor, err := r.store.GetOrCreateVendor(ctx, canonicalName)
	if err != nil {
		return err
	}

	if parsed.Email != "" || parsed.ContactName != "" || parsed.Comment != "" {
		vendor.Email = parsed.Email
		vendor.ContactName = parsed.ContactName
		vendor.Comment = parsed.Comment
		if err := r.store.BackfillVendorContact(ctx, vendor); err != nil {
			return err
		}
	}

	return r.store.LinkAwardVendor(ctx, award.ID, vendor.ID)
}

// diffTenders compares the scraped candidate against the persisted row,
// field by field over string representations. Identity, bookkeeping and
// user-set fields are outside the diff.
func diffTenders(existing, candidate *models.Tender) []models.FieldChange {
	var changes []models.FieldChange

	compare := func(fieldName, oldValue, newValue string) {
		if oldValue != newValue {
			changes = append(changes, models.FieldChange{
				FieldName: fieldName,
				OldValue:  oldValue,
				NewValue:  newValue,
			})
		}
	}

	compare("source", string(existing.Source), string(candidate.Source))
	compare("title", existing.Title, candidate.Title)
	compare("organization", existing.Organization, candidate.Organization)
	compare("notice_type", existing.NoticeType, candidate.NoticeType)
	compare("published", formatDate(existing.Published), formatDate(candidate.Published))
	compare("deadline", formatTimestamp(existing.Deadline), formatTimestamp(candidate.Deadline))
	compare("description", existing.Description, candidate.Description)
	compare("url", existing.URL, candidate.URL)
	compare("unspsc_codes", existing.UNSPSCCodes, candidate.UNSPSCCodes)
	compare("cpv_codes", existing.CPVCodes, candidate.CPVCodes)
	compare("has_keywords", strconv.FormatBool(existing.HasKeywords), strconv.FormatBool(candidate.HasKeywords))

	return changes
}

func formatDate(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.Format("2006-01-02")
}

func formatTimestamp(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

// DescribeChanges renders a diff for notification bodies
func DescribeChanges(changes []models.FieldChange) string {
	description := ""
	for _, change := range changes {
		description += fmt.Sprintf("%s: %q -> %q\n", change.FieldName, change.OldValue, change.NewValue)
	}
	return description
}
