package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/procurewatch/tender-backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is the in-memory Store used across the service tests
type memoryStore struct {
	mu        sync.Mutex
	tenders   map[string]*models.Tender // keyed by reference
	documents map[string]*models.TenderDocument
	vendors   map[string]*models.Vendor // keyed by canonical name
	awards    map[uuid.UUID]*models.Award
	awardVend map[uuid.UUID]map[uuid.UUID]bool
	logs      []models.WorkerLog
	deadlines map[string]bool // tenderID/threshold guard
	blobs     map[uuid.UUID][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tenders:   make(map[string]*models.Tender),
		documents: make(map[string]*models.TenderDocument),
		vendors:   make(map[string]*models.Vendor),
		awards:    make(map[uuid.UUID]*models.Award),
		awardVend: make(map[uuid.UUID]map[uuid.UUID]bool),
		deadlines: make(map[string]bool),
		blobs:     make(map[uuid.UUID][]byte),
	}
}

func (m *memoryStore) FindTenderByReference(_ context.Context, reference string) (*models.Tender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tender, ok := m.tenders[reference]; ok {
		copied := *tender
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryStore) UpsertTender(_ context.Context, tender *models.Tender) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tenders[tender.Reference]; ok {
		tender.ID = existing.ID
		copied := *tender
		copied.Favourite = existing.Favourite
		copied.Hidden = existing.Hidden
		copied.Notified = existing.Notified
		m.tenders[tender.Reference] = &copied
		return false, nil
	}
	tender.ID = uuid.New()
	copied := *tender
	m.tenders[tender.Reference] = &copied
	return true, nil
}

func (m *memoryStore) SetTenderNotified(_ context.Context, tenderID uuid.UUID, notified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tender := range m.tenders {
		if tender.ID == tenderID {
			tender.Notified = notified
		}
	}
	return nil
}

func (m *memoryStore) SetTenderFavourite(_ context.Context, reference string, favourite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tender, ok := m.tenders[reference]; ok {
		tender.Favourite = favourite
	}
	return nil
}

func (m *memoryStore) ListTenders(_ context.Context, source string, includeHidden bool) ([]models.Tender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tenders []models.Tender
	for _, tender := range m.tenders {
		if source != "" && string(tender.Source) != source {
			continue
		}
		if tender.Hidden && !includeHidden {
			continue
		}
		tenders = append(tenders, *tender)
	}
	return tenders, nil
}

func (m *memoryStore) UpsertDocument(_ context.Context, document *models.TenderDocument) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := document.TenderID.String() + "/" + document.Name
	if existing, ok := m.documents[key]; ok {
		document.ID = existing.ID
		if existing.DownloadURL == document.DownloadURL {
			return false, false, nil
		}
		existing.DownloadURL = document.DownloadURL
		existing.Downloaded = false
		return false, true, nil
	}
	document.ID = uuid.New()
	copied := *document
	m.documents[key] = &copied
	return true, false, nil
}

func (m *memoryStore) SaveDocumentContent(_ context.Context, documentID uuid.UUID, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[documentID] = content
	for _, document := range m.documents {
		if document.ID == documentID {
			document.Downloaded = true
		}
	}
	return nil
}

func (m *memoryStore) ListDocumentsByTender(_ context.Context, tenderID uuid.UUID) ([]models.TenderDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var documents []models.TenderDocument
	for _, document := range m.documents {
		if document.TenderID == tenderID {
			documents = append(documents, *document)
		}
	}
	return documents, nil
}

func (m *memoryStore) GetOrCreateVendor(_ context.Context, canonicalName string) (*models.Vendor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vendor, ok := m.vendors[canonicalName]; ok {
		copied := *vendor
		return &copied, nil
	}
	vendor := &models.Vendor{ID: uuid.New(), Name: canonicalName}
	m.vendors[canonicalName] = vendor
	copied := *vendor
	return &copied, nil
}

func (m *memoryStore) BackfillVendorContact(_ context.Context, vendor *models.Vendor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.vendors[vendor.Name]
	if !ok {
		return nil
	}
	if existing.Email == "" {
		existing.Email = vendor.Email
	}
	if existing.ContactName == "" {
		existing.ContactName = vendor.ContactName
	}
	if existing.Comment == "" {
		existing.Comment = vendor.Comment
	}
	return nil
}

func (m *memoryStore) FindAwardByTender(_ context.Context, tenderID uuid.UUID) (*models.Award, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if award, ok := m.awards[tenderID]; ok {
		copied := *award
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryStore) UpsertAward(_ context.Context, award *models.Award) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.awards[award.TenderID]; ok {
		award.ID = existing.ID
		award.Notified = existing.Notified
		award.RenewalNotified = existing.RenewalNotified
		copied := *award
		m.awards[award.TenderID] = &copied
		return false, nil
	}
	award.ID = uuid.New()
	copied := *award
	m.awards[award.TenderID] = &copied
	return true, nil
}

func (m *memoryStore) LinkAwardVendor(_ context.Context, awardID, vendorID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.awardVend[awardID] == nil {
		m.awardVend[awardID] = make(map[uuid.UUID]bool)
	}
	m.awardVend[awardID][vendorID] = true
	return nil
}

func (m *memoryStore) SetAwardNotified(_ context.Context, awardID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, award := range m.awards {
		if award.ID == awardID {
			award.Notified = true
		}
	}
	return nil
}

func (m *memoryStore) SetAwardRenewalNotified(_ context.Context, awardID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, award := range m.awards {
		if award.ID == awardID {
			award.RenewalNotified = true
		}
	}
	return nil
}

func (m *memoryStore) AwardsDueForRenewal(_ context.Context, dueBefore time.Time) ([]models.Award, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Award
	for _, award := range m.awards {
		if award.RenewalDate != nil && !award.RenewalNotified && !award.RenewalDate.After(dueBefore) {
			due = append(due, *award)
		}
	}
	return due, nil
}

func (m *memoryStore) TendersForDeadlineThreshold(_ context.Context, thresholdDays int, now time.Time) ([]models.Tender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon := now.AddDate(0, 0, thresholdDays)
	var matched []models.Tender
	for _, tender := range m.tenders {
		if tender.Deadline == nil || !tender.Deadline.After(now) || tender.Deadline.After(horizon) {
			continue
		}
		if m.deadlines[fmt.Sprintf("%s/%d", tender.ID, thresholdDays)] {
			continue
		}
		matched = append(matched, *tender)
	}
	return matched, nil
}

func (m *memoryStore) RecordDeadlineNotification(_ context.Context, tenderID uuid.UUID, thresholdDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines[fmt.Sprintf("%s/%d", tenderID, thresholdDays)] = true
	return nil
}

func (m *memoryStore) AppendWorkerLog(_ context.Context, source models.Source, watermark time.Time, tendersCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, models.WorkerLog{
		ID:           uuid.New(),
		Source:       source,
		Update:       watermark,
		TendersCount: tendersCount,
	})
	return nil
}

func (m *memoryStore) LastWatermark(_ context.Context, source models.Source) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for i := range m.logs {
		if m.logs[i].Source != source {
			continue
		}
		if latest == nil || m.logs[i].Update.After(*latest) {
			watermark := m.logs[i].Update
			latest = &watermark
		}
	}
	return latest, nil
}

func (m *memoryStore) ListWorkerLogs(_ context.Context, limit int) ([]models.WorkerLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := append([]models.WorkerLog(nil), m.logs...)
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func sampleNotice(reference string) *models.ParsedNotice {
	published := time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC)
	deadline := time.Date(2019, 9, 15, 21, 45, 0, 0, time.UTC)
	return &models.ParsedNotice{
		Tender: models.ParsedTender{
			Reference:    reference,
			Source:       models.SourceUNGM,
			Title:        "Supply of field equipment",
			Organization: "UNDP",
			NoticeType:   "Request for Quotation",
			Published:    &published,
			Deadline:     &deadline,
			Description:  "Supply and delivery of field equipment.",
			URL:          "https://www.ungm.org/Public/Notice/12345",
			UNSPSCCodes:  []string{"27110000"},
		},
		Documents: []models.ParsedDocumentRef{
			{Name: "terms.pdf", DownloadURL: "https://www.ungm.org/docs/terms.pdf"},
		},
	}
}

func TestReconcileNoticeCreatesTender(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	outcome, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	assert.True(t, outcome.Created)
	assert.False(t, outcome.Changed())
	assert.Len(t, outcome.NewDocuments, 1)

	stored := store.tenders["RFQ-001"]
	require.NotNil(t, stored)
	assert.False(t, stored.Notified)
	assert.Equal(t, "27110000", stored.UNSPSCCodes)
}

func TestReconcileNoticeIdempotent(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	_, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	outcome, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	assert.False(t, outcome.Created)
	assert.False(t, outcome.Changed())
	assert.Empty(t, outcome.Changes)
	assert.Empty(t, outcome.NewDocuments)
	assert.Len(t, store.tenders, 1)
	assert.Len(t, store.documents, 1)
}

func TestReconcileNoticeReferenceUniqueness(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	for runNumber := 0; runNumber < 5; runNumber++ {
		notice := sampleNotice("RFQ-REPEAT")
		notice.Tender.Title = fmt.Sprintf("Title revision %d", runNumber)
		_, err := reconciler.ReconcileNotice(context.Background(), notice, AwardValueReplace)
		require.NoError(t, err)
	}

	assert.Len(t, store.tenders, 1)
}

func TestReconcileNoticeDetectsFieldChanges(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	_, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	changed := sampleNotice("RFQ-001")
	changed.Tender.Title = "Supply of field equipment (amended)"
	newDeadline := time.Date(2019, 9, 20, 21, 45, 0, 0, time.UTC)
	changed.Tender.Deadline = &newDeadline

	outcome, err := reconciler.ReconcileNotice(context.Background(), changed, AwardValueReplace)
	require.NoError(t, err)

	assert.True(t, outcome.Changed())
	require.Len(t, outcome.Changes, 2)

	fieldNames := []string{outcome.Changes[0].FieldName, outcome.Changes[1].FieldName}
	assert.Contains(t, fieldNames, "title")
	assert.Contains(t, fieldNames, "deadline")
}

func TestReconcileNoticePreservesUserFlags(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	_, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	require.NoError(t, store.SetTenderFavourite(context.Background(), "RFQ-001", true))

	_, err = reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	assert.True(t, store.tenders["RFQ-001"].Favourite)
}

func TestReconcileNoticeMissingFieldsKeepExistingValues(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	_, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	sparse := sampleNotice("RFQ-001")
	sparse.Tender.Organization = ""
	sparse.Tender.Deadline = nil

	outcome, err := reconciler.ReconcileNotice(context.Background(), sparse, AwardValueReplace)
	require.NoError(t, err)

	assert.False(t, outcome.Changed())
	assert.Equal(t, "UNDP", store.tenders["RFQ-001"].Organization)
	assert.NotNil(t, store.tenders["RFQ-001"].Deadline)
}

func TestReconcileNoticeRejectsMissingReference(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	notice := sampleNotice("")
	_, err := reconciler.ReconcileNotice(context.Background(), notice, AwardValueReplace)
	assert.Error(t, err)
	assert.Empty(t, store.tenders)
}

func TestReconcileDocumentURLChangeTriggersRedownload(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	_, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	moved := sampleNotice("RFQ-001")
	moved.Documents[0].DownloadURL = "https://www.ungm.org/docs/v2/terms.pdf"

	outcome, err := reconciler.ReconcileNotice(context.Background(), moved, AwardValueReplace)
	require.NoError(t, err)

	require.Len(t, outcome.StaleURLDocs, 1)
	assert.Empty(t, outcome.NewDocuments)
	assert.Len(t, store.documents, 1)
}

func TestReconcileVendorMerge(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	value := 5000.0
	awardDate := time.Date(2019, 10, 1, 0, 0, 0, 0, time.UTC)
	notice := sampleNotice("AWD-001")
	notice.Awards = []models.ParsedAward{
		{Value: &value, Currency: "USD", AwardDate: &awardDate, Vendors: []models.ParsedVendor{
			{Name: "ACME (Co-Contractor)"},
			{Name: "acme"},
		}},
	}

	_, err := reconciler.ReconcileNotice(context.Background(), notice, AwardValueReplace)
	require.NoError(t, err)

	assert.Len(t, store.vendors, 1)
	_, ok := store.vendors["acme"]
	assert.True(t, ok)
}

func TestReconcileAwardValueAccumulation(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	buildNotice := func() *models.ParsedNotice {
		value := 114351.0
		notice := sampleNotice("IUCN-AWD-7")
		notice.Tender.Source = models.SourceIUCN
		notice.Awards = []models.ParsedAward{{Value: &value, Currency: "CHF"}}
		return notice
	}

	_, err := reconciler.ReconcileNotice(context.Background(), buildNotice(), AwardValueAccumulate)
	require.NoError(t, err)

	_, err = reconciler.ReconcileNotice(context.Background(), buildNotice(), AwardValueAccumulate)
	require.NoError(t, err)

	tenderID := store.tenders["IUCN-AWD-7"].ID
	award := store.awards[tenderID]
	require.NotNil(t, award)
	require.NotNil(t, award.Value)
	assert.Equal(t, 228702.0, *award.Value)
}

func TestReconcileAwardValueReplaceDoesNotAccumulate(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	buildNotice := func(amount float64) *models.ParsedNotice {
		notice := sampleNotice("TED-AWD-1")
		notice.Tender.Source = models.SourceTED
		notice.Awards = []models.ParsedAward{{Value: &amount, Currency: "EUR"}}
		return notice
	}

	_, err := reconciler.ReconcileNotice(context.Background(), buildNotice(90000), AwardValueReplace)
	require.NoError(t, err)
	_, err = reconciler.ReconcileNotice(context.Background(), buildNotice(95000), AwardValueReplace)
	require.NoError(t, err)

	tenderID := store.tenders["TED-AWD-1"].ID
	require.NotNil(t, store.awards[tenderID].Value)
	assert.Equal(t, 95000.0, *store.awards[tenderID].Value)
}

func TestReconcileAwardKeepsStoredFieldsOnSparseResight(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), nil)

	value := 250000.0
	awardDate := time.Date(2022, 12, 6, 0, 0, 0, 0, time.UTC)
	renewalDate := time.Date(2023, 12, 6, 0, 0, 0, 0, time.UTC)
	first := sampleNotice("TED-AWD-2")
	first.Tender.Source = models.SourceTED
	first.Awards = []models.ParsedAward{{Value: &value, Currency: "EUR", AwardDate: &awardDate, RenewalDate: &renewalDate}}

	_, err := reconciler.ReconcileNotice(context.Background(), first, AwardValueReplace)
	require.NoError(t, err)

	// a later sighting of the same notice where the parser recovered nothing
	sparse := sampleNotice("TED-AWD-2")
	sparse.Tender.Source = models.SourceTED
	sparse.Awards = []models.ParsedAward{{}}

	_, err = reconciler.ReconcileNotice(context.Background(), sparse, AwardValueReplace)
	require.NoError(t, err)

	award := store.awards[store.tenders["TED-AWD-2"].ID]
	require.NotNil(t, award)
	require.NotNil(t, award.Value)
	assert.Equal(t, 250000.0, *award.Value)
	assert.Equal(t, "EUR", award.Currency)
	require.NotNil(t, award.AwardDate)
	assert.True(t, award.AwardDate.Equal(awardDate))
	require.NotNil(t, award.RenewalDate)
	assert.True(t, award.RenewalDate.Equal(renewalDate))
}

func TestReconcileKeywordMatchingSetsFlag(t *testing.T) {
	store := newMemoryStore()
	reconciler := NewReconciler(store, NewTextService(), []string{"equipment"})

	_, err := reconciler.ReconcileNotice(context.Background(), sampleNotice("RFQ-001"), AwardValueReplace)
	require.NoError(t, err)

	assert.True(t, store.tenders["RFQ-001"].HasKeywords)
}
