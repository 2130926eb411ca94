package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/models"
	"github.com/procurewatch/tender-backend/services"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubScraper serves canned notices or a canned failure
type stubScraper struct {
	source  models.Source
	notices []*models.ParsedNotice
	err     error
}

func (s *stubScraper) Source() models.Source { return s.source }

func (s *stubScraper) Scrape(_ context.Context, _ time.Time) ([]*models.ParsedNotice, error) {
	return s.notices, s.err
}

// fakeStore implements the slice of the store the run job and reconciler
// exercise; everything reached through the embedded nil interface panics,
// which is exactly what a test should do for an unexpected call.
type fakeStore struct {
	services.Store
	mu             sync.Mutex
	tenders        map[string]*models.Tender
	documents      map[string]*models.TenderDocument
	workerLogs     []models.WorkerLog
	upsertFailures map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenders:        make(map[string]*models.Tender),
		documents:      make(map[string]*models.TenderDocument),
		upsertFailures: make(map[string]error),
	}
}

func (f *fakeStore) FindTenderByReference(_ context.Context, reference string) (*models.Tender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tender, ok := f.tenders[reference]; ok {
		copied := *tender
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) UpsertTender(_ context.Context, tender *models.Tender) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// one-shot transient failure, cleared after it fires
	if err, ok := f.upsertFailures[tender.Reference]; ok {
		delete(f.upsertFailures, tender.Reference)
		return false, err
	}
	if existing, ok := f.tenders[tender.Reference]; ok {
		tender.ID = existing.ID
		copied := *tender
		copied.Favourite = existing.Favourite
		copied.Hidden = existing.Hidden
		copied.Notified = existing.Notified
		f.tenders[tender.Reference] = &copied
		return false, nil
	}
	tender.ID = uuid.New()
	copied := *tender
	f.tenders[tender.Reference] = &copied
	return true, nil
}

func (f *fakeStore) SetTenderNotified(_ context.Context, tenderID uuid.UUID, notified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tender := range f.tenders {
		if tender.ID == tenderID {
			tender.Notified = notified
		}
	}
	return nil
}

func (f *fakeStore) UpsertDocument(_ context.Context, document *models.TenderDocument) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := document.TenderID.String() + "/" + document.Name
	if existing, ok := f.documents[key]; ok {
		document.ID = existing.ID
		return false, false, nil
	}
	document.ID = uuid.New()
	copied := *document
	f.documents[key] = &copied
	return true, false, nil
}

func (f *fakeStore) SaveDocumentContent(_ context.Context, documentID uuid.UUID, content []byte) error {
	return nil
}

func (f *fakeStore) AppendWorkerLog(_ context.Context, source models.Source, watermark time.Time, tendersCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerLogs = append(f.workerLogs, models.WorkerLog{Source: source, Update: watermark, TendersCount: tendersCount})
	return nil
}

func (f *fakeStore) LastWatermark(_ context.Context, source models.Source) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *time.Time
	for i := range f.workerLogs {
		if f.workerLogs[i].Source != source {
			continue
		}
		if latest == nil || f.workerLogs[i].Update.After(*latest) {
			watermark := f.workerLogs[i].Update
			latest = &watermark
		}
	}
	return latest, nil
}

type recordingTransport struct {
	mu       sync.Mutex
	subjects []string
}

func (t *recordingTransport) Send(_ context.Context, subject, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subjects = append(t.subjects, subject)
	return nil
}

func noticeFixture(reference string, published time.Time) *models.ParsedNotice {
	return &models.ParsedNotice{
		Tender: models.ParsedTender{
			Reference: reference,
			Source:    models.SourceUNGM,
			Title:     "Notice " + reference,
			Published: &published,
		},
	}
}

func testJobConfig() *config.ScraperConfig {
	return &config.ScraperConfig{
		HTTPRequestTimeout: time.Second,
		RequestRateLimit:   time.Millisecond,
		MaxRetryAttempts:   1,
		RetryDelay:         time.Millisecond,
		LookbackDays:       30,
	}
}

func TestScrapeJobRunAdvancesWatermark(t *testing.T) {
	store := newFakeStore()
	transport := &recordingTransport{}
	notifier := services.NewNotifier(store, transport, nil)
	reconciler := services.NewReconciler(store, services.NewTextService(), nil)

	scraper := &stubScraper{
		source: models.SourceUNGM,
		notices: []*models.ParsedNotice{
			noticeFixture("N-1", time.Date(2019, 9, 10, 0, 0, 0, 0, time.UTC)),
			noticeFixture("N-2", time.Date(2019, 9, 12, 0, 0, 0, 0, time.UTC)),
		},
	}

	job := NewScrapeJob(scraper, store, reconciler, notifier, testJobConfig())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, store.workerLogs, 1)
	assert.Equal(t, time.Date(2019, 9, 12, 0, 0, 0, 0, time.UTC), store.workerLogs[0].Update)
	assert.Equal(t, 2, store.workerLogs[0].TendersCount)
	assert.Len(t, store.tenders, 2)
}

func TestScrapeJobRunFatalNotifiesOperatorAndSkipsWatermark(t *testing.T) {
	store := newFakeStore()
	transport := &recordingTransport{}
	notifier := services.NewNotifier(store, transport, nil)
	reconciler := services.NewReconciler(store, services.NewTextService(), nil)

	scraper := &stubScraper{
		source: models.SourceTED,
		err: shared.NewScrapeError(shared.ErrorCategoryRunFatal, "FTP_LOGIN_FAILED",
			"login refused", string(models.SourceTED), "Login", false, nil),
	}

	job := NewScrapeJob(scraper, store, reconciler, notifier, testJobConfig())
	err := job.Run(context.Background())

	require.Error(t, err)
	assert.True(t, shared.IsRunFatalError(err))
	assert.Empty(t, store.workerLogs)

	require.Len(t, transport.subjects, 1)
	assert.Contains(t, transport.subjects[0], "scrape run failed")
}

func TestScrapeJobWatermarkCappedByFailedRecord(t *testing.T) {
	store := newFakeStore()
	transport := &recordingTransport{}
	notifier := services.NewNotifier(store, transport, nil)
	reconciler := services.NewReconciler(store, services.NewTextService(), nil)

	older := time.Date(2019, 9, 10, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2019, 9, 12, 0, 0, 0, 0, time.UTC)
	scraper := &stubScraper{
		source: models.SourceUNGM,
		notices: []*models.ParsedNotice{
			noticeFixture("N-1", older),
			noticeFixture("N-2", newer),
		},
	}
	store.upsertFailures["N-1"] = errors.New("connection reset by peer")

	job := NewScrapeJob(scraper, store, reconciler, notifier, testJobConfig())
	require.NoError(t, job.Run(context.Background()))

	// the failed record holds the watermark back so it stays inside the
	// next run's window
	require.Len(t, store.workerLogs, 1)
	assert.Equal(t, older, store.workerLogs[0].Update)
	assert.Len(t, store.tenders, 1)

	// next run picks the failed record up and the watermark catches up
	require.NoError(t, job.Run(context.Background()))
	require.Len(t, store.workerLogs, 2)
	assert.Equal(t, newer, store.workerLogs[1].Update)
	assert.Len(t, store.tenders, 2)
}

func TestScrapeJobPartialScrapeHoldsWatermark(t *testing.T) {
	store := newFakeStore()
	transport := &recordingTransport{}
	notifier := services.NewNotifier(store, transport, nil)
	reconciler := services.NewReconciler(store, services.NewTextService(), nil)

	cutoff := time.Date(2019, 9, 8, 0, 0, 0, 0, time.UTC)
	store.workerLogs = append(store.workerLogs, models.WorkerLog{Source: models.SourceUNGM, Update: cutoff})

	scraper := &stubScraper{
		source:  models.SourceUNGM,
		notices: []*models.ParsedNotice{noticeFixture("N-2", time.Date(2019, 9, 12, 0, 0, 0, 0, time.UTC))},
		err: shared.NewScrapeError(shared.ErrorCategoryTransport, "UNGM_DETAIL_FETCH_FAILED",
			"detail fetch failed", string(models.SourceUNGM), "Scrape", true, nil),
	}

	job := NewScrapeJob(scraper, store, reconciler, notifier, testJobConfig())
	require.NoError(t, job.Run(context.Background()))

	// the skipped notices have unknown published dates, so the watermark holds
	require.Len(t, store.workerLogs, 2)
	assert.Equal(t, cutoff, store.workerLogs[1].Update)
	// the notices that did come back are still reconciled
	assert.Len(t, store.tenders, 1)
}

func TestScrapeJobSecondRunResumesFromWatermark(t *testing.T) {
	store := newFakeStore()
	transport := &recordingTransport{}
	notifier := services.NewNotifier(store, transport, nil)
	reconciler := services.NewReconciler(store, services.NewTextService(), nil)

	published := time.Date(2019, 9, 10, 0, 0, 0, 0, time.UTC)
	scraper := &stubScraper{source: models.SourceUNGM, notices: []*models.ParsedNotice{noticeFixture("N-1", published)}}

	job := NewScrapeJob(scraper, store, reconciler, notifier, testJobConfig())
	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, store.workerLogs, 2)
	// the watermark never moves backwards
	assert.Equal(t, published, store.workerLogs[1].Update)
	assert.Len(t, store.tenders, 1)
}
