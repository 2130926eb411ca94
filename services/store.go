package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/procurewatch/tender-backend/models"
	"github.com/sirupsen/logrus"
)

// Store is the persistence gateway: the only boundary through which the
// pipeline touches durable storage. The reconciliation engine depends on this
// interface, so tests substitute an in-memory implementation.
type Store interface {
	FindTenderByReference(ctx context.Context, reference string) (*models.Tender, error)
	UpsertTender(ctx context.Context, tender *models.Tender) (created bool, err error)
	SetTenderNotified(ctx context.Context, tenderID uuid.UUID, notified bool) error
	SetTenderFavourite(ctx context.Context, reference string, favourite bool) error
	ListTenders(ctx context.Context, source string, includeHidden bool) ([]models.Tender, error)

	UpsertDocument(ctx context.Context, document *models.TenderDocument) (created bool, urlChanged bool, err error)
	SaveDocumentContent(ctx context.Context, documentID uuid.UUID, content []byte) error
	ListDocumentsByTender(ctx context.Context, tenderID uuid.UUID) ([]models.TenderDocument, error)

	GetOrCreateVendor(ctx context.Context, canonicalName string) (*models.Vendor, error)
	BackfillVendorContact(ctx context.Context, vendor *models.Vendor) error

	FindAwardByTender(ctx context.Context, tenderID uuid.UUID) (*models.Award, error)
	UpsertAward(ctx context.Context, award *models.Award) (created bool, err error)
	LinkAwardVendor(ctx context.Context, awardID, vendorID uuid.UUID) error
	SetAwardNotified(ctx context.Context, awardID uuid.UUID) error
	SetAwardRenewalNotified(ctx context.Context, awardID uuid.UUID) error
	AwardsDueForRenewal(ctx context.Context, dueBefore time.Time) ([]models.Award, error)

	TendersForDeadlineThreshold(ctx context.Context, thresholdDays int, now time.Time) ([]models.Tender, error)
	RecordDeadlineNotification(ctx context.Context, tenderID uuid.UUID, thresholdDays int) error

	AppendWorkerLog(ctx context.Context, source models.Source, watermark time.Time, tendersCount int) error
	LastWatermark(ctx context.Context, source models.Source) (*time.Time, error)
	ListWorkerLogs(ctx context.Context, limit int) ([]models.WorkerLog, error)
}

// PostgresStore implements Store on top of database/sql + lib/pq
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore creates the Postgres-backed persistence gateway
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const tenderColumns = `id, reference, source, title, organization, notice_type, published, deadline,
	description, url, unspsc_codes, cpv_codes, favourite, hidden, notified, has_keywords,
	created_at, updated_at`

func scanTender(row interface{ Scan(...interface{}) error }) (*models.Tender, error) {
	var tender models.Tender
	err := row.Scan(
		&tender.ID, &tender.Reference, &tender.Source, &tender.Title, &tender.Organization,
		&tender.NoticeType, &tender.Published, &tender.Deadline, &tender.Description,
		&tender.URL, &tender.UNSPSCCodes, &tender.CPVCodes, &tender.Favourite,
		&tender.Hidden, &tender.Notified, &tender.HasKeywords,
		&tender.CreatedAt, &tender.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tender, nil
}

// FindTenderByReference returns the tender with that reference, or nil when absent
func (s *PostgresStore) FindTenderByReference(ctx context.Context, reference string) (*models.Tender, error) {
	query := `SELECT ` + tenderColumns + ` FROM tenders WHERE reference = $1`

	tender, err := scanTender(s.DB.QueryRowContext(ctx, query, reference))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tender by reference %s: %w", reference, err)
	}
	return tender, nil
}

// UpsertTender inserts the tender or updates the existing row with the same
// reference. The user-set flags (favourite, hidden) and the notified flag are
// never touched on the update path; has_keywords is recomputed each scrape.
func (s *PostgresStore) UpsertTender(ctx context.Context, tender *models.Tender) (bool, error) {
	query := `
		INSERT INTO tenders (
			reference, source, title, organization, notice_type, published, deadline,
			description, url, unspsc_codes, cpv_codes, has_keywords
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (reference) DO UPDATE SET
			source = EXCLUDED.source,
			title = EXCLUDED.title,
			organization = EXCLUDED.organization,
			notice_type = EXCLUDED.notice_type,
			published = EXCLUDED.published,
			deadline = EXCLUDED.deadline,
			description = EXCLUDED.description,
			url = EXCLUDED.url,
			unspsc_codes = EXCLUDED.unspsc_codes,
			cpv_codes = EXCLUDED.cpv_codes,
			has_keywords = EXCLUDED.has_keywords,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, (created_at = updated_at) AS inserted`

	var inserted bool
	err := s.DB.QueryRowContext(ctx, query,
		tender.Reference, tender.Source, tender.Title, tender.Organization, tender.NoticeType,
		tender.Published, tender.Deadline, tender.Description, tender.URL,
		tender.UNSPSCCodes, tender.CPVCodes, tender.HasKeywords,
	).Scan(&tender.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert tender %s: %w", tender.Reference, err)
	}

	logrus.WithFields(logrus.Fields{
		"reference": tender.Reference,
		"source":    tender.Source,
		"created":   inserted,
	}).Debug("Tender upserted")

	return inserted, nil
}

// SetTenderNotified flips the notified flag after a successful dispatch
func (s *PostgresStore) SetTenderNotified(ctx context.Context, tenderID uuid.UUID, notified bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE tenders SET notified = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		tenderID, notified)
	if err != nil {
		return fmt.Errorf("failed to set notified on tender %s: %w", tenderID, err)
	}
	return nil
}

// SetTenderFavourite toggles the user-set favourite flag
func (s *PostgresStore) SetTenderFavourite(ctx context.Context, reference string, favourite bool) error {
	result, err := s.DB.ExecContext(ctx,
		`UPDATE tenders SET favourite = $2, updated_at = CURRENT_TIMESTAMP WHERE reference = $1`,
		reference, favourite)
	if err != nil {
		return fmt.Errorf("failed to set favourite on tender %s: %w", reference, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListTenders returns tenders, optionally filtered by source, hidden rows
// excluded unless asked for
func (s *PostgresStore) ListTenders(ctx context.Context, source string, includeHidden bool) ([]models.Tender, error) {
	query := `SELECT ` + tenderColumns + ` FROM tenders WHERE ($1 = '' OR source = $1)`
	if !includeHidden {
		query += ` AND hidden = FALSE`
	}
	query += ` ORDER BY published DESC NULLS LAST, created_at DESC`

	rows, err := s.DB.QueryContext(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenders: %w", err)
	}
	defer rows.Close()

	var tenders []models.Tender
	for rows.Next() {
		tender, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tender row: %w", err)
		}
		tenders = append(tenders, *tender)
	}
	return tenders, rows.Err()
}

// UpsertDocument inserts the document under the (tender, name) composite key;
// if the row exists and its download URL changed, the URL is updated in place
// and the blob marked stale so it gets re-downloaded.
func (s *PostgresStore) UpsertDocument(ctx context.Context, document *models.TenderDocument) (bool, bool, error) {
	var existingID uuid.UUID
	var existingURL string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, download_url FROM tender_documents WHERE tender_id = $1 AND name = $2`,
		document.TenderID, document.Name,
	).Scan(&existingID, &existingURL)

	if err == sql.ErrNoRows {
		insertErr := s.DB.QueryRowContext(ctx,
			`INSERT INTO tender_documents (tender_id, name, download_url) VALUES ($1, $2, $3) RETURNING id`,
			document.TenderID, document.Name, document.DownloadURL,
		).Scan(&document.ID)
		if insertErr != nil {
			return false, false, fmt.Errorf("failed to insert document %s: %w", document.Name, insertErr)
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to look up document %s: %w", document.Name, err)
	}

	document.ID = existingID
	if existingURL == document.DownloadURL {
		return false, false, nil
	}

	_, err = s.DB.ExecContext(ctx,
		`UPDATE tender_documents SET download_url = $2, downloaded = FALSE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		existingID, document.DownloadURL)
	if err != nil {
		return false, false, fmt.Errorf("failed to update document %s: %w", document.Name, err)
	}
	return false, true, nil
}

// SaveDocumentContent stores the downloaded blob
func (s *PostgresStore) SaveDocumentContent(ctx context.Context, documentID uuid.UUID, content []byte) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE tender_documents SET content = $2, downloaded = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		documentID, content)
	if err != nil {
		return fmt.Errorf("failed to save document content %s: %w", documentID, err)
	}
	return nil
}

// ListDocumentsByTender returns document metadata for a tender
func (s *PostgresStore) ListDocumentsByTender(ctx context.Context, tenderID uuid.UUID) ([]models.TenderDocument, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, tender_id, name, download_url, downloaded, created_at, updated_at
		 FROM tender_documents WHERE tender_id = $1 ORDER BY name`,
		tenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var documents []models.TenderDocument
	for rows.Next() {
		var document models.TenderDocument
		if err := rows.Scan(&document.ID, &document.TenderID, &document.Name, &document.DownloadURL,
			&document.Downloaded, &document.CreatedAt, &document.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		documents = append(documents, document)
	}
	return documents, rows.Err()
}

// GetOrCreateVendor resolves a canonical vendor name to exactly one row
func (s *PostgresStore) GetOrCreateVendor(ctx context.Context, canonicalName string) (*models.Vendor, error) {
	query := `
		INSERT INTO vendors (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, email, contact_name, comment, created_at`

	var vendor models.Vendor
	err := s.DB.QueryRowContext(ctx, query, canonicalName).Scan(
		&vendor.ID, &vendor.Name, &vendor.Email, &vendor.ContactName, &vendor.Comment, &vendor.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create vendor %s: %w", canonicalName, err)
	}
	return &vendor, nil
}

// BackfillVendorContact fills blank contact fields only; values already set
// are never overwritten
func (s *PostgresStore) BackfillVendorContact(ctx context.Context, vendor *models.Vendor) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE vendors SET
			email = CASE WHEN email = '' THEN $2 ELSE email END,
			contact_name = CASE WHEN contact_name = '' THEN $3 ELSE contact_name END,
			comment = CASE WHEN comment = '' THEN $4 ELSE comment END
		WHERE id = $1`,
		vendor.ID, vendor.Email, vendor.ContactName, vendor.Comment)
	if err != nil {
		return fmt.Errorf("failed to backfill vendor contact %s: %w", vendor.Name, err)
	}
	return nil
}

// FindAwardByTender returns the award attached to a tender, or nil
func (s *PostgresStore) FindAwardByTender(ctx context.Context, tenderID uuid.UUID) (*models.Award, error) {
	var award models.Award
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, tender_id, value, currency, award_date, renewal_date, notified, renewal_notified, created_at, updated_at
		 FROM awards WHERE tender_id = $1`,
		tenderID,
	).Scan(&award.ID, &award.TenderID, &award.Value, &award.Currency, &award.AwardDate,
		&award.RenewalDate, &award.Notified, &award.RenewalNotified, &award.CreatedAt, &award.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find award for tender %s: %w", tenderID, err)
	}
	return &award, nil
}

// UpsertAward inserts or updates the single award keyed by tender. The
// notification gates are never reset on the update path.
func (s *PostgresStore) UpsertAward(ctx context.Context, award *models.Award) (bool, error) {
	query := `
		INSERT INTO awards (tender_id, value, currency, award_date, renewal_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tender_id) DO UPDATE SET
			value = EXCLUDED.value,
			currency = EXCLUDED.currency,
			award_date = EXCLUDED.award_date,
			renewal_date = EXCLUDED.renewal_date,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, (created_at = updated_at) AS inserted`

	var inserted bool
	err := s.DB.QueryRowContext(ctx, query,
		award.TenderID, award.Value, award.Currency, award.AwardDate, award.RenewalDate,
	).Scan(&award.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert award for tender %s: %w", award.TenderID, err)
	}
	return inserted, nil
}

// LinkAwardVendor attaches a vendor to an award, idempotently
func (s *PostgresStore) LinkAwardVendor(ctx context.Context, awardID, vendorID uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO award_vendors (award_id, vendor_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		awardID, vendorID)
	if err != nil {
		return fmt.Errorf("failed to link vendor %s to award %s: %w", vendorID, awardID, err)
	}
	return nil
}

// SetAwardNotified marks an award's new-award notification as sent
func (s *PostgresStore) SetAwardNotified(ctx context.Context, awardID uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE awards SET notified = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, awardID)
	if err != nil {
		return fmt.Errorf("failed to set notified on award %s: %w", awardID, err)
	}
	return nil
}

// SetAwardRenewalNotified permanently marks the renewal reminder as sent
func (s *PostgresStore) SetAwardRenewalNotified(ctx context.Context, awardID uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE awards SET renewal_notified = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, awardID)
	if err != nil {
		return fmt.Errorf("failed to set renewal_notified on award %s: %w", awardID, err)
	}
	return nil
}

// AwardsDueForRenewal returns awards whose renewal date falls before the
// lead-time horizon and whose reminder has not fired yet
func (s *PostgresStore) AwardsDueForRenewal(ctx context.Context, dueBefore time.Time) ([]models.Award, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, tender_id, value, currency, award_date, renewal_date, notified, renewal_notified, created_at, updated_at
		 FROM awards
		 WHERE renewal_date IS NOT NULL AND renewal_notified = FALSE AND renewal_date <= $1`,
		dueBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query awards due for renewal: %w", err)
	}
	defer rows.Close()

	var awards []models.Award
	for rows.Next() {
		var award models.Award
		if err := rows.Scan(&award.ID, &award.TenderID, &award.Value, &award.Currency, &award.AwardDate,
			&award.RenewalDate, &award.Notified, &award.RenewalNotified, &award.CreatedAt, &award.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan award row: %w", err)
		}
		awards = append(awards, award)
	}
	return awards, rows.Err()
}

// TendersForDeadlineThreshold returns tenders whose deadline falls within the
// threshold window and which have no guard row for that threshold yet
func (s *PostgresStore) TendersForDeadlineThreshold(ctx context.Context, thresholdDays int, now time.Time) ([]models.Tender, error) {
	horizon := now.AddDate(0, 0, thresholdDays)

	query := `SELECT ` + tenderColumns + `
		FROM tenders t
		WHERE t.deadline IS NOT NULL
		  AND t.deadline > $1
		  AND t.deadline <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM deadline_notifications dn
			WHERE dn.tender_id = t.id AND dn.threshold_days = $3
		  )`

	rows, err := s.DB.QueryContext(ctx, query, now, horizon, thresholdDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenders for deadline threshold %d: %w", thresholdDays, err)
	}
	defer rows.Close()

	var tenders []models.Tender
	for rows.Next() {
		tender, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tender row: %w", err)
		}
		tenders = append(tenders, *tender)
	}
	return tenders, rows.Err()
}

// RecordDeadlineNotification writes the per-threshold guard row
func (s *PostgresStore) RecordDeadlineNotification(ctx context.Context, tenderID uuid.UUID, thresholdDays int) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO deadline_notifications (tender_id, threshold_days) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		tenderID, thresholdDays)
	if err != nil {
		return fmt.Errorf("failed to record deadline notification: %w", err)
	}
	return nil
}

// AppendWorkerLog appends the run audit record; the latest update_date per
// source becomes the watermark for the next incremental run
func (s *PostgresStore) AppendWorkerLog(ctx context.Context, source models.Source, watermark time.Time, tendersCount int) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO worker_logs (source, update_date, tenders_count) VALUES ($1, $2, $3)`,
		source, watermark, tendersCount)
	if err != nil {
		return fmt.Errorf("failed to append worker log for %s: %w", source, err)
	}

	logrus.WithFields(logrus.Fields{
		"source":        source,
		"watermark":     watermark.Format("2006-01-02"),
		"tenders_count": tendersCount,
	}).Info("Worker log appended")

	return nil
}

// LastWatermark returns the most recent date scraped through for a source,
// or nil when the source has never completed a run
func (s *PostgresStore) LastWatermark(ctx context.Context, source models.Source) (*time.Time, error) {
	var watermark time.Time
	err := s.DB.QueryRowContext(ctx,
		`SELECT update_date FROM worker_logs WHERE source = $1 ORDER BY update_date DESC LIMIT 1`,
		source,
	).Scan(&watermark)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last watermark for %s: %w", source, err)
	}
	return &watermark, nil
}

// ListWorkerLogs returns the most recent run records
func (s *PostgresStore) ListWorkerLogs(ctx context.Context, limit int) ([]models.WorkerLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, source, update_date, tenders_count, created_at
		 FROM worker_logs ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker logs: %w", err)
	}
	defer rows.Close()

	var logs []models.WorkerLog
	for rows.Next() {
		var workerLog models.WorkerLog
		if err := rows.Scan(&workerLog.ID, &workerLog.Source, &workerLog.Update,
			&workerLog.TendersCount, &workerLog.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker log row: %w", err)
		}
		logs = append(logs, workerLog)
	}
	return logs, rows.Err()
}
