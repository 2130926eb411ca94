package jobs

import (
	"context"
	"time"

	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/models"
	"github.com/procurewatch/tender-backend/services"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/sirupsen/logrus"
)

// ScrapeJob runs one source end to end: fetch and parse, reconcile each
// notice, dispatch notifications, download newly discovered documents and
// finally advance the watermark. The watermark write is last on purpose: a
// crash mid-run replays from the previous confirmed watermark.
type ScrapeJob struct {
	scraper       services.SourceScraper
	store         services.Store
	reconciler    *services.Reconciler
	notifier      *services.Notifier
	fetcher       *shared.HTTPFetcher
	scraperConfig *config.ScraperConfig
}

// NewScrapeJob wires one source's scrape-and-reconcile pipeline
func NewScrapeJob(scraper services.SourceScraper, store services.Store, reconciler *services.Reconciler,
	notifier *services.Notifier, scraperConfig *config.ScraperConfig) *ScrapeJob {
	if scraperConfig == nil {
		scraperConfig = config.DefaultScraperConfig()
	}
	return &ScrapeJob{
		scraper:    scraper,
		store:      store,
		reconciler: reconciler,
		notifier:   notifier,
		fetcher: shared.NewHTTPFetcher(scraperConfig.HTTPRequestTimeout, scraperConfig.RequestRateLimit,
			scraperConfig.MaxRetryAttempts, scraperConfig.RetryDelay),
		scraperConfig: scraperConfig,
	}
}

// Run executes one scrape-and-reconcile run. Record-level failures are
// logged and skipped; a run-fatal failure aborts, notifies the operator and
// is returned to the scheduler.
func (j *ScrapeJob) Run(ctx context.Context) error {
	source := j.scraper.Source()
	metrics := shared.NewRunMetrics(string(source))
	startedAt := time.Now().UTC()

	since, err := j.resolveCutoff(ctx, source)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"component": "scrape_job",
		"source":    source,
		"since":     since.Format("2006-01-02"),
	}).Info("Scrape run starting")

	notices, err := j.scraper.Scrape(ctx, since)
	partialScrape := err != nil
	if partialScrape {
		if shared.IsRunFatalError(err) || len(notices) == 0 {
			j.notifier.NotifyOperator(ctx, source, err)
			return err
		}
		logrus.WithFields(logrus.Fields{
			"component": "scrape_job",
			"source":    source,
		}).WithError(err).Warn("Scrape ended early, processing partial results")
	}

	watermark := since
	sawPublished := false
	var failedBefore *time.Time
	var outcomes []*services.ReconcileOutcome
	policy := awardPolicyFor(source)

	for _, notice := range notices {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		outcome, reconcileErr := j.reconciler.ReconcileNotice(ctx, notice, policy)
		if reconcileErr != nil {
			metrics.RecordRejected()
			logrus.WithFields(logrus.Fields{
				"component": "scrape_job",
				"source":    source,
				"reference": notice.Tender.Reference,
			}).WithError(reconcileErr).Warn("Skipping notice, reconciliation failed")
			// a failed record must stay inside the next run's window
			published := notice.Tender.Published
			if published == nil {
				published = &since
			}
			if failedBefore == nil || published.Before(*failedBefore) {
				failedBefore = published
			}
			continue
		}

		outcomes = append(outcomes, outcome)
		switch {
		case outcome.Created:
			metrics.RecordOutcome("created")
		case outcome.Changed():
			metrics.RecordOutcome("changed")
		default:
			metrics.RecordOutcome("unchanged")
		}

		// the watermark only advances past successfully processed records
		if published := outcome.Tender.Published; published != nil {
			if !sawPublished || published.After(watermark) {
				watermark = *published
				sawPublished = true
			}
		}
	}

	// a partial scrape skipped records with unknown published dates, so the
	// watermark holds at the cutoff; a reconcile failure caps it at the
	// earliest failed record so that record is re-scraped next run
	switch {
	case partialScrape:
		watermark = since
	case failedBefore != nil && watermark.After(*failedBefore):
		watermark = *failedBefore
	}

	if err := j.notifier.NotifyRunOutcomes(ctx, source, outcomes); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "scrape_job",
			"source":    source,
		}).WithError(err).Error("Notification dispatch failed")
	}

	j.downloadDocuments(ctx, source, outcomes, metrics)

	if err := j.store.AppendWorkerLog(ctx, source, watermark, metrics.Processed()); err != nil {
		return err
	}

	metrics.LogSummary()
	logrus.WithFields(logrus.Fields{
		"component": "scrape_job",
		"source":    source,
		"duration":  time.Since(startedAt).Round(time.Second).String(),
	}).Info("Scrape run finished")

	return nil
}

// resolveCutoff starts from the last watermark, falling back to the
// configured lookback window for a source that never completed a run
func (j *ScrapeJob) resolveCutoff(ctx context.Context, source models.Source) (time.Time, error) {
	watermark, err := j.store.LastWatermark(ctx, source)
	if err != nil {
		return time.Time{}, err
	}
	if watermark != nil {
		return *watermark, nil
	}
	return time.Now().UTC().AddDate(0, 0, -j.scraperConfig.LookbackDays), nil
}

// downloadDocuments fetches the blobs behind newly discovered or re-linked
// documents. Download failures do not fail the run; the downloaded flag stays
// false and the next run retries.
func (j *ScrapeJob) downloadDocuments(ctx context.Context, source models.Source, outcomes []*services.ReconcileOutcome, metrics *shared.RunMetrics) {
	var queued []models.TenderDocument
	for _, outcome := range outcomes {
		queued = append(queued, outcome.NewDocuments...)
		queued = append(queued, outcome.StaleURLDocs...)
	}
	if len(queued) == 0 {
		return
	}
	metrics.RecordDocumentsQueued(len(queued))

	for _, document := range queued {
		if ctx.Err() != nil {
			return
		}

		content, err := j.fetcher.Get(document.DownloadURL)
		if err != nil {
			metrics.RecordTransportError()
			logrus.WithFields(logrus.Fields{
				"component": "scrape_job",
				"source":    source,
				"document":  document.Name,
			}).WithError(err).Warn("Document download failed, will retry next run")
			continue
		}
		if err := j.store.SaveDocumentContent(ctx, document.ID, content); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "scrape_job",
				"source":    source,
				"document":  document.Name,
			}).WithError(err).Warn("Document content save failed")
		}
	}
}

// awardPolicyFor returns how repeat sightings of an award notice collapse
// into the stored value. IUCN splits one procurement across several listing
// rows, so its values accumulate; everything else reports one authoritative
// figure and replaces.
func awardPolicyFor(source models.Source) services.AwardValuePolicy {
	if source == models.SourceIUCN {
		return services.AwardValueAccumulate
	}
	return services.AwardValueReplace
}
