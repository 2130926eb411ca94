package jobs

import (
	"context"
	"time"

	"github.com/procurewatch/tender-backend/services"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler drives the periodic work: one scrape-and-reconcile run per
// source plus the deadline and renewal scans. Runs for the same source never
// overlap; cron's SkipIfStillRunning wrapper drops the tick instead.
type Scheduler struct {
	cron       *cron.Cron
	scrapeJobs []*ScrapeJob
	notifier   *services.Notifier
	runTimeout time.Duration
}

// NewScheduler creates the job scheduler
func NewScheduler(scrapeJobs []*ScrapeJob, notifier *services.Notifier) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		scrapeJobs: scrapeJobs,
		notifier:   notifier,
		runTimeout: 2 * time.Hour,
	}
}

// Start registers the schedules and starts the cron loop
func (s *Scheduler) Start() error {
	for _, scrapeJob := range s.scrapeJobs {
		job := scrapeJob
		if _, err := s.cron.AddFunc("0 6 * * *", func() { s.runScrape(job) }); err != nil {
			return err
		}
	}

	if _, err := s.cron.AddFunc("30 7 * * *", s.runDeadlineScan); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("45 7 * * *", s.runRenewalScan); err != nil {
		return err
	}

	s.cron.Start()
	logrus.WithFields(logrus.Fields{
		"component":   "scheduler",
		"scrape_jobs": len(s.scrapeJobs),
	}).Info("Job scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running jobs to finish
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	logrus.WithField("component", "scheduler").Info("Job scheduler stopped")
}

// RunAllOnce triggers every scrape job immediately, for manual runs and
// first-boot backfills
func (s *Scheduler) RunAllOnce() {
	for _, scrapeJob := range s.scrapeJobs {
		s.runScrape(scrapeJob)
	}
}

func (s *Scheduler) runScrape(job *ScrapeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	if err := job.Run(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "scheduler",
			"source":    job.scraper.Source(),
		}).WithError(err).Error("Scrape run failed")
	}
}

func (s *Scheduler) runDeadlineScan() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := s.notifier.NotifyDeadlines(ctx, time.Now().UTC()); err != nil {
		logrus.WithField("component", "scheduler").WithError(err).Error("Deadline scan failed")
	}
}

func (s *Scheduler) runRenewalScan() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := s.notifier.NotifyRenewals(ctx, time.Now().UTC()); err != nil {
		logrus.WithField("component", "scheduler").WithError(err).Error("Renewal scan failed")
	}
}
