package services

import (
	"context"
	"time"

	"github.com/procurewatch/tender-backend/models"
)

// SourceScraper is the common contract of the three source parsers: walk the
// source from the cutoff date forward and return canonical parsed notices.
// Record-level failures are handled inside Scrape; an error return means the
// whole run failed.
type SourceScraper interface {
	Source() models.Source
	Scrape(ctx context.Context, since time.Time) ([]*models.ParsedNotice, error)
}
