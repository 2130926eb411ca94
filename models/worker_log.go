package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkerLog is the append-only audit record of a scrape run. The most recent
// Update date per source is the watermark used for incremental resumption,
// so writing it must be the last action of a successful run.
type WorkerLog struct {
	ID           uuid.UUID `json:"id"`
	Source       Source    `json:"source"`
	Update       time.Time `json:"update"` // date scraped through
	TendersCount int       `json:"tenders_count"`
	CreatedAt    time.Time `json:"created_at"`
}
