package models

import (
	"time"

	"github.com/google/uuid"
)

// TenderDocument is attachment metadata plus a lazily-downloaded blob.
// Uniqueness is the (tender, name) composite key; a tender's document list is
// the union across all scrapes, never a snapshot.
type TenderDocument struct {
	ID          uuid.UUID `json:"id"`
	TenderID    uuid.UUID `json:"tender_id"`
	Name        string    `json:"name"`
	DownloadURL string    `json:"download_url"`
	Content     []byte    `json:"-"`
	Downloaded  bool      `json:"downloaded"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
