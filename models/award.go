package models

import (
	"time"

	"github.com/google/uuid"
)

// Award records a contract award reported on a tender notice. UNGM and TED
// carry at most one award per tender; IUCN accumulates value across repeated
// sightings of the same notice.
type Award struct {
	ID       uuid.UUID `json:"id"`
	TenderID uuid.UUID `json:"tender_id"`

	Value     *float64   `json:"value"`
	Currency  string     `json:"currency"` // 3-letter code
	AwardDate *time.Time `json:"award_date"`

	// RenewalDate is computed from a detected contract duration,
	// e.g. "renewable 24 months" -> award_date + 24 months
	RenewalDate *time.Time `json:"renewal_date"`

	// Notification gates, set once and never reset
	Notified        bool `json:"notified"`
	RenewalNotified bool `json:"renewal_notified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Vendor is identified by its canonicalized name. Secondary contact fields
// are filled from whichever record has them first, never overwritten.
type Vendor struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"` // canonical form
	Email       string    `json:"email"`
	ContactName string    `json:"contact_name"`
	Comment     string    `json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
}
