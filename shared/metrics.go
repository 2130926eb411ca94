package shared

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RunMetrics tracks per-run outcome counters for a scrape-and-reconcile job
type RunMetrics struct {
	Source          string
	StartedAt       time.Time
	Created         int
	Changed         int
	Unchanged       int
	Rejected        int
	TransportErrors int
	DocumentsQueued int
	mutex           sync.Mutex
}

// NewRunMetrics creates a metrics tracker for one run
func NewRunMetrics(source string) *RunMetrics {
	return &RunMetrics{
		Source:    source,
		StartedAt: time.Now(),
	}
}

// RecordOutcome increments the counter matching a reconciliation outcome
func (m *RunMetrics) RecordOutcome(outcome string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch outcome {
	case "created":
		m.Created++
	case "changed":
		m.Changed++
	case "unchanged":
		m.Unchanged++
	}
}

// RecordRejected increments the rejected-record counter
func (m *RunMetrics) RecordRejected() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Rejected++
}

// RecordTransportError increments the transport-failure counter
func (m *RunMetrics) RecordTransportError() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.TransportErrors++
}

// RecordDocumentsQueued adds to the queued-download counter
func (m *RunMetrics) RecordDocumentsQueued(count int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.DocumentsQueued += count
}

// Processed returns the total number of records that went through reconciliation
func (m *RunMetrics) Processed() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.Created + m.Changed + m.Unchanged
}

// LogSummary logs the run counters
func (m *RunMetrics) LogSummary() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"source":           m.Source,
		"created":          m.Created,
		"changed":          m.Changed,
		"unchanged":        m.Unchanged,
		"rejected":         m.Rejected,
		"transport_errors": m.TransportErrors,
		"documents_queued": m.DocumentsQueued,
		"duration":         time.Since(m.StartedAt),
	}).Info("Scrape run metrics summary")
}
