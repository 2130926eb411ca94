package shared

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory represents different classes of scrape-pipeline failures
type ErrorCategory string

const (
	// ErrorCategoryTransport covers network and FTP failures; retried up to a
	// fixed bound, then the record is skipped or the run aborted depending on
	// criticality.
	ErrorCategoryTransport ErrorCategory = "transport"
	// ErrorCategoryParse covers malformed or unexpected document structure;
	// the field defaults and the record proceeds unless the missing field is
	// the reference.
	ErrorCategoryParse ErrorCategory = "parse"
	// ErrorCategoryValidation covers a required field absent after parse; the
	// record is rejected and the run continues.
	ErrorCategoryValidation ErrorCategory = "validation"
	// ErrorCategoryRunFatal covers login/auth failures or an entirely
	// unreachable source; the run aborts and the error propagates so an
	// operator notification can be sent.
	ErrorCategoryRunFatal ErrorCategory = "run_fatal"
	// ErrorCategoryDatabase covers persistence gateway failures
	ErrorCategoryDatabase ErrorCategory = "database"
)

// ScrapeError is the standardized pipeline error carrying category, source
// context and retryability
type ScrapeError struct {
	Category  ErrorCategory `json:"category"`
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Source    string        `json:"source"`
	Operation string        `json:"operation"`
	Retryable bool          `json:"retryable"`
	Timestamp time.Time     `json:"timestamp"`
	Cause     error         `json:"-"`
}

// Error implements the error interface
func (e *ScrapeError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ScrapeError) Unwrap() error {
	return e.Cause
}

// IsRunFatal reports whether the error must abort the whole run
func (e *ScrapeError) IsRunFatal() bool {
	return e.Category == ErrorCategoryRunFatal
}

// NewScrapeError creates a new pipeline error
func NewScrapeError(category ErrorCategory, code, message, source, operation string, retryable bool, cause error) *ScrapeError {
	return &ScrapeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Source:    source,
		Operation: operation,
		Retryable: retryable,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// LogError logs the error with structured fields
func (e *ScrapeError) LogError() {
	logrus.WithFields(logrus.Fields{
		"error_category":   e.Category,
		"error_code":       e.Code,
		"error_message":    e.Message,
		"source":           e.Source,
		"operation":        e.Operation,
		"retryable":        e.Retryable,
		"underlying_error": e.Cause,
	}).Error("Scrape pipeline error occurred")
}

// WrapError wraps an existing error with pipeline error context
func WrapError(err error, category ErrorCategory, code, source, operation string, retryable bool) *ScrapeError {
	if err == nil {
		return nil
	}

	var scrapeErr *ScrapeError
	if errors.As(err, &scrapeErr) {
		scrapeErr.Source = source
		scrapeErr.Operation = operation
		return scrapeErr
	}

	return NewScrapeError(category, code, err.Error(), source, operation, retryable, err)
}

// IsRunFatalError reports whether an error carries the run-fatal category.
// Run-fatal errors are the one case where failure must escape the
// reconciliation loop.
func IsRunFatalError(err error) bool {
	var scrapeErr *ScrapeError
	if errors.As(err, &scrapeErr) {
		return scrapeErr.IsRunFatal()
	}
	return false
}

// IsRetryableError checks if an error is worth another attempt
func IsRetryableError(err error) bool {
	var scrapeErr *ScrapeError
	if errors.As(err, &scrapeErr) {
		return scrapeErr.Retryable
	}

	// Default heuristics for standard errors
	errorMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout", "connection refused", "connection reset",
		"temporary failure", "service unavailable", "too many requests",
		"network", "dns", "socket",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errorMsg, pattern) {
			return true
		}
	}

	return false
}
