package gronka

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrObjectNotFound indicates a stored artifact was not found
	ErrObjectNotFound = errors.New("object not found")

	// ErrLedgerEntryNotFound indicates no ledger entry exists for a source URL
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")

	// ErrOperationNotFound indicates an operation was not found
	ErrOperationNotFound = errors.New("operation not found")

	// ErrMetricsNotFound indicates no metrics exist yet for a user
	ErrMetricsNotFound = errors.New("user metrics not found")

	// ErrUploadFailed indicates every delivery strategy was exhausted
	ErrUploadFailed = errors.New("upload failed")

	// ErrDownloadFailed indicates the upstream fetch failed
	ErrDownloadFailed = errors.New("download failed")

	// ErrTranscodeFailed indicates the transcoding subprocess failed
	ErrTranscodeFailed = errors.New("transcode failed")

	// ErrInvalidTransition indicates a disallowed operation status transition
	ErrInvalidTransition = errors.New("invalid operation status transition")

	// ErrOperationTerminal indicates the operation already reached a terminal state
	ErrOperationTerminal = errors.New("operation is already terminal")
)

// ValidationError represents malformed input (URL, file signature, size).
// It is surfaced directly to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError represents a failure in an external collaborator (download
// service, remote object store).
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// RateLimitError is a distinguished upstream failure that callers may present
// as "try again later" rather than a hard failure. It must never poison the
// ledger.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Service, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Service)
}

// StaleResourceError represents a remote reference (e.g. an expired attachment
// URL) that can sometimes be refreshed once before failing.
type StaleResourceError struct {
	URL string
	Err error
}

func (e *StaleResourceError) Error() string {
	return fmt.Sprintf("stale resource %s: %v", e.URL, e.Err)
}

func (e *StaleResourceError) Unwrap() error {
	return e.Err
}

// OperationStateError represents a rejected status transition.
type OperationStateError struct {
	OperationID uuid.UUID
	From        OperationStatus
	To          OperationStatus
	Err         error
}

func (e *OperationStateError) Error() string {
	return fmt.Sprintf("operation %s cannot transition %s -> %s: %v", e.OperationID, e.From, e.To, e.Err)
}

func (e *OperationStateError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
