package gronka

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the main interface for the gronka coordination core.
type Service interface {
	// Processing operations
	ProcessUpload(ctx context.Context, req ProcessUploadRequest) (*ProcessResult, error)
	ProcessURL(ctx context.Context, req ProcessURLRequest) (*ProcessResult, error)

	// Operation queries
	GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error)
	ListRecentOperations(ctx context.Context, limit int) ([]*Operation, error)
	GetUserMetrics(ctx context.Context, userID string) (*UserMetrics, error)

	// RunReaper sweeps for stuck operations until the context is canceled
	RunReaper(ctx context.Context, interval, threshold time.Duration) error
}
