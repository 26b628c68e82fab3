package gronka

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore defines the interface for storage backends
type BlobStore interface {
	// Upload uploads content directly
	Upload(ctx context.Context, objectKey string, reader io.Reader) error

	// UploadWithParams uploads content with additional parameters
	UploadWithParams(ctx context.Context, reader io.Reader, params UploadParams) error

	// Download downloads content directly
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Exists reports whether an object is already stored under the key
	Exists(ctx context.Context, objectKey string) (bool, error)

	// GetDownloadURL returns a URL for downloading content
	GetDownloadURL(ctx context.Context, objectKey string, downloadFilename string) (string, error)

	// Delete deletes content
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
	Metadata    map[string]string
}

// UploadParams contains parameters for uploading an object
type UploadParams struct {
	ObjectKey string
	MimeType  string
}

// Repository defines the persistence interface for the URL processing ledger,
// the operation log, and per-user metrics.
type Repository interface {
	// Ledger operations
	GetLedgerEntry(ctx context.Context, sourceURLHash string) (*LedgerEntry, error)
	UpsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error

	// Operation operations
	CreateOperation(ctx context.Context, op *Operation) error
	UpdateOperation(ctx context.Context, op *Operation) error
	// FinishOperation persists a terminal operation only if the stored
	// status is still pending or running. The check and the write are
	// atomic, so two racing finishers cannot both land: the loser gets
	// ErrOperationTerminal and the stored outcome is untouched.
	FinishOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error)
	ListRecentOperations(ctx context.Context, limit int) ([]*Operation, error)
	ListStuckOperations(ctx context.Context, threshold time.Duration) ([]*Operation, error)

	// Metrics operations
	GetUserMetrics(ctx context.Context, userID string) (*UserMetrics, error)
	UpsertUserMetrics(ctx context.Context, metrics *UserMetrics) error
}

// Downloader is the external download-service boundary. Implementations
// perform the actual network fetch; the coalescer never does I/O itself.
type Downloader interface {
	Fetch(ctx context.Context, url string, constraints FetchConstraints) (*DownloadResult, error)
}

// FetchConstraints bound a single upstream fetch.
type FetchConstraints struct {
	MaxSizeBytes int64
	Timeout      time.Duration
	ExpectedKind MediaKind
}

// DownloadResult is the product of one upstream fetch.
type DownloadResult struct {
	Data      []byte
	Kind      MediaKind
	Extension string
	FileName  string
}

// Transcoder is the transcoding-subprocess boundary. It is treated as an
// opaque, potentially slow, potentially failing black box; the caller owns
// the temp-file lifecycle on every exit path.
type Transcoder interface {
	Transform(ctx context.Context, inputPath, outputPath string, spec TransformSpec) error
}

// AttachmentSender is the chat-platform boundary for inline delivery. Send
// returns the URL the platform assigned to the attachment.
type AttachmentSender interface {
	Send(ctx context.Context, filename string, data []byte) (string, error)
}

// Notifier delivers out-of-band messages to users, e.g. when the reaper
// force-fails a stalled operation.
type Notifier interface {
	NotifyOperationFailed(ctx context.Context, op *Operation, message string) error
}

// EventSink receives operation lifecycle broadcasts. Sink failures are logged
// and never affect the operation's recorded outcome.
type EventSink interface {
	// OperationStarted is fired when an operation enters running
	OperationStarted(ctx context.Context, op *Operation) error

	// StepLogged is fired for every appended step
	StepLogged(ctx context.Context, op *Operation, step Step) error

	// OperationFinished is fired on the terminal transition
	OperationFinished(ctx context.Context, op *Operation) error
}
