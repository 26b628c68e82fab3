package gronka

import (
	"github.com/google/uuid"
)

// Request/Response DTOs

// ProcessUploadRequest contains parameters for processing uploaded bytes.
type ProcessUploadRequest struct {
	Data      []byte
	FileName  string
	KindHint  string
	Transform TransformSpec
	UserID    string
}

// ProcessURLRequest contains parameters for processing a source URL. KindHint
// doubles as the expected-kind filter against the ledger: a cached artifact
// of a different kind never short-circuits the fetch.
type ProcessURLRequest struct {
	SourceURL string
	KindHint  string
	Transform TransformSpec
	SkipCache bool
	UserID    string
}

// ProcessResult is the terminal answer for a processing request.
type ProcessResult struct {
	OperationID uuid.UUID      `json:"operation_id"`
	ContentHash string         `json:"content_hash"`
	Kind        MediaKind      `json:"kind"`
	Extension   string         `json:"extension"`
	DeliveryURL string         `json:"delivery_url"`
	Method      DeliveryMethod `json:"method"`
	SizeBytes   int64          `json:"size_bytes"`

	// Deduplicated is true when the artifact already existed in the
	// content-addressed store and no new delivery happened.
	Deduplicated bool `json:"deduplicated"`

	// FromLedger is true when the answer came straight from the URL
	// processing ledger without any upstream fetch.
	FromLedger bool `json:"from_ledger"`
}
