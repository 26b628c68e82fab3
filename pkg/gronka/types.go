package gronka

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaKind is the domain type for artifact categories.
type MediaKind string

// Media kind constants (typed).
const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
	KindGIF   MediaKind = "gif"
)

// ParseMediaKind maps a free-form hint (mime type prefix or bare name) to a
// MediaKind. Unknown hints return an empty kind rather than an error so that
// callers can treat the hint as optional.
func ParseMediaKind(hint string) MediaKind {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "image", "image/png", "image/jpeg", "image/webp":
		return KindImage
	case "video", "video/mp4", "video/webm", "video/quicktime":
		return KindVideo
	case "gif", "image/gif", "animated-image":
		return KindGIF
	}
	return ""
}

// DeliveryMethod identifies which fulfillment step produced an artifact's URL.
type DeliveryMethod string

// Delivery method constants (typed).
const (
	DeliveryInline DeliveryMethod = "inline"
	DeliveryRemote DeliveryMethod = "remote"
	DeliveryLocal  DeliveryMethod = "local"
)

// LocationKind discriminates a Location variant.
type LocationKind string

const (
	LocationLocal  LocationKind = "local"
	LocationRemote LocationKind = "remote"
)

// Location is a tagged variant for an artifact's physical placement. It is
// decided once when the artifact is delivered; an artifact is either on local
// disk or behind a remote URL, never both.
type Location struct {
	Kind LocationKind `json:"kind"`
	Path string       `json:"path,omitempty"`
	URL  string       `json:"url,omitempty"`
}

// LocalLocation returns a Location pointing at a local file path.
func LocalLocation(path string) Location {
	return Location{Kind: LocationLocal, Path: path}
}

// RemoteLocation returns a Location pointing at a remote URL.
func RemoteLocation(url string) Location {
	return Location{Kind: LocationRemote, URL: url}
}

// IsLocal reports whether the location is a local file path.
func (l Location) IsLocal() bool { return l.Kind == LocationLocal }

// IsRemote reports whether the location is a remote URL.
func (l Location) IsRemote() bool { return l.Kind == LocationRemote }

func (l Location) String() string {
	if l.IsLocal() {
		return l.Path
	}
	return l.URL
}

// ContentObject represents a stored artifact addressed by its content hash.
// Two puts that hash to the same value for the same kind resolve to the same
// object; the store never creates a second copy.
type ContentObject struct {
	Hash           string         `json:"hash"`
	Kind           MediaKind      `json:"kind"`
	Extension      string         `json:"extension"`
	SizeBytes      int64          `json:"size_bytes"`
	Location       Location       `json:"location"`
	DeliveryMethod DeliveryMethod `json:"delivery_method"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DeliveryURL returns the URL clients use to reach the artifact.
func (o *ContentObject) DeliveryURL() string { return o.Location.String() }

// LedgerEntry maps a hashed source URL (plus any transform discriminator) to
// the artifact it previously produced. At most one live entry exists per
// source hash; writes are upserts.
type LedgerEntry struct {
	SourceURLHash string    `json:"source_url_hash"`
	ContentHash   string    `json:"content_hash"`
	Kind          MediaKind `json:"kind"`
	Extension     string    `json:"extension"`
	DeliveryURL   string    `json:"delivery_url"`
	UserID        string    `json:"user_id"`
	SizeBytes     int64     `json:"size_bytes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OperationType is the domain type for units of work.
type OperationType string

// Operation type constants (typed).
const (
	OperationConvert  OperationType = "convert"
	OperationDownload OperationType = "download"
	OperationOptimize OperationType = "optimize"
)

// OperationStatus is the domain type for operation lifecycle states.
type OperationStatus string

// Operation status constants (typed). Transitions are monotonic:
// pending -> running -> {success, error}.
const (
	OperationStatusPending OperationStatus = "pending"
	OperationStatusRunning OperationStatus = "running"
	OperationStatusSuccess OperationStatus = "success"
	OperationStatusError   OperationStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s OperationStatus) Terminal() bool {
	return s == OperationStatusSuccess || s == OperationStatusError
}

// Step is a named trace entry inside an operation.
type Step struct {
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	ElapsedMs int64                  `json:"elapsed_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	At        time.Time              `json:"at"`
}

// OperationError carries the terminal error of a failed operation. Message is
// the single human-readable line surfaced to callers; Trace keeps the
// stack-level detail for the log only.
type OperationError struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Operation records the lifecycle of one unit of work. Once the status is
// terminal the record is immutable, except that the background reaper may
// force a stalled running operation into error.
type Operation struct {
	ID         uuid.UUID       `json:"id"`
	Type       OperationType   `json:"type"`
	Status     OperationStatus `json:"status"`
	UserID     string          `json:"user_id"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Error      *OperationError `json:"error,omitempty"`
	SizeBytes  int64           `json:"size_bytes,omitempty"`
	Steps      []Step          `json:"steps,omitempty"`
	FilePaths  []string        `json:"file_paths,omitempty"`
}

// UserMetrics aggregates per-user operation outcomes.
// Operations is keyed "<type>_<status>", e.g. "convert_success".
type UserMetrics struct {
	UserID         string           `json:"user_id"`
	Operations     map[string]int64 `json:"operations"`
	TotalBytes     int64            `json:"total_bytes"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// TransformSpec describes the derived-output parameters for a request. A zero
// spec means the artifact is the untransformed fetch/upload result. Distinct
// specs never share a content hash because the discriminator participates in
// hashing.
type TransformSpec struct {
	OptimizeLevel int       `json:"optimize_level,omitempty"`
	TrimStart     float64   `json:"trim_start,omitempty"`
	TrimEnd       float64   `json:"trim_end,omitempty"`
	TargetKind    MediaKind `json:"target_kind,omitempty"`
}

// IsZero reports whether the spec requests no transform at all.
func (s TransformSpec) IsZero() bool {
	return s.OptimizeLevel == 0 && s.TrimStart == 0 && s.TrimEnd == 0 && s.TargetKind == ""
}

// Validate checks the spec once at the boundary.
func (s TransformSpec) Validate() error {
	if s.OptimizeLevel < 0 || s.OptimizeLevel > 100 {
		return &ValidationError{Field: "optimize_level", Reason: "must be between 0 and 100"}
	}
	if s.TrimStart < 0 || s.TrimEnd < 0 {
		return &ValidationError{Field: "trim", Reason: "trim bounds must not be negative"}
	}
	if s.TrimEnd != 0 && s.TrimEnd <= s.TrimStart {
		return &ValidationError{Field: "trim", Reason: "trim end must be after trim start"}
	}
	return nil
}

// Discriminator returns the canonical token mixed into content and ledger
// hashes so that each parameter set gets its own stable identity. A zero spec
// returns the empty string.
func (s TransformSpec) Discriminator() string {
	if s.IsZero() {
		return ""
	}
	var parts []string
	if s.OptimizeLevel != 0 {
		parts = append(parts, fmt.Sprintf("opt=%d", s.OptimizeLevel))
	}
	if s.TrimStart != 0 || s.TrimEnd != 0 {
		parts = append(parts, fmt.Sprintf("trim=%.3f-%.3f", s.TrimStart, s.TrimEnd))
	}
	if s.TargetKind != "" {
		parts = append(parts, fmt.Sprintf("kind=%s", s.TargetKind))
	}
	return strings.Join(parts, ";")
}
