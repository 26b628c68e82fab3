package gronka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// service implements the Service interface
type service struct {
	repo       Repository
	store      *ContentStore
	coalescer  *Coalescer
	tracker    *Tracker
	downloader Downloader
	transcoder Transcoder
	logger     *slog.Logger

	tempDir       string
	maxInputBytes int64
	fetchTimeout  time.Duration

	// conversions memoizes requested-conversion identity -> produced
	// artifact, so byte-identical inputs with identical parameters skip
	// the transcoder entirely.
	convMu      sync.Mutex
	conversions map[string]convRecord
}

type convRecord struct {
	hash string
	kind MediaKind
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the persistence repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repo = repo
	}
}

// WithContentStore sets the content-addressed store
func WithContentStore(store *ContentStore) Option {
	return func(s *service) {
		s.store = store
	}
}

// WithTracker sets a pre-built operation tracker
func WithTracker(t *Tracker) Option {
	return func(s *service) {
		s.tracker = t
	}
}

// WithDownloader sets the external download-service client
func WithDownloader(d Downloader) Option {
	return func(s *service) {
		s.downloader = d
	}
}

// WithTranscoder sets the transcoding subprocess boundary
func WithTranscoder(tc Transcoder) Option {
	return func(s *service) {
		s.transcoder = tc
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithTempDir sets the directory for transcoder scratch files
func WithTempDir(dir string) Option {
	return func(s *service) {
		s.tempDir = dir
	}
}

// WithMaxInputBytes caps accepted input size; zero means unlimited
func WithMaxInputBytes(n int64) Option {
	return func(s *service) {
		s.maxInputBytes = n
	}
}

// WithFetchTimeout sets the hard timeout for a single upstream fetch
func WithFetchTimeout(d time.Duration) Option {
	return func(s *service) {
		s.fetchTimeout = d
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		conversions:  make(map[string]convRecord),
		fetchTimeout: 2 * time.Minute,
	}

	for _, option := range options {
		option(s)
	}

	if s.repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.store == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.tracker == nil {
		tracker, err := NewTracker(s.repo, s.logger)
		if err != nil {
			return nil, err
		}
		s.tracker = tracker
	}
	s.coalescer = NewCoalescer(s.repo, s.logger)

	return s, nil
}

func (s *service) ProcessUpload(ctx context.Context, req ProcessUploadRequest) (*ProcessResult, error) {
	if len(req.Data) == 0 {
		return nil, &ValidationError{Field: "data", Reason: "no bytes provided"}
	}
	if s.maxInputBytes > 0 && int64(len(req.Data)) > s.maxInputBytes {
		return nil, &ValidationError{Field: "data", Reason: fmt.Sprintf("size %d exceeds limit %d", len(req.Data), s.maxInputBytes)}
	}
	if err := req.Transform.Validate(); err != nil {
		return nil, err
	}

	opType := OperationConvert
	if req.Transform.OptimizeLevel > 0 {
		opType = OperationOptimize
	}

	op, err := s.tracker.Begin(ctx, opType, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.Start(ctx, op.ID); err != nil {
		// Fail the pending row rather than abandon it to the reaper.
		s.fail(ctx, op.ID, err)
		return nil, err
	}

	result, err := s.produce(ctx, op.ID, req.Data, req.FileName, req.KindHint, req.Transform, req.UserID)
	if err != nil {
		s.fail(ctx, op.ID, err)
		return nil, err
	}

	if err := s.tracker.Finish(ctx, op.ID, OperationStatusSuccess, FinishData{SizeBytes: result.SizeBytes}); err != nil {
		s.logger.Warn("failed to finish operation", "operation_id", op.ID, "err", err)
	}

	result.OperationID = op.ID
	return result, nil
}

func (s *service) ProcessURL(ctx context.Context, req ProcessURLRequest) (*ProcessResult, error) {
	parsed, err := url.ParseRequestURI(req.SourceURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if err := req.Transform.Validate(); err != nil {
		return nil, err
	}
	if s.downloader == nil {
		return nil, fmt.Errorf("no downloader configured")
	}

	op, err := s.tracker.Begin(ctx, OperationDownload, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.Start(ctx, op.ID); err != nil {
		s.fail(ctx, op.ID, err)
		return nil, err
	}

	expected := ParseMediaKind(req.KindHint)
	opts := FetchOptions{
		SkipCache:    req.SkipCache,
		ExpectedKind: expected,
		Transform:    req.Transform,
	}

	fetched, err := s.coalescer.Fetch(ctx, req.SourceURL, opts, s.producerFor(req.SourceURL, expected))
	if err != nil {
		s.fail(ctx, op.ID, err)
		return nil, err
	}

	if fetched.Cached {
		entry := fetched.Entry
		s.logStep(ctx, op.ID, "ledger_hit", "success", map[string]interface{}{
			"content_hash": entry.ContentHash,
		})
		if err := s.tracker.Finish(ctx, op.ID, OperationStatusSuccess, FinishData{SizeBytes: entry.SizeBytes}); err != nil {
			s.logger.Warn("failed to finish operation", "operation_id", op.ID, "err", err)
		}
		return &ProcessResult{
			OperationID: op.ID,
			ContentHash: entry.ContentHash,
			Kind:        entry.Kind,
			Extension:   entry.Extension,
			DeliveryURL: entry.DeliveryURL,
			SizeBytes:   entry.SizeBytes,
			FromLedger:  true,
		}, nil
	}

	fresh := fetched.Fresh
	s.logStep(ctx, op.ID, "fetch", "success", map[string]interface{}{
		"size_bytes": len(fresh.Data),
		"kind":       string(fresh.Kind),
	})

	kindHint := req.KindHint
	if fresh.Kind != "" {
		kindHint = string(fresh.Kind)
	}

	result, err := s.produce(ctx, op.ID, fresh.Data, fresh.FileName, kindHint, req.Transform, req.UserID)
	if err != nil {
		s.fail(ctx, op.ID, err)
		return nil, err
	}

	// Ledger write happens only after a successful fetch-or-produce cycle;
	// upstream failures, rate limits included, never reach this point.
	entry := &LedgerEntry{
		ContentHash: result.ContentHash,
		Kind:        result.Kind,
		Extension:   result.Extension,
		DeliveryURL: result.DeliveryURL,
		UserID:      req.UserID,
		SizeBytes:   result.SizeBytes,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.coalescer.RecordResult(ctx, req.SourceURL, opts, entry); err != nil {
		s.logger.Warn("ledger upsert failed", "url", req.SourceURL, "err", err)
	}

	if err := s.tracker.Finish(ctx, op.ID, OperationStatusSuccess, FinishData{SizeBytes: result.SizeBytes}); err != nil {
		s.logger.Warn("failed to finish operation", "operation_id", op.ID, "err", err)
	}

	result.OperationID = op.ID
	return result, nil
}

// producerFor builds the upstream fetch closure. A stale remote reference is
// refreshed once before failing.
func (s *service) producerFor(sourceURL string, expected MediaKind) ProducerFunc {
	return func(ctx context.Context) (*DownloadResult, error) {
		constraints := FetchConstraints{
			MaxSizeBytes: s.maxInputBytes,
			Timeout:      s.fetchTimeout,
			ExpectedKind: expected,
		}
		result, err := s.downloader.Fetch(ctx, sourceURL, constraints)
		var stale *StaleResourceError
		if errors.As(err, &stale) {
			s.logger.Info("stale resource, retrying once", "url", sourceURL)
			result, err = s.downloader.Fetch(ctx, sourceURL, constraints)
		}
		if err != nil {
			return nil, err
		}
		if s.maxInputBytes > 0 && int64(len(result.Data)) > s.maxInputBytes {
			return nil, &ValidationError{Field: "data", Reason: fmt.Sprintf("fetched size %d exceeds limit %d", len(result.Data), s.maxInputBytes)}
		}
		return result, nil
	}
}

// produce turns raw input bytes into a delivered artifact: detect kind,
// consult the conversion memo, transcode on a miss, hash the output, and put
// it through the content-addressed store.
func (s *service) produce(ctx context.Context, opID uuid.UUID, data []byte, fileName, kindHint string, spec TransformSpec, userID string) (*ProcessResult, error) {
	kind := detectKind(data, kindHint)
	if kind == "" {
		return nil, &ValidationError{Field: "data", Reason: "unrecognized media type"}
	}
	outKind := kind
	if spec.TargetKind != "" {
		outKind = spec.TargetKind
	}

	convKey := HashBytesWithTransform(data, spec)
	if rec, ok := s.conversionFor(convKey); ok {
		if obj, found := s.store.Get(rec.hash, rec.kind); found {
			s.logStep(ctx, opID, "dedup", "success", map[string]interface{}{"content_hash": obj.Hash})
			result := resultFromObject(obj)
			result.Deduplicated = true
			return result, nil
		}
	}

	output := data
	if s.transcoder != nil {
		transcoded, err := s.transcode(ctx, opID, data, kind, outKind, spec)
		if err != nil {
			return nil, err
		}
		output = transcoded
	}

	contentHash := HashBytesWithTransform(output, spec)
	ext := extensionFor(outKind, fileName)
	deduped := s.store.Exists(ctx, contentHash, outKind)

	obj, err := s.store.Put(ctx, output, PutRequest{
		Hash:      contentHash,
		Kind:      outKind,
		Extension: ext,
		Metadata: PutMetadata{
			FileName: deliveryFileName(fileName, contentHash, ext),
			MimeType: mimeTypeFor(outKind),
			UserID:   userID,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logStep(ctx, opID, "deliver", "success", map[string]interface{}{
		"method": string(obj.DeliveryMethod),
		"url":    obj.DeliveryURL(),
	})

	s.recordConversion(convKey, convRecord{hash: contentHash, kind: outKind})

	result := resultFromObject(obj)
	result.Deduplicated = deduped
	return result, nil
}

// transcode runs the external subprocess through temp files. The service
// owns the temp-file lifecycle: created before the call, removed on every
// exit path.
func (s *service) transcode(ctx context.Context, opID uuid.UUID, data []byte, inKind, outKind MediaKind, spec TransformSpec) ([]byte, error) {
	in, err := os.CreateTemp(s.tempDir, "gronka-in-*."+extensionFor(inKind, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch input: %w", err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)

	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, fmt.Errorf("failed to write scratch input: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("failed to close scratch input: %w", err)
	}

	outPath := filepath.Join(s.tempDir, fmt.Sprintf("gronka-out-%s.%s", uuid.NewString(), extensionFor(outKind, "")))
	defer os.Remove(outPath)

	if err := s.tracker.AddFile(ctx, opID, inPath); err != nil {
		s.logger.Warn("failed to record scratch file", "operation_id", opID, "err", err)
	}
	if err := s.tracker.AddFile(ctx, opID, outPath); err != nil {
		s.logger.Warn("failed to record scratch file", "operation_id", opID, "err", err)
	}

	if err := s.transcoder.Transform(ctx, inPath, outPath, spec); err != nil {
		s.logStep(ctx, opID, "transcode", "error", map[string]interface{}{"err": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}

	output, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcoder output: %w", err)
	}

	s.logStep(ctx, opID, "transcode", "success", map[string]interface{}{
		"input_bytes":  len(data),
		"output_bytes": len(output),
	})
	return output, nil
}

func (s *service) GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error) {
	return s.tracker.Get(ctx, id)
}

func (s *service) ListRecentOperations(ctx context.Context, limit int) ([]*Operation, error) {
	return s.tracker.Recent(ctx, limit)
}

func (s *service) GetUserMetrics(ctx context.Context, userID string) (*UserMetrics, error) {
	return s.repo.GetUserMetrics(ctx, userID)
}

func (s *service) RunReaper(ctx context.Context, interval, threshold time.Duration) error {
	return s.tracker.RunReaper(ctx, interval, threshold)
}

func (s *service) conversionFor(key string) (convRecord, bool) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	rec, ok := s.conversions[key]
	return rec, ok
}

func (s *service) recordConversion(key string, rec convRecord) {
	s.convMu.Lock()
	s.conversions[key] = rec
	s.convMu.Unlock()
}

func (s *service) logStep(ctx context.Context, opID uuid.UUID, name, status string, metadata map[string]interface{}) {
	if err := s.tracker.LogStep(ctx, opID, name, status, metadata); err != nil {
		s.logger.Warn("failed to log step", "operation_id", opID, "step", name, "err", err)
	}
}

// fail marks the operation terminal with a single human-readable message;
// stack-level detail stays in the trace only.
func (s *service) fail(ctx context.Context, opID uuid.UUID, cause error) {
	opErr := &OperationError{
		Message: userMessage(cause),
		Trace:   cause.Error(),
	}
	if err := s.tracker.Finish(ctx, opID, OperationStatusError, FinishData{Error: opErr}); err != nil {
		s.logger.Error("failed to record operation failure", "operation_id", opID, "err", err)
	}
}

// userMessage reduces an error chain to the single line shown to end users.
func userMessage(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Error()
	}
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return "the media service is busy, try again later"
	}
	switch {
	case errors.Is(err, ErrUploadFailed):
		return "could not deliver the result anywhere, try again later"
	case errors.Is(err, ErrTranscodeFailed):
		return "conversion failed, the file may be corrupt or unsupported"
	case errors.Is(err, ErrDownloadFailed):
		return "could not download that link"
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return fmt.Sprintf("the %s service failed, try again later", upstream.Service)
	}
	return "something went wrong processing that media"
}

func resultFromObject(obj *ContentObject) *ProcessResult {
	return &ProcessResult{
		ContentHash:  obj.Hash,
		Kind:         obj.Kind,
		Extension:    obj.Extension,
		DeliveryURL:  obj.DeliveryURL(),
		Method:       obj.DeliveryMethod,
		SizeBytes:    obj.SizeBytes,
		Deduplicated: false,
	}
}

// detectKind sniffs the media kind from file signature bytes, falling back
// to the caller's hint.
func detectKind(data []byte, hint string) MediaKind {
	sniffed := http.DetectContentType(data)
	switch {
	case sniffed == "image/gif":
		return KindGIF
	case strings.HasPrefix(sniffed, "image/"):
		return KindImage
	case strings.HasPrefix(sniffed, "video/"):
		return KindVideo
	case sniffed == "application/ogg":
		return KindVideo
	}
	return ParseMediaKind(hint)
}

func extensionFor(kind MediaKind, fileName string) string {
	if ext := strings.TrimPrefix(filepath.Ext(fileName), "."); ext != "" {
		return strings.ToLower(ext)
	}
	switch kind {
	case KindVideo:
		return "mp4"
	case KindGIF:
		return "gif"
	default:
		return "png"
	}
}

func mimeTypeFor(kind MediaKind) string {
	switch kind {
	case KindVideo:
		return "video/mp4"
	case KindGIF:
		return "image/gif"
	default:
		return "image/png"
	}
}

func deliveryFileName(fileName, hash, ext string) string {
	if fileName != "" {
		return fileName
	}
	short := hash
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s.%s", short, ext)
}
