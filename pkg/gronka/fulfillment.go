package gronka

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Delivery is the terminal location an artifact was placed at.
type Delivery struct {
	URL      string
	Method   DeliveryMethod
	Location Location
}

// PutMetadata carries per-artifact attributes through delivery.
type PutMetadata struct {
	FileName string
	MimeType string
	UserID   string
}

// DeliveryStrategy is one step of the fulfillment chain. Strategies are data:
// the chain iterates an ordered list until one succeeds.
type DeliveryStrategy interface {
	// Name identifies the strategy in logs
	Name() string

	// Deliver places the bytes and returns their terminal location
	Deliver(ctx context.Context, objectKey string, data []byte, meta PutMetadata) (*Delivery, error)
}

// existenceChecker is implemented by strategies whose backend can answer
// whether an object is already stored.
type existenceChecker interface {
	Exists(ctx context.Context, objectKey string) (bool, error)
}

// FulfillmentChain tries increasingly durable delivery paths in order:
// inline chat attachment, remote object store, local disk. Each step's
// failure is logged and control falls through; only total exhaustion
// surfaces as an upload error.
type FulfillmentChain struct {
	strategies []DeliveryStrategy
	logger     *slog.Logger
}

// NewFulfillmentChain creates a chain that tries the given strategies in order.
func NewFulfillmentChain(logger *slog.Logger, strategies ...DeliveryStrategy) *FulfillmentChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &FulfillmentChain{strategies: strategies, logger: logger}
}

// Deliver runs the chain. The caller retains the original buffer until a
// terminal location is confirmed or the operation is marked failed.
func (c *FulfillmentChain) Deliver(ctx context.Context, objectKey string, data []byte, meta PutMetadata) (*Delivery, error) {
	if len(c.strategies) == 0 {
		return nil, fmt.Errorf("%w: no delivery strategies configured", ErrUploadFailed)
	}

	var lastErr error
	for _, strategy := range c.strategies {
		delivery, err := strategy.Deliver(ctx, objectKey, data, meta)
		if err != nil {
			c.logger.Warn("delivery strategy failed, falling through",
				"strategy", strategy.Name(),
				"object_key", objectKey,
				"err", err)
			lastErr = err
			continue
		}
		return delivery, nil
	}

	return nil, fmt.Errorf("%w: all delivery strategies exhausted: %v", ErrUploadFailed, lastErr)
}

// Exists reports whether any backend in the chain already holds the key.
// Used as a bookkeeping check to avoid duplicate remote puts for a hash the
// local disk already proves identical.
func (c *FulfillmentChain) Exists(ctx context.Context, objectKey string) (bool, error) {
	for _, strategy := range c.strategies {
		checker, ok := strategy.(existenceChecker)
		if !ok {
			continue
		}
		exists, err := checker.Exists(ctx, objectKey)
		if err != nil {
			c.logger.Warn("existence check failed",
				"strategy", strategy.Name(),
				"object_key", objectKey,
				"err", err)
			continue
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// InlineStrategy attempts delivery through the chat command-response channel.
// It only applies below the platform's attachment ceiling; oversized
// artifacts fall through to the next step without a network round trip.
type InlineStrategy struct {
	sender   AttachmentSender
	maxBytes int64
}

// NewInlineStrategy creates the inline attachment delivery step.
func NewInlineStrategy(sender AttachmentSender, maxBytes int64) *InlineStrategy {
	return &InlineStrategy{sender: sender, maxBytes: maxBytes}
}

func (s *InlineStrategy) Name() string { return "inline" }

func (s *InlineStrategy) Deliver(ctx context.Context, objectKey string, data []byte, meta PutMetadata) (*Delivery, error) {
	if s.sender == nil {
		return nil, fmt.Errorf("no attachment sender configured")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("size %d exceeds inline threshold %d", len(data), s.maxBytes)
	}

	filename := meta.FileName
	if filename == "" {
		filename = filepath.Base(objectKey)
	}

	url, err := s.sender.Send(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("inline delivery failed: %w", err)
	}

	return &Delivery{
		URL:      url,
		Method:   DeliveryInline,
		Location: RemoteLocation(url),
	}, nil
}

// RemoteStrategy uploads to the durable remote object store. An existence
// check runs before the put so an already-stored hash is never re-uploaded.
type RemoteStrategy struct {
	store BlobStore
}

// NewRemoteStrategy creates the remote object store delivery step.
func NewRemoteStrategy(store BlobStore) *RemoteStrategy {
	return &RemoteStrategy{store: store}
}

func (s *RemoteStrategy) Name() string { return "remote" }

func (s *RemoteStrategy) Exists(ctx context.Context, objectKey string) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	return s.store.Exists(ctx, objectKey)
}

func (s *RemoteStrategy) Deliver(ctx context.Context, objectKey string, data []byte, meta PutMetadata) (*Delivery, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no remote store configured")
	}

	exists, err := s.store.Exists(ctx, objectKey)
	if err != nil {
		// Treated as a miss; the upload below decides whether the backend works.
		exists = false
	}

	if !exists {
		params := UploadParams{ObjectKey: objectKey, MimeType: meta.MimeType}
		if err := s.store.UploadWithParams(ctx, bytes.NewReader(data), params); err != nil {
			return nil, &StorageError{Backend: "remote", Key: objectKey, Op: "upload", Err: err}
		}
	}

	url, err := s.store.GetDownloadURL(ctx, objectKey, meta.FileName)
	if err != nil {
		return nil, &StorageError{Backend: "remote", Key: objectKey, Op: "download_url", Err: err}
	}

	return &Delivery{
		URL:      url,
		Method:   DeliveryRemote,
		Location: RemoteLocation(url),
	}, nil
}

// LocalStrategy writes the artifact to local disk and constructs a
// locally-served URL. It is the last resort when both inline delivery and
// the remote store fail.
type LocalStrategy struct {
	store   BlobStore
	baseDir string
}

// NewLocalStrategy creates the local disk delivery step. baseDir must match
// the backing filesystem store so the reported Location points at the real
// file.
func NewLocalStrategy(store BlobStore, baseDir string) *LocalStrategy {
	return &LocalStrategy{store: store, baseDir: baseDir}
}

func (s *LocalStrategy) Name() string { return "local" }

func (s *LocalStrategy) Exists(ctx context.Context, objectKey string) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	return s.store.Exists(ctx, objectKey)
}

func (s *LocalStrategy) Deliver(ctx context.Context, objectKey string, data []byte, meta PutMetadata) (*Delivery, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no local store configured")
	}

	params := UploadParams{ObjectKey: objectKey, MimeType: meta.MimeType}
	if err := s.store.UploadWithParams(ctx, bytes.NewReader(data), params); err != nil {
		return nil, &StorageError{Backend: "local", Key: objectKey, Op: "upload", Err: err}
	}

	url, err := s.store.GetDownloadURL(ctx, objectKey, meta.FileName)
	if err != nil {
		return nil, &StorageError{Backend: "local", Key: objectKey, Op: "download_url", Err: err}
	}

	return &Delivery{
		URL:      url,
		Method:   DeliveryLocal,
		Location: LocalLocation(filepath.Join(s.baseDir, objectKey)),
	}, nil
}
