package gronka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ContentStore is the content-addressed deduplication cache. It maps
// (hash, kind) to a single stored artifact regardless of how many times a
// conversion is requested. Physical placement is delegated to the
// fulfillment chain; the mapping is committed only after a successful
// delivery, so failed uploads never leave phantom entries.
type ContentStore struct {
	mu      sync.RWMutex
	objects map[string]*ContentObject

	chain  *FulfillmentChain
	logger *slog.Logger
}

// NewContentStore creates a content-addressed store backed by the given
// fulfillment chain.
func NewContentStore(chain *FulfillmentChain, logger *slog.Logger) *ContentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentStore{
		objects: make(map[string]*ContentObject),
		chain:   chain,
		logger:  logger,
	}
}

func storeKey(hash string, kind MediaKind) string {
	return fmt.Sprintf("%s:%s", kind, hash)
}

// Exists reports whether an artifact for (hash, kind) is already stored.
func (s *ContentStore) Exists(ctx context.Context, hash string, kind MediaKind) bool {
	s.mu.RLock()
	_, ok := s.objects[storeKey(hash, kind)]
	s.mu.RUnlock()
	return ok
}

// Get returns the stored artifact for (hash, kind), if any.
func (s *ContentStore) Get(hash string, kind MediaKind) (*ContentObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[storeKey(hash, kind)]
	if !ok {
		return nil, false
	}
	objCopy := *obj
	return &objCopy, true
}

// PutRequest carries the inputs for storing one artifact.
type PutRequest struct {
	Hash      string
	Kind      MediaKind
	Extension string
	Metadata  PutMetadata
}

// Put stores the bytes under their content hash. Put is idempotent: if an
// object for the hash already exists it returns the existing location
// without re-uploading. On a miss the fulfillment chain delivers the bytes
// and the mapping is committed afterwards.
func (s *ContentStore) Put(ctx context.Context, data []byte, req PutRequest) (*ContentObject, error) {
	if req.Hash == "" {
		return nil, &ValidationError{Field: "hash", Reason: "content hash is required"}
	}
	if req.Kind == "" {
		return nil, &ValidationError{Field: "kind", Reason: "media kind is required"}
	}

	key := storeKey(req.Hash, req.Kind)

	s.mu.RLock()
	existing, ok := s.objects[key]
	s.mu.RUnlock()
	if ok {
		s.logger.Debug("content store hit", "hash", req.Hash, "kind", req.Kind)
		objCopy := *existing
		return &objCopy, nil
	}

	objectKey := ObjectKey(req.Hash, req.Kind, req.Extension)

	delivery, err := s.chain.Deliver(ctx, objectKey, data, req.Metadata)
	if err != nil {
		return nil, err
	}

	obj := &ContentObject{
		Hash:           req.Hash,
		Kind:           req.Kind,
		Extension:      req.Extension,
		SizeBytes:      int64(len(data)),
		Location:       delivery.Location,
		DeliveryMethod: delivery.Method,
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	// A concurrent Put for the same hash may have won the race; keep the
	// first committed object so identical hashes resolve identically.
	if winner, ok := s.objects[key]; ok {
		s.mu.Unlock()
		objCopy := *winner
		return &objCopy, nil
	}
	s.objects[key] = obj
	s.mu.Unlock()

	s.logger.Info("artifact stored",
		"hash", req.Hash,
		"kind", req.Kind,
		"size_bytes", obj.SizeBytes,
		"method", obj.DeliveryMethod)

	objCopy := *obj
	return &objCopy, nil
}

// StoredInBackend reports whether any chain backend already holds the object,
// independent of the in-memory mapping. Used to skip duplicate remote puts
// after a restart.
func (s *ContentStore) StoredInBackend(ctx context.Context, hash string, kind MediaKind, extension string) (bool, error) {
	return s.chain.Exists(ctx, ObjectKey(hash, kind, extension))
}
