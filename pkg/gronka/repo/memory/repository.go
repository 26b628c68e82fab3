package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p2xai/gronka/pkg/gronka"
)

// Repository implements gronka.Repository using in-memory storage
type Repository struct {
	mu         sync.RWMutex
	ledger     map[string]*gronka.LedgerEntry
	operations map[uuid.UUID]*gronka.Operation
	metrics    map[string]*gronka.UserMetrics
}

// New creates a new in-memory repository
func New() gronka.Repository {
	return &Repository{
		ledger:     make(map[string]*gronka.LedgerEntry),
		operations: make(map[uuid.UUID]*gronka.Operation),
		metrics:    make(map[string]*gronka.UserMetrics),
	}
}

// Ledger operations

func (r *Repository) GetLedgerEntry(ctx context.Context, sourceURLHash string) (*gronka.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.ledger[sourceURLHash]
	if !exists {
		return nil, gronka.ErrLedgerEntryNotFound
	}

	// Return a copy to prevent external modifications
	entryCopy := *entry
	return &entryCopy, nil
}

func (r *Repository) UpsertLedgerEntry(ctx context.Context, entry *gronka.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entryCopy := *entry
	if entryCopy.UpdatedAt.IsZero() {
		entryCopy.UpdatedAt = time.Now().UTC()
	}
	r.ledger[entry.SourceURLHash] = &entryCopy

	return nil
}

// Operation operations

func (r *Repository) CreateOperation(ctx context.Context, op *gronka.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	opCopy := copyOperation(op)
	r.operations[op.ID] = opCopy

	return nil
}

func (r *Repository) UpdateOperation(ctx context.Context, op *gronka.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operations[op.ID]; !exists {
		return gronka.ErrOperationNotFound
	}

	opCopy := copyOperation(op)
	r.operations[op.ID] = opCopy

	return nil
}

func (r *Repository) FinishOperation(ctx context.Context, op *gronka.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.operations[op.ID]
	if !exists {
		return gronka.ErrOperationNotFound
	}
	// The check and the write happen under one lock so a racing finisher
	// can never overwrite a terminal outcome.
	if stored.Status.Terminal() {
		return gronka.ErrOperationTerminal
	}

	r.operations[op.ID] = copyOperation(op)

	return nil
}

func (r *Repository) GetOperation(ctx context.Context, id uuid.UUID) (*gronka.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, exists := r.operations[id]
	if !exists {
		return nil, gronka.ErrOperationNotFound
	}

	return copyOperation(op), nil
}

func (r *Repository) ListRecentOperations(ctx context.Context, limit int) ([]*gronka.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*gronka.Operation, 0, len(r.operations))
	for _, op := range r.operations {
		result = append(result, copyOperation(op))
	}

	// Sort by created_at descending
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}

	return result, nil
}

func (r *Repository) ListStuckOperations(ctx context.Context, threshold time.Duration) ([]*gronka.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)

	var result []*gronka.Operation
	for _, op := range r.operations {
		if op.Status.Terminal() {
			continue
		}
		since := op.CreatedAt
		if op.StartedAt != nil {
			since = *op.StartedAt
		}
		if since.Before(cutoff) {
			result = append(result, copyOperation(op))
		}
	}

	return result, nil
}

// Metrics operations

func (r *Repository) GetUserMetrics(ctx context.Context, userID string) (*gronka.UserMetrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metrics, exists := r.metrics[userID]
	if !exists {
		return nil, gronka.ErrMetricsNotFound
	}

	return copyMetrics(metrics), nil
}

func (r *Repository) UpsertUserMetrics(ctx context.Context, metrics *gronka.UserMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics[metrics.UserID] = copyMetrics(metrics)

	return nil
}

// copyOperation deep-copies an operation so callers can never mutate stored
// state through a returned pointer.
func copyOperation(op *gronka.Operation) *gronka.Operation {
	opCopy := *op
	if op.StartedAt != nil {
		started := *op.StartedAt
		opCopy.StartedAt = &started
	}
	if op.FinishedAt != nil {
		finished := *op.FinishedAt
		opCopy.FinishedAt = &finished
	}
	if op.Error != nil {
		errCopy := *op.Error
		opCopy.Error = &errCopy
	}
	if op.Steps != nil {
		opCopy.Steps = make([]gronka.Step, len(op.Steps))
		copy(opCopy.Steps, op.Steps)
	}
	if op.FilePaths != nil {
		opCopy.FilePaths = make([]string, len(op.FilePaths))
		copy(opCopy.FilePaths, op.FilePaths)
	}
	return &opCopy
}

func copyMetrics(m *gronka.UserMetrics) *gronka.UserMetrics {
	mCopy := *m
	if m.Operations != nil {
		mCopy.Operations = make(map[string]int64, len(m.Operations))
		for k, v := range m.Operations {
			mCopy.Operations[k] = v
		}
	}
	return &mCopy
}
