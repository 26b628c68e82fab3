package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/p2xai/gronka/pkg/gronka"
)

const (
	ledgerKeyPrefix    = "gronka:ledger:"
	operationKeyPrefix = "gronka:op:"
	metricsKeyPrefix   = "gronka:metrics:"
	recentOpsKey       = "gronka:ops:recent"
	liveOpsKey         = "gronka:ops:live"
)

// finishRetries bounds the optimistic-lock loop in FinishOperation.
const finishRetries = 3

// Repository implements gronka.Repository on top of Redis. Entries are
// stored as JSON blobs; two sorted sets index operations by creation
// time and by live-since time so recent and stuck lookups stay O(log n).
type Repository struct {
	client    *redis.Client
	ledgerTTL time.Duration
}

// Option configures the Redis repository.
type Option func(*Repository)

// WithLedgerTTL sets an expiry on ledger entries. Zero means no expiry.
func WithLedgerTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		r.ledgerTTL = ttl
	}
}

// New creates a new Redis-backed repository.
func New(client *redis.Client, opts ...Option) gronka.Repository {
	r := &Repository{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ledger operations

func (r *Repository) GetLedgerEntry(ctx context.Context, sourceURLHash string) (*gronka.LedgerEntry, error) {
	data, err := r.client.Get(ctx, ledgerKeyPrefix+sourceURLHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gronka.ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	var entry gronka.LedgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	return &entry, nil
}

func (r *Repository) UpsertLedgerEntry(ctx context.Context, entry *gronka.LedgerEntry) error {
	stored := *entry
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	if err := r.client.Set(ctx, ledgerKeyPrefix+stored.SourceURLHash, data, r.ledgerTTL).Err(); err != nil {
		return fmt.Errorf("failed to store ledger entry: %w", err)
	}
	return nil
}

// Operation operations

func (r *Repository) CreateOperation(ctx context.Context, op *gronka.Operation) error {
	return r.writeOperation(ctx, op)
}

func (r *Repository) UpdateOperation(ctx context.Context, op *gronka.Operation) error {
	exists, err := r.client.Exists(ctx, operationKey(op.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check operation: %w", err)
	}
	if exists == 0 {
		return gronka.ErrOperationNotFound
	}
	return r.writeOperation(ctx, op)
}

func (r *Repository) writeOperation(ctx context.Context, op *gronka.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, operationKey(op.ID), data, 0)
	pipe.ZAdd(ctx, recentOpsKey, redis.Z{
		Score:  float64(op.CreatedAt.UnixMilli()),
		Member: op.ID.String(),
	})

	// The live index is what the reaper scans and covers every
	// non-terminal operation, so a row stranded in pending still ages
	// out. Members are scored by the moment work started, or creation
	// when it never did, to keep the cutoff comparison cheap.
	if op.Status.Terminal() {
		pipe.ZRem(ctx, liveOpsKey, op.ID.String())
	} else {
		since := op.CreatedAt
		if op.StartedAt != nil {
			since = *op.StartedAt
		}
		pipe.ZAdd(ctx, liveOpsKey, redis.Z{
			Score:  float64(since.UnixMilli()),
			Member: op.ID.String(),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store operation: %w", err)
	}
	return nil
}

func (r *Repository) FinishOperation(ctx context.Context, op *gronka.Operation) error {
	key := operationKey(op.ID)

	// WATCH makes the status check and the write one atomic step: if the
	// blob changes between the read and the EXEC, the transaction aborts
	// and we re-read. A racing finisher that already landed a terminal
	// status is then seen on the retry and reported, never overwritten.
	finish := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return gronka.ErrOperationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get operation: %w", err)
		}

		var stored gronka.Operation
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to decode operation: %w", err)
		}
		if stored.Status.Terminal() {
			return gronka.ErrOperationTerminal
		}

		encoded, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode operation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.ZRem(ctx, liveOpsKey, op.ID.String())
			return nil
		})
		return err
	}

	for attempt := 0; attempt < finishRetries; attempt++ {
		err := r.client.Watch(ctx, finish, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to finish operation %s: too many conflicts", op.ID)
}

func (r *Repository) GetOperation(ctx context.Context, id uuid.UUID) (*gronka.Operation, error) {
	data, err := r.client.Get(ctx, operationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gronka.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	var op gronka.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	return &op, nil
}

func (r *Repository) ListRecentOperations(ctx context.Context, limit int) ([]*gronka.Operation, error) {
	ids, err := r.client.ZRevRange(ctx, recentOpsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent operations: %w", err)
	}
	return r.fetchOperations(ctx, ids)
}

func (r *Repository) ListStuckOperations(ctx context.Context, threshold time.Duration) ([]*gronka.Operation, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	ids, err := r.client.ZRangeByScore(ctx, liveOpsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck operations: %w", err)
	}
	return r.fetchOperations(ctx, ids)
}

func (r *Repository) fetchOperations(ctx context.Context, ids []string) ([]*gronka.Operation, error) {
	var result []*gronka.Operation
	for _, id := range ids {
		opID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		op, err := r.GetOperation(ctx, opID)
		if errors.Is(err, gronka.ErrOperationNotFound) {
			// Index member outlived its blob, drop it lazily.
			r.client.ZRem(ctx, recentOpsKey, id)
			r.client.ZRem(ctx, liveOpsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, nil
}

// Metrics operations

func (r *Repository) GetUserMetrics(ctx context.Context, userID string) (*gronka.UserMetrics, error) {
	data, err := r.client.Get(ctx, metricsKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gronka.ErrMetricsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user metrics: %w", err)
	}

	var metrics gronka.UserMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, fmt.Errorf("failed to decode user metrics: %w", err)
	}
	return &metrics, nil
}

func (r *Repository) UpsertUserMetrics(ctx context.Context, metrics *gronka.UserMetrics) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to encode user metrics: %w", err)
	}
	if err := r.client.Set(ctx, metricsKeyPrefix+metrics.UserID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store user metrics: %w", err)
	}
	return nil
}

func operationKey(id uuid.UUID) string {
	return operationKeyPrefix + id.String()
}
