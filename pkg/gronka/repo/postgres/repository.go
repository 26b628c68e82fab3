package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p2xai/gronka/pkg/gronka"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements gronka.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) gronka.Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) gronka.Repository {
	return &Repository{db: pool}
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("duplicate entry in %s", operation)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record not found")
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Ledger operations

func (r *Repository) GetLedgerEntry(ctx context.Context, sourceURLHash string) (*gronka.LedgerEntry, error) {
	query := `
        SELECT source_url_hash, content_hash, kind, extension, delivery_url,
               user_id, size_bytes, updated_at
        FROM media_ledger WHERE source_url_hash = $1`

	var entry gronka.LedgerEntry
	err := r.db.QueryRow(ctx, query, sourceURLHash).Scan(
		&entry.SourceURLHash, &entry.ContentHash, &entry.Kind, &entry.Extension,
		&entry.DeliveryURL, &entry.UserID, &entry.SizeBytes, &entry.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gronka.ErrLedgerEntryNotFound
		}
		return nil, err
	}

	return &entry, nil
}

func (r *Repository) UpsertLedgerEntry(ctx context.Context, entry *gronka.LedgerEntry) error {
	// Last writer wins: the underlying content is deterministic for
	// identical inputs, so a racing overwrite is harmless.
	query := `
		INSERT INTO media_ledger (
			source_url_hash, content_hash, kind, extension, delivery_url,
			user_id, size_bytes, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_url_hash) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			kind = EXCLUDED.kind,
			extension = EXCLUDED.extension,
			delivery_url = EXCLUDED.delivery_url,
			user_id = EXCLUDED.user_id,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = EXCLUDED.updated_at`

	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, query,
		entry.SourceURLHash, entry.ContentHash, entry.Kind, entry.Extension,
		entry.DeliveryURL, entry.UserID, entry.SizeBytes, updatedAt)

	if err != nil {
		return r.handlePostgresError("upsert ledger entry", err)
	}

	return nil
}

// Operation operations

func (r *Repository) CreateOperation(ctx context.Context, op *gronka.Operation) error {
	steps, filePaths, errMessage, errTrace, err := encodeOperation(op)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO operation (
			id, type, status, user_id, created_at, started_at, finished_at,
			duration_ms, error_message, error_trace, size_bytes, steps, file_paths
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.Exec(ctx, query,
		op.ID, op.Type, op.Status, op.UserID, op.CreatedAt, op.StartedAt,
		op.FinishedAt, op.DurationMs, errMessage, errTrace, op.SizeBytes,
		steps, filePaths)

	if err != nil {
		return r.handlePostgresError("create operation", err)
	}

	return nil
}

func (r *Repository) UpdateOperation(ctx context.Context, op *gronka.Operation) error {
	steps, filePaths, errMessage, errTrace, err := encodeOperation(op)
	if err != nil {
		return err
	}

	query := `
		UPDATE operation SET
			status = $2, started_at = $3, finished_at = $4, duration_ms = $5,
			error_message = $6, error_trace = $7, size_bytes = $8,
			steps = $9, file_paths = $10
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		op.ID, op.Status, op.StartedAt, op.FinishedAt, op.DurationMs,
		errMessage, errTrace, op.SizeBytes, steps, filePaths)

	if err != nil {
		return r.handlePostgresError("update operation", err)
	}
	if tag.RowsAffected() == 0 {
		return gronka.ErrOperationNotFound
	}

	return nil
}

func (r *Repository) FinishOperation(ctx context.Context, op *gronka.Operation) error {
	steps, filePaths, errMessage, errTrace, err := encodeOperation(op)
	if err != nil {
		return err
	}

	// The status guard makes the terminal transition a compare-and-swap:
	// a finisher that lost the race matches zero rows instead of
	// overwriting the winner's outcome.
	query := `
		UPDATE operation SET
			status = $2, started_at = $3, finished_at = $4, duration_ms = $5,
			error_message = $6, error_trace = $7, size_bytes = $8,
			steps = $9, file_paths = $10
		WHERE id = $1 AND status IN ('pending', 'running')`

	tag, err := r.db.Exec(ctx, query,
		op.ID, op.Status, op.StartedAt, op.FinishedAt, op.DurationMs,
		errMessage, errTrace, op.SizeBytes, steps, filePaths)

	if err != nil {
		return r.handlePostgresError("finish operation", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetOperation(ctx, op.ID); err != nil {
			return err
		}
		return gronka.ErrOperationTerminal
	}

	return nil
}

func (r *Repository) GetOperation(ctx context.Context, id uuid.UUID) (*gronka.Operation, error) {
	query := `
        SELECT id, type, status, user_id, created_at, started_at, finished_at,
               duration_ms, error_message, error_trace, size_bytes, steps, file_paths
        FROM operation WHERE id = $1`

	op, err := scanOperation(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gronka.ErrOperationNotFound
		}
		return nil, err
	}

	return op, nil
}

func (r *Repository) ListRecentOperations(ctx context.Context, limit int) ([]*gronka.Operation, error) {
	query := `
        SELECT id, type, status, user_id, created_at, started_at, finished_at,
               duration_ms, error_message, error_trace, size_bytes, steps, file_paths
        FROM operation ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOperations(rows)
}

func (r *Repository) ListStuckOperations(ctx context.Context, threshold time.Duration) ([]*gronka.Operation, error) {
	query := `
        SELECT id, type, status, user_id, created_at, started_at, finished_at,
               duration_ms, error_message, error_trace, size_bytes, steps, file_paths
        FROM operation
        WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $1
        LIMIT 100`

	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOperations(rows)
}

// Metrics operations

func (r *Repository) GetUserMetrics(ctx context.Context, userID string) (*gronka.UserMetrics, error) {
	query := `
        SELECT user_id, operations, total_bytes, last_activity_at
        FROM user_metrics WHERE user_id = $1`

	var metrics gronka.UserMetrics
	var operations []byte
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&metrics.UserID, &operations, &metrics.TotalBytes, &metrics.LastActivityAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gronka.ErrMetricsNotFound
		}
		return nil, err
	}

	if len(operations) > 0 {
		if err := json.Unmarshal(operations, &metrics.Operations); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}

	return &metrics, nil
}

func (r *Repository) UpsertUserMetrics(ctx context.Context, metrics *gronka.UserMetrics) error {
	operations, err := json.Marshal(metrics.Operations)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	query := `
		INSERT INTO user_metrics (user_id, operations, total_bytes, last_activity_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			operations = EXCLUDED.operations,
			total_bytes = EXCLUDED.total_bytes,
			last_activity_at = EXCLUDED.last_activity_at`

	_, err = r.db.Exec(ctx, query,
		metrics.UserID, operations, metrics.TotalBytes, metrics.LastActivityAt)

	if err != nil {
		return r.handlePostgresError("upsert user metrics", err)
	}

	return nil
}

// Row helpers

func encodeOperation(op *gronka.Operation) (steps, filePaths []byte, errMessage, errTrace *string, err error) {
	steps, err = json.Marshal(op.Steps)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode steps: %w", err)
	}
	filePaths, err = json.Marshal(op.FilePaths)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode file paths: %w", err)
	}
	if op.Error != nil {
		errMessage = &op.Error.Message
		errTrace = &op.Error.Trace
	}
	return steps, filePaths, errMessage, errTrace, nil
}

func scanOperation(row pgx.Row) (*gronka.Operation, error) {
	var op gronka.Operation
	var steps, filePaths []byte
	var errMessage, errTrace *string

	err := row.Scan(
		&op.ID, &op.Type, &op.Status, &op.UserID, &op.CreatedAt, &op.StartedAt,
		&op.FinishedAt, &op.DurationMs, &errMessage, &errTrace, &op.SizeBytes,
		&steps, &filePaths)
	if err != nil {
		return nil, err
	}

	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &op.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps: %w", err)
		}
	}
	if len(filePaths) > 0 {
		if err := json.Unmarshal(filePaths, &op.FilePaths); err != nil {
			return nil, fmt.Errorf("failed to decode file paths: %w", err)
		}
	}
	if errMessage != nil {
		op.Error = &gronka.OperationError{Message: *errMessage}
		if errTrace != nil {
			op.Error.Trace = *errTrace
		}
	}

	return &op, nil
}

func collectOperations(rows pgx.Rows) ([]*gronka.Operation, error) {
	var result []*gronka.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
