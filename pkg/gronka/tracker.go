package gronka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Tracker records the pending/running/success/error lifecycle and step-level
// trace of every unit of work, broadcasts updates to sinks, aggregates
// per-user metrics, and reaps operations stuck in running beyond a timeout.
type Tracker struct {
	repo     Repository
	sinks    []EventSink
	notifier Notifier
	logger   *slog.Logger
}

// TrackerOption represents a functional option for configuring the tracker
type TrackerOption func(*Tracker)

// WithEventSink adds a lifecycle broadcast sink
func WithEventSink(sink EventSink) TrackerOption {
	return func(t *Tracker) {
		t.sinks = append(t.sinks, sink)
	}
}

// WithNotifier sets the out-of-band user notifier used by the reaper
func WithNotifier(n Notifier) TrackerOption {
	return func(t *Tracker) {
		t.notifier = n
	}
}

// NewTracker creates an operation lifecycle tracker.
func NewTracker(repo Repository, logger *slog.Logger, options ...TrackerOption) (*Tracker, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{repo: repo, logger: logger}
	for _, option := range options {
		option(t)
	}
	return t, nil
}

// Begin creates a pending operation for the given user.
func (t *Tracker) Begin(ctx context.Context, opType OperationType, userID string) (*Operation, error) {
	op := &Operation{
		ID:        uuid.New(),
		Type:      opType,
		Status:    OperationStatusPending,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.repo.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	return op, nil
}

// Start transitions an operation from pending to running.
func (t *Tracker) Start(ctx context.Context, id uuid.UUID) error {
	op, err := t.repo.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != OperationStatusPending {
		return &OperationStateError{OperationID: id, From: op.Status, To: OperationStatusRunning, Err: ErrInvalidTransition}
	}

	now := time.Now().UTC()
	op.Status = OperationStatusRunning
	op.StartedAt = &now
	if err := t.repo.UpdateOperation(ctx, op); err != nil {
		return err
	}

	t.broadcast(ctx, func(sink EventSink) error { return sink.OperationStarted(ctx, op) })
	return nil
}

// LogStep appends a named step with elapsed-time-since-start. It never
// changes the top-level status, and appending to a terminal operation is
// rejected.
func (t *Tracker) LogStep(ctx context.Context, id uuid.UUID, name, status string, metadata map[string]interface{}) error {
	op, err := t.repo.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return &OperationStateError{OperationID: id, From: op.Status, To: op.Status, Err: ErrOperationTerminal}
	}

	now := time.Now().UTC()
	since := op.CreatedAt
	if op.StartedAt != nil {
		since = *op.StartedAt
	}
	step := Step{
		Name:      name,
		Status:    status,
		ElapsedMs: now.Sub(since).Milliseconds(),
		Metadata:  metadata,
		At:        now,
	}
	op.Steps = append(op.Steps, step)

	if err := t.repo.UpdateOperation(ctx, op); err != nil {
		return err
	}

	t.broadcast(ctx, func(sink EventSink) error { return sink.StepLogged(ctx, op, step) })
	return nil
}

// AddFile records a file path touched by the operation, for cleanup and
// auditing.
func (t *Tracker) AddFile(ctx context.Context, id uuid.UUID, path string) error {
	op, err := t.repo.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return &OperationStateError{OperationID: id, From: op.Status, To: op.Status, Err: ErrOperationTerminal}
	}
	op.FilePaths = append(op.FilePaths, path)
	return t.repo.UpdateOperation(ctx, op)
}

// FinishData carries the terminal attributes of an operation.
type FinishData struct {
	SizeBytes int64
	Error     *OperationError
}

// Finish transitions a running operation into success or error. A pending
// operation may go straight to error, which is how the reaper fails work
// that never started. The total duration is computed on the terminal
// transition; the broadcast to sinks is best effort and the per-user metrics
// update runs asynchronously, so neither can affect the operation's recorded
// outcome. Finishing an already-terminal operation returns
// ErrOperationTerminal, and the write itself is status-guarded in the
// repository, so a finisher that loses a race never overwrites the winner.
func (t *Tracker) Finish(ctx context.Context, id uuid.UUID, status OperationStatus, data FinishData) error {
	if !status.Terminal() {
		return &OperationStateError{OperationID: id, From: "", To: status, Err: ErrInvalidTransition}
	}

	op, err := t.repo.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return &OperationStateError{OperationID: id, From: op.Status, To: status, Err: ErrOperationTerminal}
	}
	if op.Status != OperationStatusRunning &&
		!(op.Status == OperationStatusPending && status == OperationStatusError) {
		return &OperationStateError{OperationID: id, From: op.Status, To: status, Err: ErrInvalidTransition}
	}

	now := time.Now().UTC()
	op.Status = status
	op.FinishedAt = &now
	op.Error = data.Error
	if data.SizeBytes > 0 {
		op.SizeBytes = data.SizeBytes
	}
	if op.StartedAt != nil {
		op.DurationMs = now.Sub(*op.StartedAt).Milliseconds()
	} else {
		op.DurationMs = now.Sub(op.CreatedAt).Milliseconds()
	}

	if err := t.repo.FinishOperation(ctx, op); err != nil {
		if errors.Is(err, ErrOperationTerminal) {
			// Another finisher landed between our read and the write.
			from := status
			if current, gerr := t.repo.GetOperation(ctx, id); gerr == nil {
				from = current.Status
			}
			return &OperationStateError{OperationID: id, From: from, To: status, Err: ErrOperationTerminal}
		}
		return err
	}

	t.broadcast(ctx, func(sink EventSink) error { return sink.OperationFinished(ctx, op) })

	go t.updateMetrics(op)

	return nil
}

// Get returns an operation by id.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*Operation, error) {
	return t.repo.GetOperation(ctx, id)
}

// Recent lists the most recently created operations.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]*Operation, error) {
	return t.repo.ListRecentOperations(ctx, limit)
}

// ReapStuck force-transitions operations stuck in pending or running past
// the threshold into error with a synthetic message, optionally notifying
// the owning user. The sweep is idempotent: an already-terminal operation is
// never re-touched, the stuck query only returns live rows, and the terminal
// write is status-guarded so a reap racing the operation's own finish can
// never flip a recorded outcome.
func (t *Tracker) ReapStuck(ctx context.Context, threshold time.Duration) (int, error) {
	stuck, err := t.repo.ListStuckOperations(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck operations: %w", err)
	}

	var reaped int
	for _, op := range stuck {
		message := fmt.Sprintf("operation timed out: no progress for over %s", threshold)
		err := t.Finish(ctx, op.ID, OperationStatusError, FinishData{
			Error: &OperationError{Message: message},
		})
		if errors.Is(err, ErrOperationTerminal) {
			// The operation finished on its own after the stuck listing.
			continue
		}
		if err != nil {
			t.logger.Error("failed to reap stuck operation", "operation_id", op.ID, "err", err)
			continue
		}
		reaped++

		t.logger.Warn("reaped stuck operation",
			"operation_id", op.ID,
			"type", op.Type,
			"user_id", op.UserID,
			"threshold", threshold)

		if t.notifier != nil {
			if err := t.notifier.NotifyOperationFailed(ctx, op, message); err != nil {
				t.logger.Warn("stuck operation notification failed", "operation_id", op.ID, "err", err)
			}
		}
	}
	return reaped, nil
}

// RunReaper sweeps for stuck operations on the given interval until the
// context is canceled.
func (t *Tracker) RunReaper(ctx context.Context, interval, threshold time.Duration) error {
	t.logger.Info("operation reaper starting", "check_interval", interval, "threshold", threshold)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("operation reaper shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.ReapStuck(ctx, threshold); err != nil {
				t.logger.Error("stuck operation sweep failed", "err", err)
			}
		}
	}
}

func (t *Tracker) broadcast(ctx context.Context, fire func(EventSink) error) {
	for _, sink := range t.sinks {
		if err := fire(sink); err != nil {
			t.logger.Warn("event sink failed", "err", err)
		}
	}
}

// updateMetrics folds a terminal operation into the owner's aggregate
// metrics. Failures are logged only; they must not affect the operation's
// recorded outcome.
func (t *Tracker) updateMetrics(op *Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics, err := t.repo.GetUserMetrics(ctx, op.UserID)
	if err != nil {
		metrics = &UserMetrics{
			UserID:     op.UserID,
			Operations: make(map[string]int64),
		}
	}
	if metrics.Operations == nil {
		metrics.Operations = make(map[string]int64)
	}

	metrics.Operations[fmt.Sprintf("%s_%s", op.Type, op.Status)]++
	metrics.TotalBytes += op.SizeBytes
	metrics.LastActivityAt = time.Now().UTC()

	if err := t.repo.UpsertUserMetrics(ctx, metrics); err != nil {
		t.logger.Warn("user metrics update failed", "user_id", op.UserID, "err", err)
	}
}
