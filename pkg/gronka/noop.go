package gronka

import "context"

// NoopEventSink is a no-operation implementation of EventSink
// Useful for production when you don't need lifecycle broadcasts or for testing
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// OperationStarted does nothing and returns nil
func (n *NoopEventSink) OperationStarted(ctx context.Context, op *Operation) error {
	return nil
}

// StepLogged does nothing and returns nil
func (n *NoopEventSink) StepLogged(ctx context.Context, op *Operation, step Step) error {
	return nil
}

// OperationFinished does nothing and returns nil
func (n *NoopEventSink) OperationFinished(ctx context.Context, op *Operation) error {
	return nil
}

// NoopNotifier is a no-operation implementation of Notifier
type NoopNotifier struct{}

// NewNoopNotifier creates a new no-operation notifier
func NewNoopNotifier() Notifier {
	return &NoopNotifier{}
}

// NotifyOperationFailed does nothing and returns nil
func (n *NoopNotifier) NotifyOperationFailed(ctx context.Context, op *Operation, message string) error {
	return nil
}
