package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/model"
)

// Publisher delivers case events to their consumers
type Publisher interface {
	Publish(ctx context.Context, e *model.CaseEvent) error
}

// Handler consumes a case event. Handlers must tolerate redelivery.
type Handler func(ctx context.Context, e *model.CaseEvent) error

// DeadLetterSink receives items that exhausted their retries
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl model.DeadLetter) error
}

// LocalBus hands events straight to a handler in-process
type LocalBus struct {
	handler Handler
}

// NewLocalBus creates an in-process bus
func NewLocalBus(handler Handler) *LocalBus {
	return &LocalBus{handler: handler}
}

// Publish runs the handler synchronously
func (b *LocalBus) Publish(ctx context.Context, e *model.CaseEvent) error {
	return b.handler(ctx, e)
}

// LogDeadLetters records dead letters in the log only
type LogDeadLetters struct {
	logger *zap.Logger
}

// NewLogDeadLetters creates a logging dead-letter sink
func NewLogDeadLetters(logger *zap.Logger) *LogDeadLetters {
	return &LogDeadLetters{logger: logger.Named("deadletter")}
}

// DeadLetter logs the item at error level
func (l *LogDeadLetters) DeadLetter(_ context.Context, dl model.DeadLetter) error {
	l.logger.Error("Dead letter",
		zap.String("kind", dl.Kind),
		zap.String("id", dl.ID),
		zap.Int("attempts", dl.Attempts),
		zap.String("error", dl.Error))
	return nil
}
