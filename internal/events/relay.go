package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
)

// DefaultMaxPublishAttempts is how often an event may fail to publish before it
// is dead-lettered
const DefaultMaxPublishAttempts = 20

// Outbox is the event table written by case mutations
type Outbox interface {
	ListUnpublishedEvents(ctx context.Context, limit int) ([]*model.CaseEvent, error)
	MarkEventPublished(ctx context.Context, id string, now time.Time) error
	MarkEventFailed(ctx context.Context, id string, message string) (int, error)
	MarkEventDeadLettered(ctx context.Context, id string, now time.Time) error
}

// Relay moves committed events from the outbox to a publisher in write order
type Relay struct {
	logger      *zap.Logger
	outbox      Outbox
	publisher   Publisher
	deadLetters DeadLetterSink
	maxAttempts int
	now         func() time.Time
}

// NewRelay creates an outbox relay
func NewRelay(logger *zap.Logger, outbox Outbox, publisher Publisher, deadLetters DeadLetterSink) *Relay {
	return &Relay{
		logger:      logger.Named("relay"),
		outbox:      outbox,
		publisher:   publisher,
		deadLetters: deadLetters,
		maxAttempts: DefaultMaxPublishAttempts,
		now:         time.Now,
	}
}

// WithMaxAttempts sets the publish attempts after which an event is dead-lettered
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// Flush publishes up to limit pending events. It stops at the first failure so
// later events never overtake an earlier one; the failed event is retried on the
// next flush. An event that has failed maxAttempts times is dead-lettered and the
// flush moves past it. Publishing is at-least-once and consumers deduplicate by
// event id.
func (r *Relay) Flush(ctx context.Context, limit int) (int, error) {
	pending, err := r.outbox.ListUnpublishedEvents(ctx, limit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, e := range pending {
		if err := r.publisher.Publish(ctx, e); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "error").Inc()
			attempts, markErr := r.outbox.MarkEventFailed(ctx, e.ID, err.Error())
			if markErr != nil {
				r.logger.Error("Failed to record publish failure",
					zap.String("event_id", e.ID),
					zap.Error(markErr))
			}
			if markErr != nil || attempts < r.maxAttempts {
				return published, fmt.Errorf("failed to publish event %s: %w", e.ID, err)
			}
			if err := r.deadLetter(ctx, e, err, attempts); err != nil {
				return published, err
			}
			continue
		}

		if err := r.outbox.MarkEventPublished(ctx, e.ID, r.now()); err != nil {
			return published, err
		}
		metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "ok").Inc()
		published++
	}

	if published > 0 {
		r.logger.Debug("Outbox flushed", zap.Int("published", published))
	}
	return published, nil
}

func (r *Relay) deadLetter(ctx context.Context, e *model.CaseEvent, cause error, attempts int) error {
	now := r.now()
	dl := model.DeadLetter{
		Kind:      model.DeadLetterEvent,
		ID:        e.ID,
		Error:     cause.Error(),
		Attempts:  attempts,
		CreatedAt: now,
	}
	if err := r.deadLetters.DeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", e.ID, err)
	}
	if err := r.outbox.MarkEventDeadLettered(ctx, e.ID, now); err != nil {
		return err
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "dead_letter").Inc()
	r.logger.Error("Event dead-lettered after repeated publish failures",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Int("attempts", attempts))
	return nil
}
