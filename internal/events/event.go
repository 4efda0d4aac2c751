// Package events carries case events from the transactional outbox to the
// notification dispatcher, locally or over NATS JetStream.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
)

// NewEvent creates an event with a fresh id
func NewEvent(t model.EventType, caseID int64, at time.Time) *model.CaseEvent {
	return &model.CaseEvent{
		ID:         uuid.NewString(),
		Type:       t,
		CaseID:     caseID,
		OccurredAt: at.UTC(),
	}
}

// Enqueue writes the event to the outbox of tx. It is published only if tx commits.
func Enqueue(ctx context.Context, tx *storage.Tx, e *model.CaseEvent) error {
	if err := tx.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to enqueue %s event: %w", e.Type, err)
	}
	return nil
}
