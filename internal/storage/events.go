package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/casewatch/internal/model"
)

// InsertEvent writes a case event to the outbox
func (q queries) InsertEvent(ctx context.Context, e *model.CaseEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := q.q.ExecContext(ctx, `
		INSERT INTO case_events (id, case_id, event_type, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, e.Type, string(payload), e.OccurredAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListUnpublishedEvents returns outbox events not yet published, in write order
func (q queries) ListUnpublishedEvents(ctx context.Context, limit int) ([]*model.CaseEvent, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT payload FROM case_events
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.CaseEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var e model.CaseEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// MarkEventPublished records that an event reached the bus
func (q queries) MarkEventPublished(ctx context.Context, id string, now time.Time) error {
	if _, err := q.q.ExecContext(ctx, `
		UPDATE case_events SET published_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE id = ? AND published_at IS NULL`, now.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}

// MarkEventFailed records a failed publish attempt and returns the attempts so far.
// Zero means the event has already left the outbox.
func (q queries) MarkEventFailed(ctx context.Context, id string, message string) (int, error) {
	var attempts int
	err := q.q.QueryRowContext(ctx, `
		UPDATE case_events SET attempts = attempts + 1, last_error = ?
		WHERE id = ? AND published_at IS NULL
		RETURNING attempts`, message, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark event failed: %w", err)
	}
	return attempts, nil
}

// MarkEventDeadLettered takes an event out of the outbox without publishing it.
// last_error is kept.
func (q queries) MarkEventDeadLettered(ctx context.Context, id string, now time.Time) error {
	if _, err := q.q.ExecContext(ctx, `
		UPDATE case_events SET published_at = ?
		WHERE id = ? AND published_at IS NULL`, now.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark event dead-lettered: %w", err)
	}
	return nil
}

// EventPublishState is the outbox bookkeeping for one event
type EventPublishState struct {
	Published bool
	Attempts  int
	LastError string
}

// GetEventPublishState returns the outbox bookkeeping for event id
func (q queries) GetEventPublishState(ctx context.Context, id string) (*EventPublishState, error) {
	var (
		publishedAt sql.NullTime
		lastError   sql.NullString
		st          EventPublishState
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT published_at, attempts, last_error FROM case_events WHERE id = ?`, id,
	).Scan(&publishedAt, &st.Attempts, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	st.Published = publishedAt.Valid
	st.LastError = lastError.String
	return &st, nil
}

// CountUnpublishedEvents returns the outbox backlog
func (q queries) CountUnpublishedEvents(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM case_events WHERE published_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
