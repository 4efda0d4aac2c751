package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/casewatch/internal/model"
)

const occurrenceColumns = `
	id, fingerprint, name, external_alert_id, status, severity, message,
	starts_at, ends_at, labels, annotations, generator_url, linked_case_id,
	state, claimed_by, claimed_at, suppressed, processing_error, retry_count,
	delivery_count, received_at, updated_at, raw_payload`

// UpsertOccurrence inserts the occurrence or, when its fingerprint already exists,
// refreshes status and endsAt in place. It is a single statement so that
// concurrent deliveries of one fingerprint serialize on the unique constraint.
// A processed occurrence whose status changed is queued again so the
// transition reaches its case.
func (q queries) UpsertOccurrence(ctx context.Context, occ *model.AlertOccurrence) (int64, bool, error) {
	labels, err := encodeMap(occ.Labels)
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode labels: %w", err)
	}
	annotations, err := encodeMap(occ.Annotations)
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode annotations: %w", err)
	}

	var id int64
	var deliveries int
	err = q.q.QueryRowContext(ctx, `
		INSERT INTO alert_occurrences (
			fingerprint, name, external_alert_id, status, severity, message,
			starts_at, ends_at, labels, annotations, generator_url,
			state, received_at, updated_at, raw_payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			status = excluded.status,
			ends_at = CASE
				WHEN excluded.ends_at IS NOT NULL AND excluded.ends_at < alert_occurrences.starts_at
				THEN alert_occurrences.starts_at
				ELSE excluded.ends_at END,
			raw_payload = excluded.raw_payload,
			updated_at = excluded.updated_at,
			delivery_count = alert_occurrences.delivery_count + 1,
			state = CASE
				WHEN alert_occurrences.state = 'DONE' AND alert_occurrences.status <> excluded.status
				THEN 'UNCLAIMED'
				ELSE alert_occurrences.state END
		RETURNING id, delivery_count`,
		occ.Fingerprint,
		occ.Name,
		nullString(occ.ExternalAlertID),
		occ.Status,
		occ.Severity,
		occ.Message,
		occ.StartsAt.UTC(),
		nullTime(occ.EndsAt),
		labels,
		annotations,
		occ.GeneratorURL,
		model.ClaimStateUnclaimed,
		occ.ReceivedAt.UTC(),
		occ.ReceivedAt.UTC(),
		[]byte(occ.RawPayload),
	).Scan(&id, &deliveries)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert occurrence: %w", err)
	}
	return id, deliveries == 1, nil
}

// ClaimOccurrences marks up to limit unclaimed occurrences, oldest first, as claimed by
// worker in one conditional update. Claims older than staleBefore are taken over.
func (q queries) ClaimOccurrences(ctx context.Context, worker string, limit int, now, staleBefore time.Time) ([]*model.AlertOccurrence, error) {
	rows, err := q.q.QueryContext(ctx, `
		UPDATE alert_occurrences
		SET state = 'CLAIMED', claimed_by = ?, claimed_at = ?
		WHERE id IN (
			SELECT id FROM alert_occurrences
			WHERE state = 'UNCLAIMED' OR (state = 'CLAIMED' AND claimed_at < ?)
			ORDER BY received_at, id
			LIMIT ?
		) AND (state = 'UNCLAIMED' OR (state = 'CLAIMED' AND claimed_at < ?))
		RETURNING id`,
		worker, now.UTC(), staleBefore.UTC(), limit, staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim occurrences: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to claim occurrences: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	args := append([]any{worker}, int64Args(ids)...)
	return q.listOccurrences(ctx, `
		SELECT `+occurrenceColumns+` FROM alert_occurrences
		WHERE state = 'CLAIMED' AND claimed_by = ? AND id IN (`+placeholders(len(ids))+`)
		ORDER BY received_at, id`, args...)
}

// CompleteOccurrence finalizes a claimed occurrence. caseID is nil for a suppressed
// occurrence, in which case note is kept as its processing error. If the alert
// status moved since it was claimed the row goes back to UNCLAIMED instead of DONE.
func (q queries) CompleteOccurrence(ctx context.Context, id int64, worker string, claimedStatus model.AlertStatus, caseID *int64, note string, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE alert_occurrences SET
			state = CASE WHEN status = ? THEN 'DONE' ELSE 'UNCLAIMED' END,
			linked_case_id = COALESCE(?, linked_case_id),
			suppressed = ?,
			processing_error = ?,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND state = 'CLAIMED' AND claimed_by = ?`,
		claimedStatus,
		nullInt64(caseID),
		boolInt(caseID == nil),
		nullString(note),
		now.UTC(),
		id,
		worker,
	)
	if err != nil {
		return fmt.Errorf("failed to complete occurrence: %w", err)
	}
	return expectOne(res, ErrClaimLost)
}

// FailOccurrence records a processing failure. The occurrence returns to UNCLAIMED, or
// to DEAD once retry_count exceeds maxRetries. It reports whether the row is now dead.
func (q queries) FailOccurrence(ctx context.Context, id int64, worker, message string, maxRetries int, now time.Time) (bool, int, error) {
	var state model.ClaimState
	var retries int
	err := q.q.QueryRowContext(ctx, `
		UPDATE alert_occurrences SET
			retry_count = retry_count + 1,
			processing_error = ?,
			state = CASE WHEN retry_count + 1 > ? THEN 'DEAD' ELSE 'UNCLAIMED' END,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND state = 'CLAIMED' AND claimed_by = ?
		RETURNING state, retry_count`,
		message, maxRetries, now.UTC(), id, worker,
	).Scan(&state, &retries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, ErrClaimLost
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to record occurrence failure: %w", err)
	}
	return state == model.ClaimStateDead, retries, nil
}

// RequeueDeadOccurrences returns dead occurrences to the queue for another attempt.
// With no ids, every dead occurrence is requeued.
func (q queries) RequeueDeadOccurrences(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	query := `UPDATE alert_occurrences SET state = 'UNCLAIMED', updated_at = ? WHERE state = 'DEAD'`
	args := []any{now.UTC()}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		args = append(args, int64Args(ids)...)
	}
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue occurrences: %w", err)
	}
	return res.RowsAffected()
}

// GetOccurrence retrieves an occurrence by id
func (q queries) GetOccurrence(ctx context.Context, id int64) (*model.AlertOccurrence, error) {
	return q.getOccurrence(ctx, `SELECT `+occurrenceColumns+` FROM alert_occurrences WHERE id = ?`, id)
}

// GetOccurrenceByFingerprint retrieves an occurrence by fingerprint
func (q queries) GetOccurrenceByFingerprint(ctx context.Context, fingerprint string) (*model.AlertOccurrence, error) {
	return q.getOccurrence(ctx, `SELECT `+occurrenceColumns+` FROM alert_occurrences WHERE fingerprint = ?`, fingerprint)
}

// ListOccurrences lists occurrences in the given state, oldest first
func (q queries) ListOccurrences(ctx context.Context, state model.ClaimState, offset, limit int) ([]*model.AlertOccurrence, error) {
	return q.listOccurrences(ctx, `
		SELECT `+occurrenceColumns+` FROM alert_occurrences
		WHERE state = ?
		ORDER BY received_at, id
		LIMIT ? OFFSET ?`, state, limit, offset)
}

// CountOccurrences counts occurrences in the given state
func (q queries) CountOccurrences(ctx context.Context, state model.ClaimState) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_occurrences WHERE state = ?`, state).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	return n, nil
}

func (q queries) getOccurrence(ctx context.Context, query string, args ...any) (*model.AlertOccurrence, error) {
	occ, err := scanOccurrence(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get occurrence: %w", err)
	}
	return occ, nil
}

func (q queries) listOccurrences(ctx context.Context, query string, args ...any) ([]*model.AlertOccurrence, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var out []*model.AlertOccurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		out = append(out, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate occurrences: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOccurrence(row scanner) (*model.AlertOccurrence, error) {
	var occ model.AlertOccurrence
	var externalID, claimedBy, processingError, labels, annotations sql.NullString
	var endsAt, claimedAt sql.NullTime
	var linkedCaseID sql.NullInt64
	var suppressed int
	var raw []byte

	err := row.Scan(
		&occ.ID,
		&occ.Fingerprint,
		&occ.Name,
		&externalID,
		&occ.Status,
		&occ.Severity,
		&occ.Message,
		&occ.StartsAt,
		&endsAt,
		&labels,
		&annotations,
		&occ.GeneratorURL,
		&linkedCaseID,
		&occ.State,
		&claimedBy,
		&claimedAt,
		&suppressed,
		&processingError,
		&occ.RetryCount,
		&occ.DeliveryCount,
		&occ.ReceivedAt,
		&occ.UpdatedAt,
		&raw,
	)
	if err != nil {
		return nil, err
	}

	occ.ExternalAlertID = externalID.String
	occ.EndsAt = timePtr(endsAt)
	occ.LinkedCaseID = int64Ptr(linkedCaseID)
	occ.ClaimedBy = claimedBy.String
	occ.ClaimedAt = timePtr(claimedAt)
	occ.Suppressed = suppressed == 1
	occ.ProcessingError = processingError.String
	occ.StartsAt = occ.StartsAt.UTC()
	occ.ReceivedAt = occ.ReceivedAt.UTC()
	occ.UpdatedAt = occ.UpdatedAt.UTC()
	if len(raw) > 0 {
		occ.RawPayload = raw
	}
	if occ.Labels, err = decodeMap(labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	if occ.Annotations, err = decodeMap(annotations); err != nil {
		return nil, fmt.Errorf("failed to decode annotations: %w", err)
	}
	return &occ, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func expectOne(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return otherwise
	}
	return nil
}
