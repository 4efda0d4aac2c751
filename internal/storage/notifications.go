package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/casewatch/internal/model"
)

const notificationColumns = `
	id, case_id, recipient, address, notification_type, channel, priority, subject,
	message, template_id, template_variables, status, scheduled_at, sent_at,
	delivered_at, read_at, retry_count, max_retries, next_retry_at, error_message,
	error_code, external_id, external_reference, tracking_id, correlation_id,
	batch_id, cost_cents, cost_currency, claimed_by, claimed_at, created_at, updated_at`

// InsertNotification stores a PENDING notification. It reports false, without error,
// when a notification for the same (correlation id, recipient, channel) already exists.
func (q queries) InsertNotification(ctx context.Context, n *model.Notification) (bool, error) {
	var variables sql.NullString
	if len(n.TemplateVariables) > 0 {
		encoded, err := encodeMap(n.TemplateVariables)
		if err != nil {
			return false, fmt.Errorf("failed to encode template variables: %w", err)
		}
		variables = sql.NullString{String: encoded, Valid: true}
	}

	err := q.q.QueryRowContext(ctx, `
		INSERT INTO notifications (
			case_id, recipient, address, notification_type, channel, priority, subject,
			message, template_id, template_variables, status, scheduled_at, retry_count,
			max_retries, tracking_id, correlation_id, batch_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id, recipient, channel) DO NOTHING
		RETURNING id`,
		nullInt64(n.CaseID),
		n.Recipient,
		n.Address,
		n.NotificationType,
		n.Channel,
		n.Priority,
		n.Subject,
		n.Message,
		nullString(n.TemplateID),
		variables,
		model.NotificationStatusPending,
		nullTime(n.ScheduledAt),
		n.MaxRetries,
		n.TrackingID,
		n.CorrelationID,
		nullString(n.BatchID),
		n.CreatedAt.UTC(),
		n.CreatedAt.UTC(),
	).Scan(&n.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	n.Status = model.NotificationStatusPending
	n.UpdatedAt = n.CreatedAt
	return true, nil
}

// ClaimDueNotifications moves up to limit due notifications to SENDING for worker in a
// single statement. SENDING claims older than staleBefore are taken over.
func (q queries) ClaimDueNotifications(ctx context.Context, worker string, limit int, now, staleBefore time.Time) ([]*model.Notification, error) {
	rows, err := q.q.QueryContext(ctx, `
		UPDATE notifications
		SET status = 'SENDING', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM notifications
			WHERE (status IN ('PENDING', 'FAILED')
					AND (scheduled_at IS NULL OR scheduled_at <= ?)
					AND (next_retry_at IS NULL OR next_retry_at <= ?)
					AND retry_count < max_retries)
				OR (status = 'SENDING' AND claimed_at < ?)
			ORDER BY priority, id
			LIMIT ?
		) AND (status IN ('PENDING', 'FAILED') OR (status = 'SENDING' AND claimed_at < ?))
		RETURNING id`,
		worker, now.UTC(), now.UTC(), now.UTC(), now.UTC(), staleBefore.UTC(), limit, staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	args := append([]any{worker}, int64Args(ids)...)
	return q.listNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = 'SENDING' AND claimed_by = ? AND id IN (`+placeholders(len(ids))+`)
		ORDER BY priority, id`, args...)
}

// RenewNotificationClaim restarts the claim timeout of a SENDING notification held by
// worker. ErrClaimLost means another worker has taken the row over.
func (q queries) RenewNotificationClaim(ctx context.Context, id int64, worker string, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE notifications SET claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'SENDING' AND claimed_by = ?`,
		now.UTC(), now.UTC(), id, worker)
	if err != nil {
		return fmt.Errorf("failed to renew notification claim: %w", err)
	}
	return expectOne(res, ErrClaimLost)
}

// MarkNotificationSent records a successful send of a notification claimed by worker
func (q queries) MarkNotificationSent(ctx context.Context, id int64, worker, externalID string, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE notifications SET
			status = 'SENT',
			sent_at = ?,
			external_id = ?,
			next_retry_at = NULL,
			error_message = NULL,
			error_code = NULL,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'SENDING' AND claimed_by = ?`,
		now.UTC(), nullString(externalID), now.UTC(), id, worker)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return expectOne(res, ErrClaimLost)
}

// MarkNotificationFailed records a failed attempt. retry_count is incremented; once it
// reaches max_retries the row becomes FAILED with next_retry_at cleared, otherwise it
// returns to PENDING due at nextRetryAt.
func (q queries) MarkNotificationFailed(ctx context.Context, id int64, worker, code, message string, nextRetryAt, now time.Time) (model.NotificationStatus, int, error) {
	var status model.NotificationStatus
	var retries int
	err := q.q.QueryRowContext(ctx, `
		UPDATE notifications SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'FAILED' ELSE 'PENDING' END,
			next_retry_at = CASE WHEN retry_count + 1 >= max_retries THEN NULL ELSE ? END,
			error_message = ?,
			error_code = ?,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'SENDING' AND claimed_by = ?
		RETURNING status, retry_count`,
		nextRetryAt.UTC(), message, nullString(code), now.UTC(), id, worker,
	).Scan(&status, &retries)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrClaimLost
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to mark notification failed: %w", err)
	}
	return status, retries, nil
}

// AckKey selects a notification for a provider acknowledgement
type AckKey struct {
	TrackingID string
	Channel    model.Channel
	ExternalID string
}

func (k AckKey) where() (string, []any) {
	if k.TrackingID != "" {
		return `tracking_id = ?`, []any{k.TrackingID}
	}
	return `channel = ? AND external_id = ?`, []any{k.Channel, k.ExternalID}
}

// AcknowledgeNotification applies a DELIVERED or READ receipt. DELIVERED is accepted only
// from SENT, READ from SENT or DELIVERED. Timestamps never precede earlier ones.
// ErrNotFound means no such notification, ErrStateConflict an out-of-order receipt.
func (q queries) AcknowledgeNotification(ctx context.Context, key AckKey, ack model.AckType, at time.Time) (*model.Notification, error) {
	where, args := key.where()

	var query string
	switch ack {
	case model.AckDelivered:
		query = `
			UPDATE notifications SET
				status = 'DELIVERED',
				delivered_at = MAX(?, sent_at),
				updated_at = ?
			WHERE ` + where + ` AND status = 'SENT'`
	case model.AckRead:
		query = `
			UPDATE notifications SET
				status = 'READ',
				read_at = MAX(?, COALESCE(delivered_at, sent_at)),
				updated_at = ?
			WHERE ` + where + ` AND status IN ('SENT', 'DELIVERED')`
	default:
		return nil, fmt.Errorf("unsupported ack type %q", ack)
	}

	res, err := q.q.ExecContext(ctx, query, append([]any{at.UTC(), at.UTC()}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	current, getErr := q.getNotification(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+where, args...)
	if getErr != nil {
		return nil, getErr
	}
	if n == 0 {
		return current, ErrStateConflict
	}
	return current, nil
}

// RequeueFailedNotifications gives terminally failed notifications extra attempts.
// With no ids, every failed notification is requeued.
func (q queries) RequeueFailedNotifications(ctx context.Context, ids []int64, extraRetries int, now time.Time) (int64, error) {
	query := `
		UPDATE notifications SET
			status = 'PENDING',
			max_retries = retry_count + ?,
			next_retry_at = NULL,
			updated_at = ?
		WHERE status = 'FAILED'`
	args := []any{extraRetries, now.UTC()}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		args = append(args, int64Args(ids)...)
	}
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue notifications: %w", err)
	}
	return res.RowsAffected()
}

// GetNotification retrieves a notification by id
func (q queries) GetNotification(ctx context.Context, id int64) (*model.Notification, error) {
	return q.getNotification(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
}

// GetNotificationByTrackingID retrieves a notification by tracking id
func (q queries) GetNotificationByTrackingID(ctx context.Context, trackingID string) (*model.Notification, error) {
	return q.getNotification(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE tracking_id = ?`, trackingID)
}

// NotificationFilter narrows ListNotifications. Zero fields are ignored.
type NotificationFilter struct {
	CaseID        int64
	CorrelationID string
	Status        model.NotificationStatus
	Limit         int
}

// ListNotifications lists notifications in creation order
func (q queries) ListNotifications(ctx context.Context, f NotificationFilter) ([]*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1 = 1`
	var args []any
	if f.CaseID != 0 {
		query += ` AND case_id = ?`
		args = append(args, f.CaseID)
	}
	if f.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, f.CorrelationID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.listNotifications(ctx, query, args...)
}

func (q queries) getNotification(ctx context.Context, query string, args ...any) (*model.Notification, error) {
	n, err := scanNotification(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (q queries) listNotifications(ctx context.Context, query string, args ...any) ([]*model.Notification, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return out, nil
}

func scanNotification(row scanner) (*model.Notification, error) {
	var n model.Notification
	var caseID, costCents sql.NullInt64
	var templateID, variables, errorMessage, errorCode, externalID, externalRef sql.NullString
	var batchID, costCurrency, claimedBy sql.NullString
	var scheduledAt, sentAt, deliveredAt, readAt, nextRetryAt, claimedAt sql.NullTime

	err := row.Scan(
		&n.ID,
		&caseID,
		&n.Recipient,
		&n.Address,
		&n.NotificationType,
		&n.Channel,
		&n.Priority,
		&n.Subject,
		&n.Message,
		&templateID,
		&variables,
		&n.Status,
		&scheduledAt,
		&sentAt,
		&deliveredAt,
		&readAt,
		&n.RetryCount,
		&n.MaxRetries,
		&nextRetryAt,
		&errorMessage,
		&errorCode,
		&externalID,
		&externalRef,
		&n.TrackingID,
		&n.CorrelationID,
		&batchID,
		&costCents,
		&costCurrency,
		&claimedBy,
		&claimedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.CaseID = int64Ptr(caseID)
	n.TemplateID = templateID.String
	if variables.Valid {
		if n.TemplateVariables, err = decodeMap(variables); err != nil {
			return nil, fmt.Errorf("failed to decode template variables: %w", err)
		}
	}
	n.ScheduledAt = timePtr(scheduledAt)
	n.SentAt = timePtr(sentAt)
	n.DeliveredAt = timePtr(deliveredAt)
	n.ReadAt = timePtr(readAt)
	n.NextRetryAt = timePtr(nextRetryAt)
	n.ErrorMessage = errorMessage.String
	n.ErrorCode = errorCode.String
	n.ExternalID = externalID.String
	n.ExternalReference = externalRef.String
	n.BatchID = batchID.String
	n.CostCents = int64Ptr(costCents)
	n.CostCurrency = costCurrency.String
	n.ClaimedBy = claimedBy.String
	n.ClaimedAt = timePtr(claimedAt)
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}
