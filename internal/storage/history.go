package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/t77yq/casewatch/internal/model"
)

// HistoryMark is the position of the newest history entry of a case
type HistoryMark struct {
	Sequence  int64
	ChangedAt time.Time
}

// LastHistoryMark returns the newest (sequence, changedAt) of a case.
// A case without history yields the zero mark.
func (q queries) LastHistoryMark(ctx context.Context, caseID int64) (HistoryMark, error) {
	var mark HistoryMark
	err := q.q.QueryRowContext(ctx, `
		SELECT sequence, changed_at FROM case_history
		WHERE case_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, caseID).Scan(&mark.Sequence, &mark.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return HistoryMark{}, nil
	}
	if err != nil {
		return HistoryMark{}, fmt.Errorf("failed to read history mark: %w", err)
	}
	mark.ChangedAt = mark.ChangedAt.UTC()
	return mark, nil
}

// InsertHistory appends an entry. Sequence and ChangedAt must already be set.
func (q queries) InsertHistory(ctx context.Context, entry *model.CaseHistoryEntry) error {
	oldValue, newValue, err := encodeChange(entry.Change)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}

	var additional sql.NullString
	if len(entry.AdditionalData) > 0 {
		additional = sql.NullString{String: string(entry.AdditionalData), Valid: true}
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO case_history (
			case_id, sequence, changed_by, changed_at, change_type, field_name,
			old_value, new_value, reason, additional_data, automation_triggered,
			notification_sent, ip_address, user_agent, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CaseID,
		entry.Sequence,
		entry.ChangedBy,
		entry.ChangedAt.UTC(),
		entry.ChangeType,
		nullString(entry.Change.FieldName()),
		oldValue,
		newValue,
		entry.Reason,
		additional,
		boolInt(entry.AutomationTriggered),
		boolInt(entry.NotificationSent),
		entry.IPAddress,
		entry.UserAgent,
		entry.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read history id: %w", err)
	}
	return nil
}

// ListHistory returns the entries of a case ordered by (changed_at, sequence)
func (q queries) ListHistory(ctx context.Context, caseID int64) ([]*model.CaseHistoryEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT
			id, case_id, sequence, changed_by, changed_at, change_type, field_name,
			old_value, new_value, reason, additional_data, automation_triggered,
			notification_sent, ip_address, user_agent, session_id
		FROM case_history
		WHERE case_id = ?
		ORDER BY changed_at, sequence`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*model.CaseHistoryEntry
	for rows.Next() {
		var e model.CaseHistoryEntry
		var changedBy, field, oldValue, newValue, additional, ip, agent, session sql.NullString
		var automation, notified int
		if err := rows.Scan(
			&e.ID,
			&e.CaseID,
			&e.Sequence,
			&changedBy,
			&e.ChangedAt,
			&e.ChangeType,
			&field,
			&oldValue,
			&newValue,
			&e.Reason,
			&additional,
			&automation,
			&notified,
			&ip,
			&agent,
			&session,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		change, err := decodeChange(field.String, oldValue, newValue)
		if err != nil {
			return nil, fmt.Errorf("failed to decode history entry %d: %w", e.ID, err)
		}
		e.Change = change
		e.ChangedAt = e.ChangedAt.UTC()
		e.ChangedBy = stringPtr(changedBy)
		e.IPAddress = stringPtr(ip)
		e.UserAgent = stringPtr(agent)
		e.SessionID = stringPtr(session)
		e.AutomationTriggered = automation == 1
		e.NotificationSent = notified == 1
		if additional.Valid {
			e.AdditionalData = []byte(additional.String)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return entries, nil
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// encodeChange flattens a change variant into the old_value/new_value columns
func encodeChange(change model.ChangeValue) (sql.NullString, sql.NullString, error) {
	switch c := change.(type) {
	case model.StatusChange:
		return nullString(string(c.Old)), nullString(string(c.New)), nil
	case model.AssignmentChange:
		oldValue, err := encodeAssignment(c.Old)
		if err != nil {
			return sql.NullString{}, sql.NullString{}, err
		}
		newValue, err := encodeAssignment(c.New)
		if err != nil {
			return sql.NullString{}, sql.NullString{}, err
		}
		return nullString(oldValue), nullString(newValue), nil
	case model.PriorityChange:
		return priorityValue(c.Old), priorityValue(c.New), nil
	case model.SeverityChange:
		return nullString(string(c.Old)), nullString(string(c.New)), nil
	case model.TextChange:
		return nullString(c.Old), nullString(c.New), nil
	}
	return sql.NullString{}, sql.NullString{}, fmt.Errorf("unsupported change %T", change)
}

func priorityValue(p model.Priority) sql.NullString {
	if p == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: strconv.Itoa(int(p)), Valid: true}
}

// decodeChange rebuilds the change variant from the field name
func decodeChange(field string, oldValue, newValue sql.NullString) (model.ChangeValue, error) {
	switch field {
	case model.FieldStatus:
		return model.StatusChange{Old: model.CaseStatus(oldValue.String), New: model.CaseStatus(newValue.String)}, nil
	case model.FieldAssignment:
		oldA, err := decodeAssignment(oldValue.String)
		if err != nil {
			return nil, err
		}
		newA, err := decodeAssignment(newValue.String)
		if err != nil {
			return nil, err
		}
		return model.AssignmentChange{Old: oldA, New: newA}, nil
	case model.FieldPriority:
		var c model.PriorityChange
		if oldValue.Valid {
			p, err := strconv.Atoi(oldValue.String)
			if err != nil {
				return nil, err
			}
			c.Old = model.Priority(p)
		}
		if newValue.Valid {
			p, err := strconv.Atoi(newValue.String)
			if err != nil {
				return nil, err
			}
			c.New = model.Priority(p)
		}
		return c, nil
	case model.FieldSeverity:
		return model.SeverityChange{Old: model.Severity(oldValue.String), New: model.Severity(newValue.String)}, nil
	}
	return model.TextChange{Field: field, Old: oldValue.String, New: newValue.String}, nil
}
