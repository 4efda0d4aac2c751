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

const caseColumns = `
	id, title, description, status, priority, severity, assignment, correlation_key,
	alert_name, labels, sla_deadline, sla_breached, sla_breached_at, alert_count,
	last_alert_at, created_at, updated_at, resolved_at, version`

// closedStatusList is the SQL literal list of closed case statuses
const closedStatusList = `('RESOLVED', 'CLOSED', 'CANCELLED')`

// storedAssignment is the persisted shape of a case assignment
type storedAssignment struct {
	UserIDs []string `json:"userIds"`
	TeamIDs []string `json:"teamIds"`
}

func encodeAssignment(a model.Assignment) (string, error) {
	a = a.Normalize()
	b, err := json.Marshal(storedAssignment{UserIDs: a.UserIDs, TeamIDs: a.TeamIDs})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAssignment(s string) (model.Assignment, error) {
	var stored storedAssignment
	if s != "" {
		if err := json.Unmarshal([]byte(s), &stored); err != nil {
			return model.Assignment{}, err
		}
	}
	return model.Assignment{UserIDs: stored.UserIDs, TeamIDs: stored.TeamIDs}.Normalize(), nil
}

// CreateCase inserts a case and sets its id and version
func (q queries) CreateCase(ctx context.Context, c *model.Case) error {
	assignment, err := encodeAssignment(c.Assignment)
	if err != nil {
		return fmt.Errorf("failed to encode assignment: %w", err)
	}
	labels, err := encodeMap(c.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO cases (
			title, description, status, priority, severity, assignment, correlation_key,
			alert_name, labels, sla_deadline, sla_breached, alert_count, last_alert_at,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		c.Title,
		c.Description,
		c.Status,
		c.Priority,
		c.Severity,
		assignment,
		c.CorrelationKey,
		c.AlertName,
		labels,
		c.SLADeadline.UTC(),
		boolInt(c.SLABreached),
		c.AlertCount,
		nullTime(c.LastAlertAt),
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create case: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read case id: %w", err)
	}
	c.ID = id
	c.Version = 1
	return nil
}

// UpdateCase writes every mutable field of c if the stored version still equals
// c.Version, then bumps c.Version.
func (q queries) UpdateCase(ctx context.Context, c *model.Case) error {
	assignment, err := encodeAssignment(c.Assignment)
	if err != nil {
		return fmt.Errorf("failed to encode assignment: %w", err)
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE cases SET
			title = ?,
			description = ?,
			status = ?,
			priority = ?,
			severity = ?,
			assignment = ?,
			sla_deadline = ?,
			sla_breached = ?,
			sla_breached_at = ?,
			alert_count = ?,
			last_alert_at = ?,
			updated_at = ?,
			resolved_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		c.Title,
		c.Description,
		c.Status,
		c.Priority,
		c.Severity,
		assignment,
		c.SLADeadline.UTC(),
		boolInt(c.SLABreached),
		nullTime(c.SLABreachedAt),
		c.AlertCount,
		nullTime(c.LastAlertAt),
		c.UpdatedAt.UTC(),
		nullTime(c.ResolvedAt),
		c.ID,
		c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	if err := expectOne(res, ErrVersionConflict); err != nil {
		return err
	}
	c.Version++
	return nil
}

// MarkSLABreached flips sla_breached for an open case whose deadline has passed.
// It reports false when the case was already breached, closed, or not yet due.
func (q queries) MarkSLABreached(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE cases SET
			sla_breached = 1,
			sla_breached_at = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ?
			AND sla_breached = 0
			AND sla_deadline <= ?
			AND status NOT IN `+closedStatusList,
		now.UTC(), now.UTC(), id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark sla breach: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// GetCase retrieves a case by id
func (q queries) GetCase(ctx context.Context, id int64) (*model.Case, error) {
	c, err := scanCase(q.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// FindOpenCase returns the newest open case with the correlation key created at or
// after since, or ErrNotFound.
func (q queries) FindOpenCase(ctx context.Context, correlationKey string, since time.Time) (*model.Case, error) {
	c, err := scanCase(q.q.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE correlation_key = ?
			AND created_at >= ?
			AND status NOT IN `+closedStatusList+`
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, correlationKey, since.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open case: %w", err)
	}
	return c, nil
}

// ListBreachCandidates returns ids of open, unbreached cases whose deadline has passed
func (q queries) ListBreachCandidates(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id FROM cases
		WHERE sla_breached = 0
			AND sla_deadline <= ?
			AND status NOT IN `+closedStatusList+`
		ORDER BY sla_deadline, id
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list breach candidates: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list breach candidates: %w", err)
	}
	return ids, nil
}

func scanCase(row scanner) (*model.Case, error) {
	var c model.Case
	var assignment string
	var labels sql.NullString
	var breached int
	var breachedAt, lastAlertAt, resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Description,
		&c.Status,
		&c.Priority,
		&c.Severity,
		&assignment,
		&c.CorrelationKey,
		&c.AlertName,
		&labels,
		&c.SLADeadline,
		&breached,
		&breachedAt,
		&c.AlertCount,
		&lastAlertAt,
		&c.CreatedAt,
		&c.UpdatedAt,
		&resolvedAt,
		&c.Version,
	)
	if err != nil {
		return nil, err
	}

	if c.Assignment, err = decodeAssignment(assignment); err != nil {
		return nil, fmt.Errorf("failed to decode assignment: %w", err)
	}
	if c.Labels, err = decodeMap(labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	c.SLABreached = breached == 1
	c.SLABreachedAt = timePtr(breachedAt)
	c.LastAlertAt = timePtr(lastAlertAt)
	c.ResolvedAt = timePtr(resolvedAt)
	c.SLADeadline = c.SLADeadline.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
