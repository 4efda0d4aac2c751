package model

import (
	"slices"
	"time"
)

// CaseStatus represents the status of a case
type CaseStatus string

const (
	CaseStatusNew        CaseStatus = "NEW"
	CaseStatusOpen       CaseStatus = "OPEN"
	CaseStatusInProgress CaseStatus = "IN_PROGRESS"
	CaseStatusOnHold     CaseStatus = "ON_HOLD"
	CaseStatusResolved   CaseStatus = "RESOLVED"
	CaseStatusClosed     CaseStatus = "CLOSED"
	CaseStatusCancelled  CaseStatus = "CANCELLED"
)

// ClosedCaseStatuses are never reused for correlation and never breach
var ClosedCaseStatuses = []CaseStatus{CaseStatusResolved, CaseStatusClosed, CaseStatusCancelled}

// IsClosed reports whether the status is resolved, closed or cancelled
func (s CaseStatus) IsClosed() bool {
	return slices.Contains(ClosedCaseStatuses, s)
}

// Valid reports whether s is a known status
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseStatusNew, CaseStatusOpen, CaseStatusInProgress, CaseStatusOnHold,
		CaseStatusResolved, CaseStatusClosed, CaseStatusCancelled:
		return true
	}
	return false
}

// Assignment is the set of users and teams a case is assigned to
type Assignment struct {
	UserIDs []string `json:"userIds"`
	TeamIDs []string `json:"teamIds"`
}

// Normalize sorts and deduplicates both sets and drops empty ids
func (a Assignment) Normalize() Assignment {
	return Assignment{UserIDs: normalizeSet(a.UserIDs), TeamIDs: normalizeSet(a.TeamIDs)}
}

// Empty reports whether nobody is assigned
func (a Assignment) Empty() bool {
	return len(a.UserIDs) == 0 && len(a.TeamIDs) == 0
}

// Equal compares normalized sets
func (a Assignment) Equal(other Assignment) bool {
	x, y := a.Normalize(), other.Normalize()
	return slices.Equal(x.UserIDs, y.UserIDs) && slices.Equal(x.TeamIDs, y.TeamIDs)
}

// Added returns the users and teams present in next but not in a
func (a Assignment) Added(next Assignment) Assignment {
	return Assignment{
		UserIDs: difference(next.UserIDs, a.UserIDs),
		TeamIDs: difference(next.TeamIDs, a.TeamIDs),
	}.Normalize()
}

func normalizeSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func difference(a, b []string) []string {
	var out []string
	for _, id := range a {
		if !slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

// Case is a tracked operational work item correlated to alert occurrences
type Case struct {
	ID             int64             `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Status         CaseStatus        `json:"status"`
	Priority       Priority          `json:"priority"`
	Severity       Severity          `json:"severity"`
	Assignment     Assignment        `json:"assignment"`
	CorrelationKey string            `json:"correlation_key"`
	AlertName      string            `json:"alert_name"`
	Labels         map[string]string `json:"labels,omitempty"`

	SLADeadline   time.Time  `json:"sla_deadline"`
	SLABreached   bool       `json:"sla_breached"`
	SLABreachedAt *time.Time `json:"sla_breached_at,omitempty"`

	AlertCount  int        `json:"alert_count"`
	LastAlertAt *time.Time `json:"last_alert_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Version     int        `json:"version"`
}

// Actor identifies who performed a mutation. The zero value is the system.
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// SystemActor is used for automation-driven mutations
var SystemActor = Actor{}

// IsSystem reports whether the actor is automation
func (a Actor) IsSystem() bool {
	return a.UserID == ""
}
