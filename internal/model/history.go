package model

import (
	"encoding/json"
	"time"
)

// ChangeType enumerates the kinds of case mutation recorded in history
type ChangeType string

const (
	ChangeTypeStatus     ChangeType = "STATUS_CHANGE"
	ChangeTypeAssignment ChangeType = "ASSIGNMENT_CHANGE"
	ChangeTypePriority   ChangeType = "PRIORITY_CHANGE"
	ChangeTypeSeverity   ChangeType = "SEVERITY_CHANGE"
	ChangeTypeEscalation ChangeType = "ESCALATION"
	ChangeTypeSLABreach  ChangeType = "SLA_BREACH"
	ChangeTypeAlertLink  ChangeType = "ALERT_LINKED"
	ChangeTypeComment    ChangeType = "COMMENT"
	ChangeTypeBulkUpdate ChangeType = "BULK_UPDATE"
)

// Field names used by the change variants
const (
	FieldStatus      = "status"
	FieldAssignment  = "assignment"
	FieldPriority    = "priority"
	FieldSeverity    = "severity"
	FieldSLABreached = "sla_breached"
	FieldAlert       = "alert"
)

// ChangeValue is the old/new payload of a history entry.
// Exactly one concrete type exists per kind of field.
type ChangeValue interface {
	FieldName() string
	change()
}

// StatusChange is a case status pair. Old is empty when the case was just created.
type StatusChange struct {
	Old CaseStatus `json:"old,omitempty"`
	New CaseStatus `json:"new"`
}

func (StatusChange) FieldName() string { return FieldStatus }
func (StatusChange) change()           {}

// AssignmentChange carries the assignee pair and the team pair
type AssignmentChange struct {
	Old Assignment `json:"old"`
	New Assignment `json:"new"`
}

func (AssignmentChange) FieldName() string { return FieldAssignment }
func (AssignmentChange) change()           {}

// PriorityChange is a priority pair
type PriorityChange struct {
	Old Priority `json:"old"`
	New Priority `json:"new"`
}

func (PriorityChange) FieldName() string { return FieldPriority }
func (PriorityChange) change()           {}

// SeverityChange is a severity pair
type SeverityChange struct {
	Old Severity `json:"old"`
	New Severity `json:"new"`
}

func (SeverityChange) FieldName() string { return FieldSeverity }
func (SeverityChange) change()           {}

// TextChange is a free-text pair on an arbitrary field
type TextChange struct {
	Field string `json:"field"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`
}

func (c TextChange) FieldName() string { return c.Field }
func (TextChange) change()             {}

// ValidChange reports whether the variant is allowed for the change type
func ValidChange(t ChangeType, v ChangeValue) bool {
	switch v.(type) {
	case StatusChange:
		return t == ChangeTypeStatus || t == ChangeTypeBulkUpdate
	case AssignmentChange:
		return t == ChangeTypeAssignment || t == ChangeTypeBulkUpdate
	case PriorityChange:
		return t == ChangeTypePriority || t == ChangeTypeEscalation
	case SeverityChange:
		return t == ChangeTypeSeverity || t == ChangeTypeEscalation
	case TextChange:
		return t == ChangeTypeSLABreach || t == ChangeTypeAlertLink || t == ChangeTypeComment
	}
	return false
}

// CaseHistoryEntry is an immutable audit record of one case mutation
type CaseHistoryEntry struct {
	ID                  int64           `json:"id"`
	CaseID              int64           `json:"case_id"`
	Sequence            int64           `json:"sequence"`
	ChangedBy           *string         `json:"changed_by,omitempty"`
	ChangedAt           time.Time       `json:"changed_at"`
	ChangeType          ChangeType      `json:"change_type"`
	Change              ChangeValue     `json:"change"`
	Reason              string          `json:"reason,omitempty"`
	AdditionalData      json.RawMessage `json:"additional_data,omitempty"`
	AutomationTriggered bool            `json:"automation_triggered"`
	NotificationSent    bool            `json:"notification_sent"`
	IPAddress           *string         `json:"ip_address,omitempty"`
	UserAgent           *string         `json:"user_agent,omitempty"`
	SessionID           *string         `json:"session_id,omitempty"`
}

// NewHistoryEntry builds an entry for a mutation performed by actor
func NewHistoryEntry(caseID int64, t ChangeType, change ChangeValue, actor Actor, reason string) *CaseHistoryEntry {
	entry := &CaseHistoryEntry{
		CaseID:              caseID,
		ChangeType:          t,
		Change:              change,
		Reason:              reason,
		AutomationTriggered: actor.IsSystem(),
	}
	if !actor.IsSystem() {
		entry.ChangedBy = stringPtr(actor.UserID)
		entry.IPAddress = optional(actor.IPAddress)
		entry.UserAgent = optional(actor.UserAgent)
		entry.SessionID = optional(actor.SessionID)
	}
	return entry
}

func stringPtr(s string) *string { return &s }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
