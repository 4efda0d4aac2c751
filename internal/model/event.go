package model

import "time"

// EventType identifies a domain event on a case
type EventType string

const (
	EventCaseCreated   EventType = "CASE_CREATED"
	EventStatusChanged EventType = "CASE_STATUS_CHANGED"
	EventCaseAssigned  EventType = "CASE_ASSIGNED"
	EventCaseEscalated EventType = "CASE_ESCALATED"
	EventSLABreached   EventType = "SLA_BREACHED"
)

// NotificationType returns the notification type raised by the event
func (t EventType) NotificationType() NotificationType {
	return NotificationType(t)
}

// CaseEvent is a domain event written to the outbox in the same
// transaction as the mutation that caused it.
type CaseEvent struct {
	ID           string     `json:"id"`
	Type         EventType  `json:"type"`
	CaseID       int64      `json:"case_id"`
	OccurredAt   time.Time  `json:"occurred_at"`
	AddedUserIDs []string   `json:"added_user_ids,omitempty"`
	AddedTeamIDs []string   `json:"added_team_ids,omitempty"`
	OldStatus    CaseStatus `json:"old_status,omitempty"`
	NewStatus    CaseStatus `json:"new_status,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

// DeadLetter describes an item that exhausted its retries
type DeadLetter struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// Dead letter kinds
const (
	DeadLetterOccurrence   = "occurrence"
	DeadLetterNotification = "notification"
	DeadLetterEvent        = "event"
)
