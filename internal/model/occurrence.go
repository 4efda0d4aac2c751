package model

import (
	"encoding/json"
	"strings"
	"time"
)

// AlertStatus is the status reported by the alert source
type AlertStatus string

const (
	AlertStatusFiring   AlertStatus = "FIRING"
	AlertStatusResolved AlertStatus = "RESOLVED"
)

// ParseAlertStatus accepts the lower-case values sent by Alertmanager
func ParseAlertStatus(s string) (AlertStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(AlertStatusFiring):
		return AlertStatusFiring, true
	case string(AlertStatusResolved):
		return AlertStatusResolved, true
	}
	return "", false
}

// Severity represents the severity level of an alert or case
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// ParseSeverity maps a free-form severity label to a Severity.
// Unknown or empty values map to SeverityMedium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit", "fatal", "page":
		return SeverityCritical
	case "high", "error", "major":
		return SeverityHigh
	case "medium", "warning", "warn", "minor":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "none", "informational":
		return SeverityInfo
	}
	return SeverityMedium
}

// Rank orders severities, higher is more severe
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Priority returns the case priority a severity maps to
func (s Severity) Priority() Priority {
	switch s {
	case SeverityCritical:
		return PriorityUrgent
	case SeverityHigh:
		return PriorityHigh
	case SeverityLow, SeverityInfo:
		return PriorityLow
	}
	return PriorityNormal
}

// Priority represents the priority of a case, 1 is the most urgent
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// Valid reports whether p is within 1..4
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// ClaimState is the processing state of an alert occurrence
type ClaimState string

const (
	ClaimStateUnclaimed ClaimState = "UNCLAIMED"
	ClaimStateClaimed   ClaimState = "CLAIMED"
	ClaimStateDone      ClaimState = "DONE"
	ClaimStateDead      ClaimState = "DEAD"
)

// AlertOccurrence is one deduplicated record of an alert's lifecycle
type AlertOccurrence struct {
	ID              int64             `json:"id"`
	Fingerprint     string            `json:"fingerprint"`
	Name            string            `json:"name"`
	ExternalAlertID string            `json:"external_alert_id,omitempty"`
	Status          AlertStatus       `json:"status"`
	Severity        Severity          `json:"severity"`
	Message         string            `json:"message,omitempty"`
	StartsAt        time.Time         `json:"starts_at"`
	EndsAt          *time.Time        `json:"ends_at,omitempty"`
	Labels          map[string]string `json:"labels"`
	Annotations     map[string]string `json:"annotations,omitempty"`
	GeneratorURL    string            `json:"generator_url,omitempty"`
	LinkedCaseID    *int64            `json:"linked_case_id,omitempty"`

	State           ClaimState `json:"state"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	Suppressed      bool       `json:"suppressed"`
	ProcessingError string     `json:"processing_error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	DeliveryCount   int        `json:"delivery_count"`

	ReceivedAt time.Time       `json:"received_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// Processed reports whether the occurrence reached a terminal processing state
func (o *AlertOccurrence) Processed() bool {
	return o.State == ClaimStateDone || o.State == ClaimStateDead
}
