package model

import (
	"strings"
	"time"
)

// Channel is a notification transport
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelChat    Channel = "CHAT"
	ChannelSMS     Channel = "SMS"
	ChannelWebhook Channel = "WEBHOOK"
)

// Channels lists every supported channel
var Channels = []Channel{ChannelEmail, ChannelChat, ChannelSMS, ChannelWebhook}

// ParseChannel parses a channel name case-insensitively
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// NotificationStatus is the delivery state of a notification
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "PENDING"
	// NotificationStatusSending marks a row claimed by a scheduler sweep
	NotificationStatusSending   NotificationStatus = "SENDING"
	NotificationStatusSent      NotificationStatus = "SENT"
	NotificationStatusDelivered NotificationStatus = "DELIVERED"
	NotificationStatusRead      NotificationStatus = "READ"
	NotificationStatusFailed    NotificationStatus = "FAILED"
)

// NotificationType identifies what a notification is about.
// It doubles as the template id.
type NotificationType string

const (
	NotificationTypeCaseCreated   NotificationType = "CASE_CREATED"
	NotificationTypeStatusChanged NotificationType = "CASE_STATUS_CHANGED"
	NotificationTypeCaseAssigned  NotificationType = "CASE_ASSIGNED"
	NotificationTypeCaseEscalated NotificationType = "CASE_ESCALATED"
	NotificationTypeSLABreached   NotificationType = "SLA_BREACHED"
)

// DefaultMaxRetries applies when no max retries is configured
const DefaultMaxRetries = 3

// Notification is one unit of outbound communication to one recipient on one channel
type Notification struct {
	ID                int64              `json:"id"`
	CaseID            *int64             `json:"case_id,omitempty"`
	Recipient         string             `json:"recipient"`
	Address           string             `json:"address"`
	NotificationType  NotificationType   `json:"notification_type"`
	Channel           Channel            `json:"channel"`
	Priority          Priority           `json:"priority"`
	Subject           string             `json:"subject"`
	Message           string             `json:"message"`
	TemplateID        string             `json:"template_id,omitempty"`
	TemplateVariables map[string]string  `json:"template_variables,omitempty"`
	Status            NotificationStatus `json:"status"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`

	ExternalID        string `json:"external_id,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	TrackingID        string `json:"tracking_id"`
	CorrelationID     string `json:"correlation_id"`
	BatchID           string `json:"batch_id,omitempty"`
	CostCents         *int64 `json:"cost_cents,omitempty"`
	CostCurrency      string `json:"cost_currency,omitempty"`

	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Terminal reports whether the scheduler will never touch the notification again
func (n *Notification) Terminal() bool {
	switch n.Status {
	case NotificationStatusDelivered, NotificationStatusRead:
		return true
	case NotificationStatusFailed:
		return n.RetryCount >= n.MaxRetries
	}
	return false
}

// AckType is a provider-reported delivery receipt
type AckType string

const (
	AckDelivered AckType = "DELIVERED"
	AckRead      AckType = "READ"
)

// ParseAckType parses "delivered" or "read"
func ParseAckType(s string) (AckType, bool) {
	switch AckType(strings.ToUpper(strings.TrimSpace(s))) {
	case AckDelivered:
		return AckDelivered, true
	case AckRead:
		return AckRead, true
	}
	return "", false
}
