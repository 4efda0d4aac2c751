package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/model"
)

const (
	SignatureHeader  = "X-Casewatch-Signature"
	TrackingIDHeader = "X-Casewatch-Tracking-Id"
)

type webhookPayload struct {
	TrackingID string                 `json:"trackingId"`
	CaseID     *int64                 `json:"caseId,omitempty"`
	Type       model.NotificationType `json:"type"`
	Priority   model.Priority         `json:"priority"`
	Subject    string                 `json:"subject"`
	Message    string                 `json:"message"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// WebhookAdapter posts notifications as JSON to the recipient's own URL
type WebhookAdapter struct {
	logger *zap.Logger
	secret []byte
	client *http.Client
}

// NewWebhookAdapter creates a webhook adapter. Bodies are signed when a secret is set.
func NewWebhookAdapter(logger *zap.Logger, cfg config.WebhookConfig) *WebhookAdapter {
	return &WebhookAdapter{
		logger: logger.Named("webhook"),
		secret: []byte(cfg.Secret),
		client: newHTTPClient(),
	}
}

func (a *WebhookAdapter) Channel() model.Channel { return model.ChannelWebhook }

func (a *WebhookAdapter) Send(ctx context.Context, n *model.Notification) (SendResult, error) {
	data, err := json.Marshal(webhookPayload{
		TrackingID: n.TrackingID,
		CaseID:     n.CaseID,
		Type:       n.NotificationType,
		Priority:   n.Priority,
		Subject:    n.Subject,
		Message:    n.Message,
		CreatedAt:  n.CreatedAt,
	})
	if err != nil {
		return SendResult{}, err
	}

	headers := map[string]string{TrackingIDHeader: n.TrackingID}
	if len(a.secret) > 0 {
		headers[SignatureHeader] = Sign(a.secret, data)
	}

	body, err := post(ctx, a.client, n.Address, "application/json", data, headers, nil)
	if err != nil {
		a.logger.Warn("Webhook delivery failed",
			zap.String("tracking_id", n.TrackingID),
			zap.Error(err))
		return SendResult{}, err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.ID != "" {
		return SendResult{ExternalID: resp.ID}, nil
	}
	return SendResult{ExternalID: n.TrackingID}, nil
}

// Sign returns the signature header value for body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
