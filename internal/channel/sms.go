package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/model"
)

// SMSAdapter sends text messages through the Twilio Messages API
type SMSAdapter struct {
	logger *zap.Logger
	cfg    config.SMSConfig
	client *http.Client
}

// NewSMSAdapter creates an SMS adapter
func NewSMSAdapter(logger *zap.Logger, cfg config.SMSConfig) *SMSAdapter {
	return &SMSAdapter{
		logger: logger.Named("sms"),
		cfg:    cfg,
		client: newHTTPClient(),
	}
}

func (a *SMSAdapter) Channel() model.Channel { return model.ChannelSMS }

func (a *SMSAdapter) Send(ctx context.Context, n *model.Notification) (SendResult, error) {
	form := url.Values{}
	form.Set("To", n.Address)
	form.Set("From", a.cfg.From)
	form.Set("Body", smsBody(n))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(a.cfg.AccountSID))

	body, err := post(ctx, a.client, endpoint, "application/x-www-form-urlencoded",
		[]byte(form.Encode()), nil, &basicAuth{a.cfg.AccountSID, a.cfg.AuthToken})
	if err != nil {
		a.logger.Warn("SMS delivery failed",
			zap.String("tracking_id", n.TrackingID),
			zap.Error(err))
		return SendResult{}, err
	}

	var resp struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.SID == "" {
		return SendResult{}, &SendError{Code: CodeProviderError, Message: "response has no message sid"}
	}
	return SendResult{ExternalID: resp.SID}, nil
}

// smsBody keeps messages within a single concatenated SMS
func smsBody(n *model.Notification) string {
	text := n.Subject
	if n.Message != "" {
		text += "\n" + n.Message
	}
	if r := []rune(text); len(r) > 320 {
		text = string(r[:317]) + "..."
	}
	return text
}
