package channel

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/model"
)

type chatMessage struct {
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

// ChatAdapter posts to a Slack-compatible incoming webhook. The recipient
// address is the channel or handle to post to.
type ChatAdapter struct {
	logger *zap.Logger
	cfg    config.ChatConfig
	client *http.Client
}

// NewChatAdapter creates a chat adapter
func NewChatAdapter(logger *zap.Logger, cfg config.ChatConfig) *ChatAdapter {
	return &ChatAdapter{
		logger: logger.Named("chat"),
		cfg:    cfg,
		client: newHTTPClient(),
	}
}

func (a *ChatAdapter) Channel() model.Channel { return model.ChannelChat }

func (a *ChatAdapter) Send(ctx context.Context, n *model.Notification) (SendResult, error) {
	msg := chatMessage{
		Channel:  n.Address,
		Username: a.cfg.Username,
		Text:     "*" + n.Subject + "*\n" + n.Message,
	}
	if _, err := postJSON(ctx, a.client, a.cfg.WebhookURL, msg, nil); err != nil {
		a.logger.Warn("Chat delivery failed",
			zap.String("tracking_id", n.TrackingID),
			zap.Error(err))
		return SendResult{}, err
	}

	// incoming webhooks reply with a bare "ok" and no message id
	return SendResult{ExternalID: n.TrackingID}, nil
}
