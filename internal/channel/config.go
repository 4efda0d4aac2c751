package channel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/model"
)

// NewRegistryFromConfig registers an adapter for every enabled channel
func NewRegistryFromConfig(ctx context.Context, logger *zap.Logger, cfg config.ChannelsConfig, timeout time.Duration) (*Registry, error) {
	r := NewRegistry(logger, timeout)

	limits := make(map[model.Channel]float64, len(cfg.RateLimits))
	for name, perSecond := range cfg.RateLimits {
		ch, ok := model.ParseChannel(name)
		if !ok {
			return nil, fmt.Errorf("channels.rate_limits: unknown channel %q", name)
		}
		limits[ch] = perSecond
	}

	if cfg.Email.Enabled {
		var provider EmailProvider
		switch cfg.Email.Provider {
		case "smtp", "":
			provider = NewSMTPProvider(cfg.Email.SMTP)
		case "ses":
			ses, err := NewSESProvider(ctx, cfg.Email.SES.Region)
			if err != nil {
				return nil, err
			}
			provider = ses
		default:
			return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
		}
		r.Register(NewEmailAdapter(logger, cfg.Email.From, provider), limits[model.ChannelEmail])
	}
	if cfg.Chat.Enabled {
		r.Register(NewChatAdapter(logger, cfg.Chat), limits[model.ChannelChat])
	}
	if cfg.SMS.Enabled {
		r.Register(NewSMSAdapter(logger, cfg.SMS), limits[model.ChannelSMS])
	}
	if cfg.Webhook.Enabled {
		r.Register(NewWebhookAdapter(logger, cfg.Webhook), limits[model.ChannelWebhook])
	}
	return r, nil
}
