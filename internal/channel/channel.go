// Package channel delivers notifications over email, chat, SMS and outbound webhooks.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
)

// Error codes recorded on failed notifications
const (
	CodeTimeout       = "TIMEOUT"
	CodeProviderError = "PROVIDER_ERROR"
	CodeNoAdapter     = "NO_ADAPTER"
	CodeRateLimited   = "RATE_LIMITED"
)

// SendResult is what a provider returned for an accepted notification
type SendResult struct {
	ExternalID string
}

// Adapter sends notifications on one channel
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, n *model.Notification) (SendResult, error)
}

// SendError is a classified delivery failure
type SendError struct {
	Code    string
	Message string
}

func (e *SendError) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPStatusError builds the error for a non-2xx provider response
func HTTPStatusError(status int, body string) *SendError {
	if len(body) > 256 {
		body = body[:256]
	}
	return &SendError{Code: fmt.Sprintf("HTTP_%d", status), Message: body}
}

// Classify returns the error code and message to store for err
func Classify(err error) (string, string) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code, se.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, err.Error()
	}
	return CodeProviderError, err.Error()
}

// Registry routes notifications to the adapter of their channel, applying a
// per-channel rate limit and a send timeout.
type Registry struct {
	logger   *zap.Logger
	timeout  time.Duration
	adapters map[model.Channel]Adapter
	limiters map[model.Channel]*rate.Limiter
}

// NewRegistry creates an empty registry. Sends taking longer than timeout fail with TIMEOUT.
func NewRegistry(logger *zap.Logger, timeout time.Duration) *Registry {
	return &Registry{
		logger:   logger.Named("channels"),
		timeout:  timeout,
		adapters: make(map[model.Channel]Adapter),
		limiters: make(map[model.Channel]*rate.Limiter),
	}
}

// Register adds an adapter. perSecond <= 0 disables rate limiting for its channel.
func (r *Registry) Register(a Adapter, perSecond float64) {
	r.adapters[a.Channel()] = a
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiters[a.Channel()] = rate.NewLimiter(rate.Limit(perSecond), burst)
	} else {
		delete(r.limiters, a.Channel())
	}
	r.logger.Info("Channel adapter registered",
		zap.String("channel", string(a.Channel())),
		zap.Float64("rate_limit", perSecond))
}

// Channels lists the channels with a registered adapter
func (r *Registry) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send delivers n through its channel adapter. Failures are returned as *SendError.
func (r *Registry) Send(ctx context.Context, n *model.Notification) (SendResult, error) {
	adapter, ok := r.adapters[n.Channel]
	if !ok {
		return SendResult{}, &SendError{Code: CodeNoAdapter, Message: fmt.Sprintf("no adapter for channel %s", n.Channel)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if lim, ok := r.limiters[n.Channel]; ok {
		if err := lim.Wait(sendCtx); err != nil {
			return SendResult{}, &SendError{Code: CodeRateLimited, Message: err.Error()}
		}
	}

	start := time.Now()
	res, err := adapter.Send(sendCtx, n)
	metrics.DeliveryDuration.WithLabelValues(string(n.Channel)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return SendResult{}, &SendError{Code: CodeTimeout, Message: err.Error()}
		}
		code, msg := Classify(err)
		return SendResult{}, &SendError{Code: code, Message: msg}
	}
	if res.ExternalID == "" {
		res.ExternalID = n.TrackingID
	}
	return res, nil
}
