// Package scheduler runs the notification delivery state machine and the
// periodic jobs that drive the rest of the pipeline.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/casewatch/internal/channel"
	"github.com/t77yq/casewatch/internal/events"
	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
)

// Sender delivers one notification on its channel
type Sender interface {
	Send(ctx context.Context, n *model.Notification) (channel.SendResult, error)
}

// Store is the notification persistence used by the scheduler
type Store interface {
	ClaimDueNotifications(ctx context.Context, worker string, limit int, now, staleBefore time.Time) ([]*model.Notification, error)
	RenewNotificationClaim(ctx context.Context, id int64, worker string, now time.Time) error
	MarkNotificationSent(ctx context.Context, id int64, worker, externalID string, now time.Time) error
	MarkNotificationFailed(ctx context.Context, id int64, worker, code, message string, nextRetryAt, now time.Time) (model.NotificationStatus, int, error)
	AcknowledgeNotification(ctx context.Context, key storage.AckKey, ack model.AckType, at time.Time) (*model.Notification, error)
	RequeueFailedNotifications(ctx context.Context, ids []int64, extraRetries int, now time.Time) (int64, error)
}

// Options tunes a sweep
type Options struct {
	BatchSize    int
	Concurrency  int
	ClaimTimeout time.Duration
	Backoff      RetryStrategy
}

// DeliveryScheduler sends due notifications and applies the retry policy
type DeliveryScheduler struct {
	logger      *zap.Logger
	store       Store
	sender      Sender
	deadLetters events.DeadLetterSink
	opts        Options
	workerID    string
	now         func() time.Time
}

// NewDeliveryScheduler creates a scheduler with a unique worker id
func NewDeliveryScheduler(logger *zap.Logger, store Store, sender Sender, deadLetters events.DeadLetterSink, opts Options) *DeliveryScheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 2 * time.Minute
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	return &DeliveryScheduler{
		logger:      logger.Named("delivery"),
		store:       store,
		sender:      sender,
		deadLetters: deadLetters,
		opts:        opts,
		workerID:    "delivery-" + uuid.NewString(),
		now:         time.Now,
	}
}

// WithClock replaces the time source used to stamp attempts, acknowledgements and requeues
func (s *DeliveryScheduler) WithClock(now func() time.Time) *DeliveryScheduler {
	s.now = now
	return s
}

// WorkerID returns the id used to claim notifications
func (s *DeliveryScheduler) WorkerID() string {
	return s.workerID
}

// Sweep claims notifications due at now and attempts each once. It returns the
// number of attempts made. Claiming is a single statement and every claim is
// renewed right before its send, so a notification taken over by another sweep
// is skipped rather than sent twice.
func (s *DeliveryScheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	claimed, err := s.store.ClaimDueNotifications(ctx, s.workerID, s.opts.BatchSize, now, now.Add(-s.opts.ClaimTimeout))
	if err != nil {
		s.logger.Error("Failed to claim notifications", zap.Error(err))
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var attempted atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, n := range claimed {
		g.Go(func() error {
			if s.deliver(ctx, n) {
				attempted.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	s.logger.Debug("Delivery sweep finished",
		zap.Int("claimed", len(claimed)),
		zap.Int64("attempted", attempted.Load()))
	return int(attempted.Load()), nil
}

// deliver reports whether a send was attempted
func (s *DeliveryScheduler) deliver(ctx context.Context, n *model.Notification) bool {
	// queued goroutines may start after the claim timeout has passed
	if err := s.store.RenewNotificationClaim(ctx, n.ID, s.workerID, s.now()); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			metrics.DeliveryAttemptsTotal.WithLabelValues(string(n.Channel), "skipped").Inc()
		}
		s.finaliseFailed(n, err)
		return false
	}

	res, err := s.sender.Send(ctx, n)
	now := s.now()
	if err == nil {
		if err := s.store.MarkNotificationSent(ctx, n.ID, s.workerID, res.ExternalID, now); err != nil {
			s.finaliseFailed(n, err)
			return true
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues(string(n.Channel), "sent").Inc()
		s.logger.Info("Notification sent",
			zap.Int64("notification_id", n.ID),
			zap.String("channel", string(n.Channel)),
			zap.String("external_id", res.ExternalID))
		return true
	}

	code, message := channel.Classify(err)
	nextRetryAt := now.Add(s.opts.Backoff.NextRetry(n.RetryCount + 1))
	status, retries, err := s.store.MarkNotificationFailed(ctx, n.ID, s.workerID, code, message, nextRetryAt, now)
	if err != nil {
		s.finaliseFailed(n, err)
		return true
	}

	if status != model.NotificationStatusFailed {
		metrics.DeliveryAttemptsTotal.WithLabelValues(string(n.Channel), "retry").Inc()
		s.logger.Warn("Notification delivery failed, will retry",
			zap.Int64("notification_id", n.ID),
			zap.String("channel", string(n.Channel)),
			zap.String("error_code", code),
			zap.Int("retry_count", retries),
			zap.Time("next_retry_at", nextRetryAt))
		return true
	}

	metrics.DeliveryAttemptsTotal.WithLabelValues(string(n.Channel), "failed").Inc()
	s.logger.Error("Notification delivery failed permanently",
		zap.Int64("notification_id", n.ID),
		zap.String("channel", string(n.Channel)),
		zap.String("error_code", code),
		zap.Int("retry_count", retries))

	dl := model.DeadLetter{
		Kind:      model.DeadLetterNotification,
		ID:        strconv.FormatInt(n.ID, 10),
		Error:     code + ": " + message,
		Attempts:  retries,
		CreatedAt: now,
	}
	if err := s.deadLetters.DeadLetter(ctx, dl); err != nil {
		s.logger.Error("Failed to dead-letter notification",
			zap.Int64("notification_id", n.ID),
			zap.Error(err))
	}
	return true
}

func (s *DeliveryScheduler) finaliseFailed(n *model.Notification, err error) {
	if errors.Is(err, storage.ErrClaimLost) {
		// another sweep took over a claim we held too long
		s.logger.Warn("Lost claim on notification", zap.Int64("notification_id", n.ID))
		return
	}
	s.logger.Error("Failed to record delivery outcome",
		zap.Int64("notification_id", n.ID),
		zap.Error(err))
}

// Acknowledge applies a provider receipt to the notification with trackingID
func (s *DeliveryScheduler) Acknowledge(ctx context.Context, trackingID string, ack model.AckType, at time.Time) (*model.Notification, error) {
	return s.acknowledge(ctx, storage.AckKey{TrackingID: trackingID}, ack, at)
}

// AcknowledgeExternal applies a receipt addressed by the provider's own message id
func (s *DeliveryScheduler) AcknowledgeExternal(ctx context.Context, ch model.Channel, externalID string, ack model.AckType, at time.Time) (*model.Notification, error) {
	return s.acknowledge(ctx, storage.AckKey{Channel: ch, ExternalID: externalID}, ack, at)
}

func (s *DeliveryScheduler) acknowledge(ctx context.Context, key storage.AckKey, ack model.AckType, at time.Time) (*model.Notification, error) {
	if key.TrackingID == "" && key.ExternalID == "" {
		return nil, ErrUnknownNotification
	}
	if at.IsZero() {
		at = s.now()
	}

	n, err := s.store.AcknowledgeNotification(ctx, key, ack, at)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		metrics.AcksTotal.WithLabelValues(string(ack), "unknown").Inc()
		return nil, ErrUnknownNotification
	case errors.Is(err, storage.ErrStateConflict):
		metrics.AcksTotal.WithLabelValues(string(ack), "rejected").Inc()
		s.logger.Warn("Out-of-order acknowledgement rejected",
			zap.Int64("notification_id", n.ID),
			zap.String("ack", string(ack)),
			zap.String("status", string(n.Status)))
		return n, ErrOutOfOrderAck
	case err != nil:
		return nil, err
	}

	metrics.AcksTotal.WithLabelValues(string(ack), "accepted").Inc()
	s.logger.Info("Acknowledgement applied",
		zap.Int64("notification_id", n.ID),
		zap.String("status", string(n.Status)))
	return n, nil
}

// Requeue gives FAILED notifications extraRetries more attempts. No ids means all of them.
func (s *DeliveryScheduler) Requeue(ctx context.Context, ids []int64, extraRetries int) (int64, error) {
	if extraRetries <= 0 {
		extraRetries = 1
	}
	n, err := s.store.RequeueFailedNotifications(ctx, ids, extraRetries, s.now())
	if err != nil {
		return 0, err
	}
	s.logger.Info("Failed notifications requeued", zap.Int64("count", n))
	return n, nil
}
