package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/model"
)

const (
	EventsStream          = "CASEWATCH_EVENTS"
	EventsSubjectPrefix   = "casewatch.events."
	DeadLetterStream      = "CASEWATCH_DEADLETTER"
	DeadLetterSubjectRoot = "casewatch.deadletter."
	DispatcherConsumer    = "casewatch-dispatcher"
	dispatcherQueue       = "dispatchers"
)

// JetStreamBus publishes case events and dead letters to NATS JetStream
type JetStreamBus struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	// NakDelay is how long a failed event waits before redelivery
	NakDelay time.Duration
	// MaxDeliver is the delivery on which a still failing event is dead-lettered
	MaxDeliver int
	sub        *nats.Subscription
}

// NewJetStreamBus creates the bus, creating its streams if they do not exist
func NewJetStreamBus(logger *zap.Logger, js nats.JetStreamContext) (*JetStreamBus, error) {
	b := &JetStreamBus{
		js:         js,
		logger:     logger.Named("events"),
		NakDelay:   5 * time.Second,
		MaxDeliver: 20,
	}

	if err := b.ensureStream(&nats.StreamConfig{
		Name:       EventsStream,
		Subjects:   []string{EventsSubjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Duplicates: time.Hour,
		MaxAge:     7 * 24 * time.Hour,
	}); err != nil {
		return nil, err
	}
	if err := b.ensureStream(&nats.StreamConfig{
		Name:     DeadLetterStream,
		Subjects: []string{DeadLetterSubjectRoot + ">"},
		Storage:  nats.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	}); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JetStreamBus) ensureStream(cfg *nats.StreamConfig) error {
	stream, err := b.js.StreamInfo(cfg.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream != nil {
		return nil
	}
	if _, err := b.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	b.logger.Info("Stream created", zap.String("stream", cfg.Name))
	return nil
}

// Publish sends the event with its id as message id, so a republished event
// within the duplicate window is dropped by the server.
func (b *JetStreamBus) Publish(ctx context.Context, e *model.CaseEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ack, err := b.js.Publish(EventsSubjectPrefix+string(e.Type), data, nats.MsgId(e.ID), nats.Context(ctx))
	if err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("event_id", e.ID),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event published",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// Subscribe feeds events to handler through a durable queue consumer shared by
// every instance. A handler error naks the message for later redelivery until
// MaxDeliver deliveries have failed; the event is then dead-lettered and
// terminated. Undecodable messages are dead-lettered at once.
func (b *JetStreamBus) Subscribe(ctx context.Context, handler Handler) error {
	sub, err := b.js.QueueSubscribe(EventsSubjectPrefix+">", dispatcherQueue, func(msg *nats.Msg) {
		delivered := 1
		if meta, err := msg.Metadata(); err == nil {
			delivered = int(meta.NumDelivered)
		}

		var e model.CaseEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Error("Failed to unmarshal event", zap.Error(err))
			b.terminate(ctx, msg, msg.Header.Get(nats.MsgIdHdr), err, delivered)
			return
		}

		if err := handler(ctx, &e); err != nil {
			if delivered >= b.MaxDeliver {
				b.terminate(ctx, msg, e.ID, err, delivered)
				return
			}
			b.logger.Warn("Event handler failed, redelivering",
				zap.String("event_id", e.ID),
				zap.Int("delivered", delivered),
				zap.Error(err))
			msg.NakWithDelay(b.NakDelay)
			return
		}
		msg.Ack()
	},
		nats.Durable(DispatcherConsumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.AckWait(30*time.Second),
		// the handler enforces MaxDeliver so an undelivered dead letter is retried
		nats.MaxDeliver(-1),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	b.sub = sub

	go func() {
		<-ctx.Done()
		sub.Drain()
	}()

	b.logger.Info("Subscribed to case events", zap.String("consumer", DispatcherConsumer))
	return nil
}

// terminate dead-letters a message and stops its redelivery. If the dead letter
// cannot be written the message is nakked and handled again later.
func (b *JetStreamBus) terminate(ctx context.Context, msg *nats.Msg, id string, cause error, delivered int) {
	dl := model.DeadLetter{
		Kind:      model.DeadLetterEvent,
		ID:        id,
		Error:     cause.Error(),
		Attempts:  delivered,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.DeadLetter(ctx, dl); err != nil {
		msg.NakWithDelay(b.NakDelay)
		return
	}
	msg.Term()
}

// DeadLetter publishes an exhausted item to the dead-letter stream
func (b *JetStreamBus) DeadLetter(ctx context.Context, dl model.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	msgID := dl.Kind + ":" + dl.ID + ":" + strconv.Itoa(dl.Attempts)
	if _, err := b.js.Publish(DeadLetterSubjectRoot+dl.Kind, data, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		b.logger.Error("Failed to publish to dead letter queue",
			zap.String("kind", dl.Kind),
			zap.String("id", dl.ID),
			zap.Error(err))
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	b.logger.Info("Moved to dead letter queue",
		zap.String("kind", dl.Kind),
		zap.String("id", dl.ID),
		zap.Int("attempts", dl.Attempts))
	return nil
}
