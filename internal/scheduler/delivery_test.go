package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/channel"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
	"github.com/t77yq/casewatch/internal/testutil"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	calls map[int64]int
	err   error
	delay time.Duration
	// during runs inside Send before the outcome is returned
	during func()
}

func newFakeSender(err error) *fakeSender {
	return &fakeSender{calls: make(map[int64]int), err: err}
}

func (f *fakeSender) Send(_ context.Context, n *model.Notification) (channel.SendResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[n.ID]++
	if f.err != nil {
		return channel.SendResult{}, f.err
	}
	return channel.SendResult{ExternalID: "ext-" + n.TrackingID}, nil
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, c := range f.calls {
		total += c
	}
	return total
}

type recordingSink struct {
	mu      sync.Mutex
	letters []model.DeadLetter
}

func (s *recordingSink) DeadLetter(_ context.Context, dl model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func queue(t *testing.T, store *storage.Store, ch model.Channel, maxRetries int) *model.Notification {
	t.Helper()
	n := &model.Notification{
		Recipient:        "u1",
		Address:          "u1@example.com",
		NotificationType: model.NotificationTypeCaseCreated,
		Channel:          ch,
		Priority:         model.PriorityUrgent,
		Subject:          "Case opened",
		Message:          "HighLatency",
		MaxRetries:       maxRetries,
		TrackingID:       uuid.NewString(),
		CorrelationID:    uuid.NewString(),
		CreatedAt:        baseTime,
	}
	inserted, err := store.InsertNotification(context.Background(), n)
	require.NoError(t, err)
	require.True(t, inserted)
	return n
}

func testBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
}

func newScheduler(store *storage.Store, sender Sender, sink *recordingSink) *DeliveryScheduler {
	return NewDeliveryScheduler(zap.NewNop(), store, sender, sink, Options{
		BatchSize:   50,
		Concurrency: 4,
		Backoff:     testBackoff(),
	}).WithClock(func() time.Time { return baseTime })
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 30 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{1000, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.NextRetry(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSweep_SuccessMarksSent(t *testing.T) {
	store := testutil.NewStore(t)
	n := queue(t, store, model.ChannelEmail, 3)
	sender := newFakeSender(nil)
	s := newScheduler(store, sender, &recordingSink{})

	attempted, err := s.Sweep(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	got, err := store.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(baseTime))
	assert.Equal(t, "ext-"+n.TrackingID, got.ExternalID)
	assert.Empty(t, got.ClaimedBy)

	attempted, err = s.Sweep(context.Background(), baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, attempted, "sent notifications are never selected again")
}

func TestSweep_RetriesThenFailsTerminally(t *testing.T) {
	store := testutil.NewStore(t)
	n := queue(t, store, model.ChannelEmail, 3)
	sender := newFakeSender(channel.HTTPStatusError(500, "internal error"))
	sink := &recordingSink{}
	ctx := context.Background()
	clock := testutil.NewClock(baseTime)
	s := newScheduler(store, sender, sink).WithClock(clock.Now)

	_, err := s.Sweep(ctx, clock.Now())
	require.NoError(t, err)

	got, err := store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(baseTime.Add(2*time.Second)))
	assert.Equal(t, "HTTP_500", got.ErrorCode)

	attempted, err := s.Sweep(ctx, clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, attempted, "not due before next_retry_at")

	for i := 0; i < 2; i++ {
		clock.Advance(time.Hour)
		attempted, err := s.Sweep(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, attempted)
	}

	got, err = store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, "HTTP_500", got.ErrorCode)
	assert.Equal(t, "internal error", got.ErrorMessage)

	clock.Advance(24 * time.Hour)
	attempted, err = s.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, attempted)
	assert.Equal(t, 3, sender.total())

	require.Len(t, sink.letters, 1)
	assert.Equal(t, model.DeadLetterNotification, sink.letters[0].Kind)
	assert.Equal(t, 3, sink.letters[0].Attempts)
}

func TestSweep_ConcurrentSweepsSendOnce(t *testing.T) {
	store := testutil.NewStore(t)
	for i := 0; i < 20; i++ {
		queue(t, store, model.ChannelChat, 3)
	}
	sender := newFakeSender(nil)
	sender.delay = 5 * time.Millisecond

	a := newScheduler(store, sender, &recordingSink{})
	b := newScheduler(store, sender, &recordingSink{})
	require.NotEqual(t, a.WorkerID(), b.WorkerID())

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, s := range []*DeliveryScheduler{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Sweep(context.Background(), baseTime)
			assert.NoError(t, err)
			counts[i] = n
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counts[0]+counts[1])
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.calls, 20)
	for id, c := range sender.calls {
		assert.Equal(t, 1, c, "notification %d", id)
	}
}

// gatedSender holds its first Send until release is closed
type gatedSender struct {
	*fakeSender
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedSender() *gatedSender {
	return &gatedSender{
		fakeSender: newFakeSender(nil),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedSender) Send(ctx context.Context, n *model.Notification) (channel.SendResult, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.fakeSender.Send(ctx, n)
}

func (g *gatedSender) count(id int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

func TestSweep_TakenOverClaimsAreNotResent(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	first := queue(t, store, model.ChannelEmail, 3)
	second := queue(t, store, model.ChannelEmail, 3)

	slow := newGatedSender()
	a := NewDeliveryScheduler(zap.NewNop(), store, slow, &recordingSink{}, Options{
		BatchSize:    2,
		Concurrency:  1,
		ClaimTimeout: 2 * time.Minute,
		Backoff:      testBackoff(),
	}).WithClock(func() time.Time { return baseTime })

	done := make(chan int, 1)
	go func() {
		attempted, err := a.Sweep(ctx, baseTime)
		assert.NoError(t, err)
		done <- attempted
	}()
	<-slow.started

	// a's claims have gone stale while its first send hangs
	takeoverAt := baseTime.Add(3 * time.Minute)
	fast := newFakeSender(nil)
	b := newScheduler(store, fast, &recordingSink{}).WithClock(func() time.Time { return takeoverAt })
	attempted, err := b.Sweep(ctx, takeoverAt)
	require.NoError(t, err)
	assert.Equal(t, 2, attempted)

	close(slow.release)
	assert.Equal(t, 1, <-done, "only the send already in flight went out")

	assert.Equal(t, 1, slow.count(first.ID))
	assert.Zero(t, slow.count(second.ID))
	fast.mu.Lock()
	assert.Equal(t, map[int64]int{first.ID: 1, second.ID: 1}, fast.calls)
	fast.mu.Unlock()

	for _, n := range []*model.Notification{first, second} {
		got, err := store.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, model.NotificationStatusSent, got.Status)
		require.NotNil(t, got.SentAt)
		assert.True(t, got.SentAt.Equal(takeoverAt), "outcome recorded by the worker holding the claim")
	}
}

func TestSweep_OutcomeStampedAfterSend(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	failing := queue(t, store, model.ChannelEmail, 3)

	clock := testutil.NewClock(baseTime)
	sender := newFakeSender(channel.HTTPStatusError(503, "unavailable"))
	sender.during = func() { clock.Advance(30 * time.Second) }
	s := newScheduler(store, sender, &recordingSink{}).WithClock(clock.Now)

	_, err := s.Sweep(ctx, baseTime)
	require.NoError(t, err)

	got, err := store.GetNotification(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(baseTime.Add(30*time.Second+2*time.Second)),
		"backoff counts from the end of the attempt, got %s", got.NextRetryAt)
	assert.True(t, got.UpdatedAt.Equal(baseTime.Add(30*time.Second)))

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	sweepAt := clock.Now().Add(time.Minute)
	clock.Advance(time.Minute)
	_, err = s.Sweep(ctx, sweepAt)
	require.NoError(t, err)

	got, err = store.GetNotification(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(sweepAt.Add(30*time.Second)), "sent_at is when the send finished")
}

type blockingAdapter struct{}

func (blockingAdapter) Channel() model.Channel { return model.ChannelWebhook }

func (blockingAdapter) Send(ctx context.Context, _ *model.Notification) (channel.SendResult, error) {
	<-ctx.Done()
	return channel.SendResult{}, ctx.Err()
}

func TestSweep_TimeoutCountsAsFailure(t *testing.T) {
	store := testutil.NewStore(t)
	n := queue(t, store, model.ChannelWebhook, 3)

	registry := channel.NewRegistry(zap.NewNop(), 20*time.Millisecond)
	registry.Register(blockingAdapter{}, 0)
	s := newScheduler(store, registry, &recordingSink{})

	attempted, err := s.Sweep(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	got, err := store.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, channel.CodeTimeout, got.ErrorCode)
}

func TestSweep_NoAdapterIsAFailure(t *testing.T) {
	store := testutil.NewStore(t)
	n := queue(t, store, model.ChannelSMS, 1)
	s := newScheduler(store, channel.NewRegistry(zap.NewNop(), time.Second), &recordingSink{})

	_, err := s.Sweep(context.Background(), baseTime)
	require.NoError(t, err)

	got, err := store.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, got.Status)
	assert.Equal(t, channel.CodeNoAdapter, got.ErrorCode)
}

func TestAcknowledge_StateMachine(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	n := queue(t, store, model.ChannelEmail, 3)
	sentAt := baseTime.Add(time.Minute)
	s := newScheduler(store, newFakeSender(nil), &recordingSink{}).
		WithClock(func() time.Time { return sentAt })

	_, err := s.Acknowledge(ctx, n.TrackingID, model.AckRead, baseTime)
	assert.ErrorIs(t, err, ErrOutOfOrderAck, "never sent")

	got, err := store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, got.Status)

	_, err = s.Sweep(ctx, sentAt)
	require.NoError(t, err)

	// a receipt stamped before the send is clamped to sent_at
	acked, err := s.Acknowledge(ctx, n.TrackingID, model.AckDelivered, baseTime)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusDelivered, acked.Status)
	require.NotNil(t, acked.DeliveredAt)
	assert.True(t, acked.DeliveredAt.Equal(sentAt))

	_, err = s.Acknowledge(ctx, n.TrackingID, model.AckDelivered, sentAt.Add(time.Minute))
	assert.ErrorIs(t, err, ErrOutOfOrderAck)

	acked, err = s.Acknowledge(ctx, n.TrackingID, model.AckRead, sentAt.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusRead, acked.Status)
	require.NotNil(t, acked.ReadAt)
	assert.True(t, acked.ReadAt.Equal(sentAt.Add(2*time.Minute)))

	_, err = s.Acknowledge(ctx, n.TrackingID, model.AckRead, sentAt.Add(3*time.Minute))
	assert.ErrorIs(t, err, ErrOutOfOrderAck)

	_, err = s.Acknowledge(ctx, "no-such-tracking-id", model.AckDelivered, baseTime)
	assert.ErrorIs(t, err, ErrUnknownNotification)
}

func TestAcknowledgeExternal_ReadFromSent(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	n := queue(t, store, model.ChannelSMS, 3)
	s := newScheduler(store, newFakeSender(nil), &recordingSink{})

	_, err := s.Sweep(ctx, baseTime)
	require.NoError(t, err)

	acked, err := s.AcknowledgeExternal(ctx, model.ChannelSMS, "ext-"+n.TrackingID, model.AckRead, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusRead, acked.Status)
	assert.Nil(t, acked.DeliveredAt)

	_, err = s.AcknowledgeExternal(ctx, model.ChannelEmail, "ext-"+n.TrackingID, model.AckRead, baseTime)
	assert.ErrorIs(t, err, ErrUnknownNotification, "external ids are scoped by channel")
}

func TestRequeue(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	n := queue(t, store, model.ChannelEmail, 1)
	sender := newFakeSender(errors.New("smtp: 421 try again later"))
	s := newScheduler(store, sender, &recordingSink{})

	_, err := s.Sweep(ctx, baseTime)
	require.NoError(t, err)
	got, err := store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, model.NotificationStatusFailed, got.Status)
	assert.Equal(t, channel.CodeProviderError, got.ErrorCode)

	count, err := s.Requeue(ctx, []int64{n.ID}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	attempted, err := s.Sweep(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	got, err = store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	assert.Equal(t, 3, got.MaxRetries)
}
