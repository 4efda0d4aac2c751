package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(zap.NewNop(), Options{Path: filepath.Join(t.TempDir(), "casewatch.db")})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testOccurrence(fingerprint string, status model.AlertStatus, receivedAt time.Time) *model.AlertOccurrence {
	return &model.AlertOccurrence{
		Fingerprint: fingerprint,
		Name:        "HighLatency",
		Status:      status,
		Severity:    model.SeverityCritical,
		StartsAt:    baseTime,
		Labels:      map[string]string{"alertname": "HighLatency", "service": "api"},
		ReceivedAt:  receivedAt,
		RawPayload:  []byte(`{"status":"firing"}`),
	}
}

func testCase(key string, createdAt time.Time) *model.Case {
	return &model.Case{
		Title:          "HighLatency on api",
		Status:         model.CaseStatusNew,
		Priority:       model.PriorityUrgent,
		Severity:       model.SeverityCritical,
		CorrelationKey: key,
		AlertName:      "HighLatency",
		SLADeadline:    createdAt.Add(4 * time.Hour),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestStore_UpsertOccurrence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, accepted, err := store.UpsertOccurrence(ctx, testOccurrence("f1", model.AlertStatusFiring, baseTime))
	require.NoError(t, err)
	assert.True(t, accepted)

	resolved := testOccurrence("f1", model.AlertStatusResolved, baseTime.Add(time.Minute))
	endsAt := baseTime.Add(30 * time.Second)
	resolved.EndsAt = &endsAt
	id2, accepted, err := store.UpsertOccurrence(ctx, resolved)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, id, id2)

	occ, err := store.GetOccurrence(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, occ.Status)
	require.NotNil(t, occ.EndsAt)
	assert.True(t, occ.EndsAt.Equal(endsAt))
	assert.Equal(t, 2, occ.DeliveryCount)
	assert.True(t, occ.ReceivedAt.Equal(baseTime), "first receipt time is kept")
	assert.Equal(t, "api", occ.Labels["service"])
}

func TestStore_UpsertOccurrenceConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const deliveries = 10
	var wg sync.WaitGroup
	accepted := make(chan bool, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := store.UpsertOccurrence(ctx, testOccurrence("race", model.AlertStatusFiring, baseTime.Add(time.Duration(i)*time.Millisecond)))
			assert.NoError(t, err)
			accepted <- ok
		}(i)
	}
	wg.Wait()
	close(accepted)

	inserted := 0
	for ok := range accepted {
		if ok {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	n, err := store.CountOccurrences(ctx, model.ClaimStateUnclaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	occ, err := store.GetOccurrenceByFingerprint(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, deliveries, occ.DeliveryCount)
}

func TestStore_ClaimOccurrences(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, _, err := store.UpsertOccurrence(ctx, testOccurrence(fmt.Sprintf("f%d", i), model.AlertStatusFiring, baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	now := baseTime.Add(time.Hour)
	first, err := store.ClaimOccurrences(ctx, "worker-a", 3, now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "f0", first[0].Fingerprint)
	for _, occ := range first {
		assert.Equal(t, model.ClaimStateClaimed, occ.State)
		assert.Equal(t, "worker-a", occ.ClaimedBy)
	}

	second, err := store.ClaimOccurrences(ctx, "worker-b", 10, now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, second, 2)

	t.Run("stale claims are taken over", func(t *testing.T) {
		later := now.Add(10 * time.Minute)
		taken, err := store.ClaimOccurrences(ctx, "worker-c", 10, later, later.Add(-5*time.Minute))
		require.NoError(t, err)
		assert.Len(t, taken, 5)

		err = store.CompleteOccurrence(ctx, first[0].ID, "worker-a", model.AlertStatusFiring, nil, "suppressed: test", later)
		assert.ErrorIs(t, err, ErrClaimLost)
	})
}

func TestStore_ConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 20; i++ {
		_, _, err := store.UpsertOccurrence(ctx, testOccurrence(fmt.Sprintf("f%d", i), model.AlertStatusFiring, baseTime))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[int64]string{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			claimed, err := store.ClaimOccurrences(ctx, worker, 7, baseTime, baseTime.Add(-time.Minute))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, occ := range claimed {
				_, dup := seen[occ.ID]
				assert.False(t, dup, "occurrence %d claimed twice", occ.ID)
				seen[occ.ID] = worker
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestStore_FailOccurrence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, _, err := store.UpsertOccurrence(ctx, testOccurrence("f1", model.AlertStatusFiring, baseTime))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.ClaimOccurrences(ctx, "w", 1, baseTime, baseTime.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		dead, retries, err := store.FailOccurrence(ctx, id, "w", "store unavailable", 2, baseTime)
		require.NoError(t, err)
		assert.Equal(t, attempt, retries)
		assert.Equal(t, attempt > 2, dead)
	}

	occ, err := store.GetOccurrence(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStateDead, occ.State)
	assert.True(t, occ.Processed())
	assert.Equal(t, "store unavailable", occ.ProcessingError)
	assert.Nil(t, occ.LinkedCaseID)

	n, err := store.RequeueDeadOccurrences(ctx, nil, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_CompleteRequeuesChangedStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, _, err := store.UpsertOccurrence(ctx, testOccurrence("f1", model.AlertStatusFiring, baseTime))
	require.NoError(t, err)
	_, err = store.ClaimOccurrences(ctx, "w", 1, baseTime, baseTime.Add(-time.Minute))
	require.NoError(t, err)

	// the alert resolves while the occurrence is being processed
	_, _, err = store.UpsertOccurrence(ctx, testOccurrence("f1", model.AlertStatusResolved, baseTime.Add(time.Second)))
	require.NoError(t, err)

	c := testCase("key", baseTime)
	require.NoError(t, store.CreateCase(ctx, c))
	require.NoError(t, store.CompleteOccurrence(ctx, id, "w", model.AlertStatusFiring, &c.ID, "", baseTime))

	occ, err := store.GetOccurrence(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimStateUnclaimed, occ.State)
	require.NotNil(t, occ.LinkedCaseID)
	assert.Equal(t, c.ID, *occ.LinkedCaseID)
}

func TestStore_Cases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c := testCase("key", baseTime)
	c.Assignment = model.Assignment{UserIDs: []string{"u2", "u1", "u1"}}
	require.NoError(t, store.CreateCase(ctx, c))
	require.NotZero(t, c.ID)

	got, err := store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got.Assignment.UserIDs)
	assert.Empty(t, got.Assignment.TeamIDs)
	assert.True(t, got.SLADeadline.Equal(baseTime.Add(4*time.Hour)))

	t.Run("find open case within window", func(t *testing.T) {
		found, err := store.FindOpenCase(ctx, "key", baseTime.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, c.ID, found.ID)

		_, err = store.FindOpenCase(ctx, "key", baseTime.Add(time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("version conflict", func(t *testing.T) {
		stale := *got
		got.Status = model.CaseStatusInProgress
		require.NoError(t, store.UpdateCase(ctx, got))
		assert.Equal(t, 2, got.Version)

		stale.Status = model.CaseStatusOnHold
		assert.ErrorIs(t, store.UpdateCase(ctx, &stale), ErrVersionConflict)
	})

	t.Run("closed cases are not reused", func(t *testing.T) {
		got.Status = model.CaseStatusClosed
		require.NoError(t, store.UpdateCase(ctx, got))
		_, err := store.FindOpenCase(ctx, "key", baseTime.Add(-time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_MarkSLABreachedOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c := testCase("key", baseTime)
	require.NoError(t, store.CreateCase(ctx, c))

	flipped, err := store.MarkSLABreached(ctx, c.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, flipped, "not due yet")

	ids, err := store.ListBreachCandidates(ctx, baseTime.Add(5*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, ids)

	flipped, err = store.MarkSLABreached(ctx, c.ID, baseTime.Add(5*time.Hour))
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = store.MarkSLABreached(ctx, c.ID, baseTime.Add(6*time.Hour))
	require.NoError(t, err)
	assert.False(t, flipped)

	got, err := store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.SLABreached)
	require.NotNil(t, got.SLABreachedAt)
	assert.True(t, got.SLABreachedAt.Equal(baseTime.Add(5*time.Hour)))
}

func TestStore_HistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c := testCase("key", baseTime)
	require.NoError(t, store.CreateCase(ctx, c))

	entries := []*model.CaseHistoryEntry{
		{CaseID: c.ID, Sequence: 1, ChangedAt: baseTime, ChangeType: model.ChangeTypeStatus,
			Change: model.StatusChange{New: model.CaseStatusNew}, AutomationTriggered: true},
		{CaseID: c.ID, Sequence: 2, ChangedAt: baseTime, ChangeType: model.ChangeTypeAssignment,
			Change: model.AssignmentChange{New: model.Assignment{UserIDs: []string{"u1"}, TeamIDs: []string{"t1"}}}},
		{CaseID: c.ID, Sequence: 3, ChangedAt: baseTime.Add(time.Second), ChangeType: model.ChangeTypeEscalation,
			Change: model.PriorityChange{Old: model.PriorityNormal, New: model.PriorityUrgent}},
	}
	for _, e := range entries {
		require.NoError(t, store.InsertHistory(ctx, e))
	}

	got, err := store.ListHistory(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.StatusChange{New: model.CaseStatusNew}, got[0].Change)
	assert.Equal(t, []string{"t1"}, got[1].Change.(model.AssignmentChange).New.TeamIDs)
	assert.Equal(t, model.PriorityChange{Old: model.PriorityNormal, New: model.PriorityUrgent}, got[2].Change)
	assert.Nil(t, got[0].ChangedBy)

	mark, err := store.LastHistoryMark(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), mark.Sequence)

	_, err = store.db.ExecContext(ctx, `UPDATE case_history SET reason = 'edited' WHERE case_id = ?`, c.ID)
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM case_history WHERE case_id = ?`, c.ID)
	assert.Error(t, err)

	err = store.InsertHistory(ctx, &model.CaseHistoryEntry{CaseID: c.ID, Sequence: 3, ChangedAt: baseTime,
		ChangeType: model.ChangeTypeComment, Change: model.TextChange{Field: "note", New: "dup"}})
	assert.Error(t, err, "sequence is unique per case")
}

func TestStore_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var caseID int64
	err := store.InTx(ctx, func(tx *Tx) error {
		c := testCase("key", baseTime)
		if err := tx.CreateCase(ctx, c); err != nil {
			return err
		}
		caseID = c.ID
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = store.GetCase(ctx, caseID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testNotification(correlationID, recipient string, maxRetries int) *model.Notification {
	return &model.Notification{
		Recipient:        recipient,
		Address:          recipient + "@example.com",
		NotificationType: model.NotificationTypeCaseAssigned,
		Channel:          model.ChannelEmail,
		Priority:         model.PriorityUrgent,
		Subject:          "subject",
		Message:          "message",
		MaxRetries:       maxRetries,
		TrackingID:       correlationID + "-" + recipient,
		CorrelationID:    correlationID,
		CreatedAt:        baseTime,
	}
}

func TestStore_NotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	n := testNotification("corr", "u1", 3)
	inserted, err := store.InsertNotification(ctx, n)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := testNotification("corr", "u1", 3)
	dup.TrackingID = "other"
	inserted, err = store.InsertNotification(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "same correlation, recipient and channel")

	claimed, err := store.ClaimDueNotifications(ctx, "w1", 10, baseTime, baseTime.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.NotificationStatusSending, claimed[0].Status)

	again, err := store.ClaimDueNotifications(ctx, "w2", 10, baseTime, baseTime.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	status, retries, err := store.MarkNotificationFailed(ctx, n.ID, "w1", "HTTP_503", "unavailable", baseTime.Add(time.Minute), baseTime)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, status)
	assert.Equal(t, 1, retries)

	notDue, err := store.ClaimDueNotifications(ctx, "w1", 10, baseTime.Add(30*time.Second), baseTime)
	require.NoError(t, err)
	assert.Empty(t, notDue)

	claimed, err = store.ClaimDueNotifications(ctx, "w1", 10, baseTime.Add(time.Minute), baseTime)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkNotificationSent(ctx, n.ID, "w1", "ext-1", baseTime.Add(time.Minute)))

	t.Run("out of order read before delivered is tolerated", func(t *testing.T) {
		got, err := store.AcknowledgeNotification(ctx, AckKey{Channel: model.ChannelEmail, ExternalID: "ext-1"}, model.AckRead, baseTime)
		require.NoError(t, err)
		assert.Equal(t, model.NotificationStatusRead, got.Status)
		require.NotNil(t, got.ReadAt)
		assert.True(t, got.ReadAt.Equal(baseTime.Add(time.Minute)), "read_at never precedes sent_at")
		assert.Nil(t, got.DeliveredAt)
	})

	t.Run("delivered after read is rejected", func(t *testing.T) {
		got, err := store.AcknowledgeNotification(ctx, AckKey{TrackingID: n.TrackingID}, model.AckDelivered, baseTime.Add(time.Hour))
		assert.ErrorIs(t, err, ErrStateConflict)
		assert.Equal(t, model.NotificationStatusRead, got.Status)
	})

	t.Run("unknown tracking id", func(t *testing.T) {
		_, err := store.AcknowledgeNotification(ctx, AckKey{TrackingID: "missing"}, model.AckRead, baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RenewNotificationClaim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	n := testNotification("corr", "u1", 3)
	_, err := store.InsertNotification(ctx, n)
	require.NoError(t, err)

	claimed, err := store.ClaimDueNotifications(ctx, "w1", 10, baseTime, baseTime.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// a renewed claim is no longer stale for the next sweep
	require.NoError(t, store.RenewNotificationClaim(ctx, n.ID, "w1", baseTime.Add(2*time.Minute)))
	stolen, err := store.ClaimDueNotifications(ctx, "w2", 10, baseTime.Add(2*time.Minute), baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stolen)

	stolen, err = store.ClaimDueNotifications(ctx, "w2", 10, baseTime.Add(5*time.Minute), baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, stolen, 1)

	err = store.RenewNotificationClaim(ctx, n.ID, "w1", baseTime.Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrClaimLost)
	require.NoError(t, store.RenewNotificationClaim(ctx, n.ID, "w2", baseTime.Add(5*time.Minute)))

	require.NoError(t, store.MarkNotificationSent(ctx, n.ID, "w2", "ext-1", baseTime.Add(5*time.Minute)))
	err = store.RenewNotificationClaim(ctx, n.ID, "w2", baseTime.Add(6*time.Minute))
	assert.ErrorIs(t, err, ErrClaimLost, "finished notifications have no claim")
}

func TestStore_EventOutbox(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c := testCase("key", baseTime)
	require.NoError(t, store.CreateCase(ctx, c))

	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, store.InsertEvent(ctx, &model.CaseEvent{ID: id, Type: model.EventCaseCreated, CaseID: c.ID, OccurredAt: baseTime}))
	}

	events, err := store.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)

	require.NoError(t, store.MarkEventPublished(ctx, "e1", baseTime))
	n, err := store.CountUnpublishedEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
