package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/history"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
	"github.com/t77yq/casewatch/internal/testutil"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store      *storage.Store
	clock      *testutil.Clock
	recorder   *history.Recorder
	correlator *Correlator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	clock := testutil.NewClock(baseTime)
	recorder := newRecorder(store, clock)
	return &fixture{
		store:      store,
		clock:      clock,
		recorder:   recorder,
		correlator: New(zap.NewNop(), recorder, nil, opts).WithClock(clock.Now),
	}
}

func newRecorder(store *storage.Store, clock *testutil.Clock) *history.Recorder {
	return history.NewRecorder(zap.NewNop(), store).WithClock(clock.Now)
}

func (f *fixture) ingest(t *testing.T, fingerprint string, status model.AlertStatus, severity model.Severity, labels map[string]string) *model.AlertOccurrence {
	t.Helper()
	occ := &model.AlertOccurrence{
		Fingerprint: fingerprint,
		Name:        "HighLatency",
		Status:      status,
		Severity:    severity,
		StartsAt:    baseTime,
		Labels:      labels,
		ReceivedAt:  f.clock.Now(),
	}
	id, _, err := f.store.UpsertOccurrence(context.Background(), occ)
	require.NoError(t, err)
	got, err := f.store.GetOccurrence(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (f *fixture) correlate(t *testing.T, occ *model.AlertOccurrence) Outcome {
	t.Helper()
	var out Outcome
	require.NoError(t, f.store.InTx(context.Background(), func(tx *storage.Tx) error {
		var err error
		out, err = f.correlator.Correlate(context.Background(), tx, occ)
		return err
	}))
	return out
}

func TestSLAPolicy(t *testing.T) {
	policy := DefaultSLAPolicy()

	tests := []struct {
		priority model.Priority
		want     time.Time
	}{
		{model.PriorityUrgent, time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)},
		{model.PriorityHigh, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		{model.PriorityNormal, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{model.PriorityLow, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Deadline(baseTime, tt.priority), "priority %d", tt.priority)
	}

	custom, err := NewSLAPolicy(map[string]int{"1": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, custom.Hours(model.PriorityUrgent))
	assert.Equal(t, 8, custom.Hours(model.PriorityHigh))

	_, err = NewSLAPolicy(map[string]int{"9": 1})
	assert.Error(t, err)
	_, err = NewSLAPolicy(map[string]int{"1": 0})
	assert.Error(t, err)
}

func TestCorrelate_CreatesCase(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	occ := f.ingest(t, "f1", model.AlertStatusFiring, model.SeverityCritical, map[string]string{"service": "api"})
	out := f.correlate(t, occ)
	require.NotNil(t, out.CaseID)
	assert.True(t, out.Created)

	kase, err := f.store.GetCase(ctx, *out.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusNew, kase.Status)
	assert.Equal(t, model.PriorityUrgent, kase.Priority)
	assert.Equal(t, baseTime, kase.CreatedAt)
	assert.Equal(t, time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC), kase.SLADeadline)
	assert.True(t, kase.Assignment.Empty())
	assert.NotNil(t, kase.Assignment.UserIDs)

	entries, err := f.recorder.List(ctx, kase.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ChangeTypeStatus, entries[0].ChangeType)
	assert.Equal(t, model.StatusChange{New: model.CaseStatusNew}, entries[0].Change)
	assert.True(t, entries[0].AutomationTriggered)
	assert.Nil(t, entries[0].ChangedBy)

	pending, err := f.store.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.EventCaseCreated, pending[0].Type)
	assert.Equal(t, kase.ID, pending[0].CaseID)
}

func TestCorrelate_ReusesOpenCase(t *testing.T) {
	f := newFixture(t, Options{GroupBy: []string{"service"}})
	ctx := context.Background()

	first := f.correlate(t, f.ingest(t, "f1", model.AlertStatusFiring, model.SeverityMedium,
		map[string]string{"service": "api", "pod": "api-1"}))
	f.clock.Advance(time.Minute)
	second := f.correlate(t, f.ingest(t, "f2", model.AlertStatusFiring, model.SeverityLow,
		map[string]string{"service": "api", "pod": "api-2"}))

	require.NotNil(t, second.CaseID)
	assert.False(t, second.Created)
	assert.Equal(t, *first.CaseID, *second.CaseID)

	kase, err := f.store.GetCase(ctx, *first.CaseID)
	require.NoError(t, err)
	assert.Equal(t, 2, kase.AlertCount)
	assert.Equal(t, model.SeverityMedium, kase.Severity)

	entries, err := f.recorder.List(ctx, kase.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ChangeTypeAlertLink, entries[1].ChangeType)
}

func TestCorrelate_Escalates(t *testing.T) {
	f := newFixture(t, Options{GroupBy: []string{"service"}})
	ctx := context.Background()

	first := f.correlate(t, f.ingest(t, "f1", model.AlertStatusFiring, model.SeverityMedium,
		map[string]string{"service": "api", "pod": "api-1"}))
	f.clock.Advance(30 * time.Minute)
	f.correlate(t, f.ingest(t, "f2", model.AlertStatusFiring, model.SeverityCritical,
		map[string]string{"service": "api", "pod": "api-2"}))

	kase, err := f.store.GetCase(ctx, *first.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, kase.Severity)
	assert.Equal(t, model.PriorityUrgent, kase.Priority)
	assert.Equal(t, baseTime.Add(4*time.Hour), kase.SLADeadline, "deadline tightened from creation time")

	entries, err := f.recorder.List(ctx, kase.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ChangeTypeEscalation, entries[1].ChangeType)
	assert.Equal(t, model.SeverityChange{Old: model.SeverityMedium, New: model.SeverityCritical}, entries[1].Change)

	pending, err := f.store.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, model.EventCaseEscalated, pending[1].Type)
}

func TestCorrelate_ResumesOnHoldCase(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	labels := map[string]string{"service": "api"}

	first := f.correlate(t, f.ingest(t, "f1", model.AlertStatusFiring, model.SeverityHigh, labels))
	kase, err := f.store.GetCase(ctx, *first.CaseID)
	require.NoError(t, err)
	kase.Status = model.CaseStatusOnHold
	require.NoError(t, f.store.UpdateCase(ctx, kase))

	f.clock.Advance(time.Minute)
	occ := f.ingest(t, "f2", model.AlertStatusFiring, model.SeverityHigh, labels)
	f.correlate(t, occ)

	kase, err = f.store.GetCase(ctx, *first.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusInProgress, kase.Status)

	entries, err := f.recorder.List(ctx, kase.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, model.ChangeTypeStatus, last.ChangeType)
	assert.Equal(t, model.StatusChange{Old: model.CaseStatusOnHold, New: model.CaseStatusInProgress}, last.Change)
}

func TestCorrelate_WindowAndClosedCases(t *testing.T) {
	f := newFixture(t, Options{Window: time.Hour})
	ctx := context.Background()
	labels := map[string]string{"service": "api"}

	first := f.correlate(t, f.ingest(t, "f1", model.AlertStatusFiring, model.SeverityHigh, labels))

	// outside the window
	f.clock.Advance(2 * time.Hour)
	second := f.correlate(t, f.ingest(t, "f2", model.AlertStatusFiring, model.SeverityHigh, labels))
	assert.True(t, second.Created)
	assert.NotEqual(t, *first.CaseID, *second.CaseID)

	// closed cases are never reused
	kase, err := f.store.GetCase(ctx, *second.CaseID)
	require.NoError(t, err)
	kase.Status = model.CaseStatusClosed
	require.NoError(t, f.store.UpdateCase(ctx, kase))

	f.clock.Advance(time.Minute)
	third := f.correlate(t, f.ingest(t, "f3", model.AlertStatusFiring, model.SeverityHigh, labels))
	assert.True(t, third.Created)
	assert.NotEqual(t, *second.CaseID, *third.CaseID)
}

func TestCorrelate_ResolvedWithoutCaseIsSuppressed(t *testing.T) {
	f := newFixture(t, Options{})

	out := f.correlate(t, f.ingest(t, "f1", model.AlertStatusResolved, model.SeverityHigh, nil))
	assert.Nil(t, out.CaseID)
	assert.True(t, out.Suppressed)
	assert.NotEmpty(t, out.Note)
}

func TestCorrelate_LinkedTransition(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	labels := map[string]string{"service": "api"}

	occ := f.ingest(t, "f1", model.AlertStatusFiring, model.SeverityHigh, labels)
	first := f.correlate(t, occ)

	occ.LinkedCaseID = first.CaseID
	occ.Status = model.AlertStatusResolved
	f.clock.Advance(time.Minute)
	out := f.correlate(t, occ)
	require.NotNil(t, out.CaseID)
	assert.Equal(t, *first.CaseID, *out.CaseID)
	assert.False(t, out.Created)

	entries, err := f.recorder.List(ctx, *first.CaseID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.TextChange{Field: model.FieldAlert, New: "HighLatency RESOLVED"}, entries[1].Change)
}

type countingChecker struct{ calls int }

func (c *countingChecker) CheckBreach(_ context.Context, _ *storage.Tx, _ *model.Case, _ time.Time) (bool, error) {
	c.calls++
	return false, nil
}

func TestCorrelate_ChecksBreachOnMutation(t *testing.T) {
	store := testutil.NewStore(t)
	clock := testutil.NewClock(baseTime)
	checker := &countingChecker{}
	c := New(zap.NewNop(), newRecorder(store, clock), checker, Options{}).WithClock(clock.Now)
	f := &fixture{store: store, clock: clock, correlator: c}
	labels := map[string]string{"service": "api"}

	f.correlate(t, f.ingest(t, "f1", model.AlertStatusFiring, model.SeverityHigh, labels))
	assert.Equal(t, 0, checker.calls, "a new case cannot be breached")

	f.correlate(t, f.ingest(t, "f2", model.AlertStatusFiring, model.SeverityHigh, labels))
	assert.Equal(t, 1, checker.calls)
}
