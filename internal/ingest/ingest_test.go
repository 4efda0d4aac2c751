package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/testutil"
)

const firingGroup = `{
	"version": "4",
	"status": "firing",
	"receiver": "casewatch",
	"alerts": [
		{
			"status": "firing",
			"labels": {"alertname": "HighLatency", "service": "api", "severity": "critical", "pod": "api-1"},
			"annotations": {"summary": "p99 above 2s"},
			"startsAt": "2024-01-01T00:00:00Z",
			"endsAt": "0001-01-01T00:00:00Z",
			"generatorURL": "http://prometheus/graph"
		}
	]
}`

const resolvedGroup = `{
	"status": "resolved",
	"alerts": [
		{
			"status": "resolved",
			"labels": {"alertname": "HighLatency", "service": "api", "severity": "critical", "pod": "api-1"},
			"startsAt": "2024-01-01T00:00:00Z",
			"endsAt": "2024-01-01T00:30:00Z"
		}
	]
}`

func TestParseWebhook(t *testing.T) {
	alerts, err := ParseWebhook([]byte(firingGroup))
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "HighLatency", a.Name)
	assert.Equal(t, model.AlertStatusFiring, a.Status)
	assert.Equal(t, model.SeverityCritical, a.Severity())
	assert.Equal(t, "p99 above 2s", a.Message())
	assert.Nil(t, a.EndsAt, "zero endsAt means still firing")
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), a.StartsAt)
	assert.NotEmpty(t, a.Raw)
}

func TestParseWebhook_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"alerts": [`},
		{"no alerts", `{"status":"firing","alerts":[]}`},
		{"missing alertname", `{"alerts":[{"status":"firing","labels":{"service":"api"},"startsAt":"2024-01-01T00:00:00Z"}]}`},
		{"unknown status", `{"alerts":[{"status":"exploded","labels":{"alertname":"A"},"startsAt":"2024-01-01T00:00:00Z"}]}`},
		{"missing startsAt", `{"alerts":[{"status":"firing","labels":{"alertname":"A"}}]}`},
		{"bad startsAt", `{"alerts":[{"status":"firing","labels":{"alertname":"A"},"startsAt":"yesterday"}]}`},
		{"ends before start", `{"alerts":[{"status":"resolved","labels":{"alertname":"A"},"startsAt":"2024-01-01T01:00:00Z","endsAt":"2024-01-01T00:00:00Z"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWebhook([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestFingerprint(t *testing.T) {
	labels := map[string]string{"alertname": "A", "service": "api", "pod": "api-1"}

	all := Fingerprint("A", labels, nil)
	assert.Len(t, all, 64)
	assert.Equal(t, all, Fingerprint("A", map[string]string{"pod": "api-1", "service": "api", "alertname": "A"}, nil))
	assert.NotEqual(t, all, Fingerprint("B", labels, nil))

	byService := Fingerprint("A", labels, []string{"service"})
	assert.Equal(t, byService, Fingerprint("A", map[string]string{"service": "api", "pod": "api-2"}, []string{"service"}))
	assert.NotEqual(t, all, byService)
}

func TestStore_IngestDeduplicates(t *testing.T) {
	db := testutil.NewStore(t)
	clock := testutil.NewClock(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC))
	store := NewStore(zap.NewNop(), db, []string{"service", "pod"}).WithClock(clock.Now)
	ctx := context.Background()

	firing, err := ParseWebhook([]byte(firingGroup))
	require.NoError(t, err)
	resolved, err := ParseWebhook([]byte(resolvedGroup))
	require.NoError(t, err)

	first, err := store.Ingest(ctx, firing[0])
	require.NoError(t, err)
	assert.True(t, first.Accepted)

	clock.Advance(50 * time.Millisecond)
	second, err := store.Ingest(ctx, firing[0])
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, first.OccurrenceID, second.OccurrenceID)

	results, err := store.IngestAll(ctx, resolved)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Accepted)
	assert.Equal(t, first.Fingerprint, results[0].Fingerprint)

	occ, err := db.GetOccurrence(ctx, first.OccurrenceID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, occ.Status)
	require.NotNil(t, occ.EndsAt)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC), *occ.EndsAt)
	assert.Equal(t, 3, occ.DeliveryCount)
	assert.Equal(t, "p99 above 2s", occ.Message)
}

func TestStore_IngestConcurrentDeliveries(t *testing.T) {
	db := testutil.NewStore(t)
	store := NewStore(zap.NewNop(), db, nil)
	ctx := context.Background()

	alerts, err := ParseWebhook([]byte(firingGroup))
	require.NoError(t, err)

	const deliveries = 8
	var wg sync.WaitGroup
	results := make([]IngestResult, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Ingest(ctx, alerts[0])
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Accepted {
			accepted++
		}
		assert.Equal(t, results[0].OccurrenceID, results[i].OccurrenceID)
	}
	assert.Equal(t, 1, accepted)

	n, err := db.CountOccurrences(ctx, model.ClaimStateUnclaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
