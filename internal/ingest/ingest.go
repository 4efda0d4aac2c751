// Package ingest turns webhook alerts into deduplicated alert occurrences.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
)

// OccurrenceStore is the insert-or-update primitive keyed by fingerprint
type OccurrenceStore interface {
	UpsertOccurrence(ctx context.Context, occ *model.AlertOccurrence) (int64, bool, error)
}

// IngestResult reports what happened to one alert
type IngestResult struct {
	Accepted     bool   `json:"accepted"`
	OccurrenceID int64  `json:"occurrenceId"`
	Fingerprint  string `json:"fingerprint"`
}

// Store is the fingerprint store
type Store struct {
	logger      *zap.Logger
	occurrences OccurrenceStore
	identifying []string
	now         func() time.Time
}

// NewStore creates a fingerprint store. identifying lists the label keys that,
// with the alert name, make up an alert's identity.
func NewStore(logger *zap.Logger, occurrences OccurrenceStore, identifying []string) *Store {
	return &Store{
		logger:      logger.Named("ingest"),
		occurrences: occurrences,
		identifying: identifying,
		now:         time.Now,
	}
}

// WithClock replaces the time source
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Ingest stores the alert, or refreshes status and endsAt of the existing occurrence
// with the same fingerprint. Accepted is true only for the first delivery.
func (s *Store) Ingest(ctx context.Context, alert Alert) (IngestResult, error) {
	fingerprint := alert.Fingerprint
	if fingerprint == "" {
		fingerprint = Fingerprint(alert.Name, alert.Labels, s.identifying)
	}

	occ := &model.AlertOccurrence{
		Fingerprint:     fingerprint,
		Name:            alert.Name,
		ExternalAlertID: alert.Fingerprint,
		Status:          alert.Status,
		Severity:        alert.Severity(),
		Message:         alert.Message(),
		StartsAt:        alert.StartsAt,
		EndsAt:          alert.EndsAt,
		Labels:          alert.Labels,
		Annotations:     alert.Annotations,
		GeneratorURL:    alert.GeneratorURL,
		ReceivedAt:      s.now().UTC(),
		RawPayload:      alert.Raw,
	}

	id, accepted, err := s.occurrences.UpsertOccurrence(ctx, occ)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to store occurrence: %w", err)
	}

	if accepted {
		metrics.AlertsIngestedTotal.WithLabelValues("accepted").Inc()
		s.logger.Info("Occurrence accepted",
			zap.Int64("occurrence_id", id),
			zap.String("alert", alert.Name),
			zap.String("fingerprint", fingerprint),
			zap.String("status", string(alert.Status)))
	} else {
		metrics.AlertsIngestedTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("Occurrence refreshed",
			zap.Int64("occurrence_id", id),
			zap.String("fingerprint", fingerprint),
			zap.String("status", string(alert.Status)))
	}

	return IngestResult{Accepted: accepted, OccurrenceID: id, Fingerprint: fingerprint}, nil
}

// IngestAll ingests every alert of a group, stopping at the first store failure
func (s *Store) IngestAll(ctx context.Context, alerts []Alert) ([]IngestResult, error) {
	results := make([]IngestResult, 0, len(alerts))
	for _, alert := range alerts {
		res, err := s.Ingest(ctx, alert)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
