// Package correlator decides which case an alert occurrence belongs to.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/events"
	"github.com/t77yq/casewatch/internal/history"
	"github.com/t77yq/casewatch/internal/ingest"
	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
)

// BreachChecker flags a case whose SLA deadline passed, recording the breach in tx
type BreachChecker interface {
	CheckBreach(ctx context.Context, tx *storage.Tx, c *model.Case, now time.Time) (bool, error)
}

// Options configures correlation
type Options struct {
	// Window is how long after its creation an open case still absorbs matching alerts
	Window time.Duration
	// GroupBy lists the labels that, with the alert name, form the correlation key.
	// Empty means every label.
	GroupBy []string
	SLA     SLAPolicy
}

// Outcome is the result of correlating one occurrence. CaseID is nil when the
// occurrence was suppressed, in which case Note says why.
type Outcome struct {
	CaseID     *int64
	Created    bool
	Suppressed bool
	Note       string
}

// Correlator assigns occurrences to cases
type Correlator struct {
	logger   *zap.Logger
	recorder *history.Recorder
	breaches BreachChecker
	opts     Options
	now      func() time.Time
}

// New creates a correlator. breaches may be nil.
func New(logger *zap.Logger, recorder *history.Recorder, breaches BreachChecker, opts Options) *Correlator {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.SLA.hours == nil {
		opts.SLA = DefaultSLAPolicy()
	}
	return &Correlator{
		logger:   logger.Named("correlator"),
		recorder: recorder,
		breaches: breaches,
		opts:     opts,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (c *Correlator) WithClock(now func() time.Time) *Correlator {
	c.now = now
	return c
}

// SLA returns the SLA policy in use
func (c *Correlator) SLA() SLAPolicy {
	return c.opts.SLA
}

// Key returns the correlation key of an occurrence
func (c *Correlator) Key(occ *model.AlertOccurrence) string {
	return ingest.Fingerprint(occ.Name, occ.Labels, c.opts.GroupBy)
}

// Correlate finds or creates the case of occ inside tx. Every case mutation is
// recorded in history and raises its outbox event in the same transaction.
func (c *Correlator) Correlate(ctx context.Context, tx *storage.Tx, occ *model.AlertOccurrence) (Outcome, error) {
	now := c.now().UTC()

	if occ.LinkedCaseID != nil {
		linked, err := tx.GetCase(ctx, *occ.LinkedCaseID)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to load linked case: %w", err)
		}
		// a closed case is never reopened; a new firing starts a fresh case
		if !linked.Status.IsClosed() {
			return c.linkTransition(ctx, tx, linked, occ, now)
		}
		if occ.Status == model.AlertStatusResolved {
			return Outcome{CaseID: &linked.ID}, nil
		}
	}

	key := c.Key(occ)
	open, err := tx.FindOpenCase(ctx, key, now.Add(-c.opts.Window))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("failed to find open case: %w", err)
	}

	if open != nil {
		return c.reuse(ctx, tx, open, occ, now)
	}

	if occ.Status == model.AlertStatusResolved {
		return Outcome{
			Suppressed: true,
			Note:       "suppressed: resolved alert without an open case",
		}, nil
	}
	return c.create(ctx, tx, key, occ, now)
}

func (c *Correlator) create(ctx context.Context, tx *storage.Tx, key string, occ *model.AlertOccurrence, now time.Time) (Outcome, error) {
	priority := occ.Severity.Priority()
	title := occ.Name
	if occ.Message != "" {
		title = occ.Name + ": " + occ.Message
	}

	kase := &model.Case{
		Title:          title,
		Description:    occ.Message,
		Status:         model.CaseStatusNew,
		Priority:       priority,
		Severity:       occ.Severity,
		Assignment:     model.Assignment{}.Normalize(),
		CorrelationKey: key,
		AlertName:      occ.Name,
		Labels:         c.groupLabels(occ.Labels),
		SLADeadline:    c.opts.SLA.Deadline(now, priority),
		AlertCount:     1,
		LastAlertAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.CreateCase(ctx, kase); err != nil {
		return Outcome{}, err
	}

	entry := model.NewHistoryEntry(kase.ID, model.ChangeTypeStatus,
		model.StatusChange{New: model.CaseStatusNew}, model.SystemActor,
		"case opened for alert "+occ.Name)
	entry.ChangedAt = now
	entry.AdditionalData = occurrenceData(occ, nil)
	if err := c.recorder.Record(ctx, tx, entry); err != nil {
		return Outcome{}, err
	}

	event := events.NewEvent(model.EventCaseCreated, kase.ID, now)
	event.NewStatus = model.CaseStatusNew
	if err := events.Enqueue(ctx, tx, event); err != nil {
		return Outcome{}, err
	}

	metrics.CasesCreatedTotal.WithLabelValues(strconv.Itoa(int(priority))).Inc()
	c.logger.Info("Case created",
		zap.Int64("case_id", kase.ID),
		zap.Int64("occurrence_id", occ.ID),
		zap.Int("priority", int(priority)),
		zap.Time("sla_deadline", kase.SLADeadline))

	return Outcome{CaseID: &kase.ID, Created: true}, nil
}

func (c *Correlator) reuse(ctx context.Context, tx *storage.Tx, kase *model.Case, occ *model.AlertOccurrence, now time.Time) (Outcome, error) {
	kase.AlertCount++
	kase.LastAlertAt = &now
	kase.UpdatedAt = now

	var entry *model.CaseHistoryEntry
	var event *model.CaseEvent

	switch {
	case occ.Status == model.AlertStatusFiring && occ.Severity.Rank() > kase.Severity.Rank():
		oldSeverity, oldPriority := kase.Severity, kase.Priority
		kase.Severity = occ.Severity
		if p := occ.Severity.Priority(); p < kase.Priority {
			kase.Priority = p
			if deadline := c.opts.SLA.Deadline(kase.CreatedAt, p); deadline.Before(kase.SLADeadline) {
				kase.SLADeadline = deadline
			}
		}
		entry = model.NewHistoryEntry(kase.ID, model.ChangeTypeEscalation,
			model.SeverityChange{Old: oldSeverity, New: kase.Severity}, model.SystemActor,
			"escalated by alert "+occ.Name)
		entry.AdditionalData = occurrenceData(occ, map[string]any{
			"oldPriority": oldPriority,
			"newPriority": kase.Priority,
			"slaDeadline": kase.SLADeadline,
		})
		event = events.NewEvent(model.EventCaseEscalated, kase.ID, now)
		event.Reason = string(oldSeverity) + " -> " + string(kase.Severity)

	case occ.Status == model.AlertStatusFiring && kase.Status == model.CaseStatusOnHold:
		kase.Status = model.CaseStatusInProgress
		entry = model.NewHistoryEntry(kase.ID, model.ChangeTypeStatus,
			model.StatusChange{Old: model.CaseStatusOnHold, New: model.CaseStatusInProgress},
			model.SystemActor, "alert "+occ.Name+" fired again")
		entry.AdditionalData = occurrenceData(occ, nil)
		event = events.NewEvent(model.EventStatusChanged, kase.ID, now)
		event.OldStatus = model.CaseStatusOnHold
		event.NewStatus = model.CaseStatusInProgress

	default:
		entry = alertLinkEntry(kase.ID, occ)
	}

	if err := tx.UpdateCase(ctx, kase); err != nil {
		return Outcome{}, err
	}
	entry.ChangedAt = now
	if err := c.recorder.Record(ctx, tx, entry); err != nil {
		return Outcome{}, err
	}
	if event != nil {
		if err := events.Enqueue(ctx, tx, event); err != nil {
			return Outcome{}, err
		}
	}
	if err := c.checkBreach(ctx, tx, kase, now); err != nil {
		return Outcome{}, err
	}

	c.logger.Info("Occurrence correlated to open case",
		zap.Int64("case_id", kase.ID),
		zap.Int64("occurrence_id", occ.ID),
		zap.String("change_type", string(entry.ChangeType)))

	return Outcome{CaseID: &kase.ID}, nil
}

// linkTransition records a status transition of an occurrence already linked to an open case
func (c *Correlator) linkTransition(ctx context.Context, tx *storage.Tx, kase *model.Case, occ *model.AlertOccurrence, now time.Time) (Outcome, error) {
	kase.LastAlertAt = &now
	kase.UpdatedAt = now
	if err := tx.UpdateCase(ctx, kase); err != nil {
		return Outcome{}, err
	}

	entry := alertLinkEntry(kase.ID, occ)
	entry.ChangedAt = now
	if err := c.recorder.Record(ctx, tx, entry); err != nil {
		return Outcome{}, err
	}
	if err := c.checkBreach(ctx, tx, kase, now); err != nil {
		return Outcome{}, err
	}

	c.logger.Debug("Alert transition linked",
		zap.Int64("case_id", kase.ID),
		zap.Int64("occurrence_id", occ.ID),
		zap.String("status", string(occ.Status)))

	return Outcome{CaseID: &kase.ID}, nil
}

func (c *Correlator) checkBreach(ctx context.Context, tx *storage.Tx, kase *model.Case, now time.Time) error {
	if c.breaches == nil {
		return nil
	}
	if _, err := c.breaches.CheckBreach(ctx, tx, kase, now); err != nil {
		return fmt.Errorf("failed to check sla: %w", err)
	}
	return nil
}

func (c *Correlator) groupLabels(labels map[string]string) map[string]string {
	if len(c.opts.GroupBy) == 0 {
		return labels
	}
	out := make(map[string]string, len(c.opts.GroupBy))
	for _, k := range c.opts.GroupBy {
		if v, ok := labels[k]; ok {
			out[k] = v
		}
	}
	return out
}

func alertLinkEntry(caseID int64, occ *model.AlertOccurrence) *model.CaseHistoryEntry {
	entry := model.NewHistoryEntry(caseID, model.ChangeTypeAlertLink,
		model.TextChange{Field: model.FieldAlert, New: occ.Name + " " + string(occ.Status)},
		model.SystemActor, "")
	entry.AdditionalData = occurrenceData(occ, nil)
	return entry
}

func occurrenceData(occ *model.AlertOccurrence, extra map[string]any) json.RawMessage {
	data := map[string]any{
		"occurrenceId": occ.ID,
		"fingerprint":  occ.Fingerprint,
		"alertStatus":  occ.Status,
	}
	for k, v := range extra {
		data[k] = v
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return b
}
