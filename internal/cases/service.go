// Package cases is the write path for case mutations. Each mutation, its history
// entry and its outbox event commit together.
package cases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/correlator"
	"github.com/t77yq/casewatch/internal/events"
	"github.com/t77yq/casewatch/internal/history"
	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
)

// Request carries who is mutating a case and why. A non-zero ExpectedVersion
// makes the mutation fail with ErrVersionConflict if the case moved on.
type Request struct {
	Actor           model.Actor
	Reason          string
	ExpectedVersion int
}

// Service mutates cases
type Service struct {
	logger   *zap.Logger
	store    *storage.Store
	recorder *history.Recorder
	sla      correlator.SLAPolicy
	now      func() time.Time
}

// NewService creates a case service
func NewService(logger *zap.Logger, store *storage.Store, recorder *history.Recorder, sla correlator.SLAPolicy) *Service {
	return &Service{
		logger:   logger.Named("cases"),
		store:    store,
		recorder: recorder,
		sla:      sla,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get reads a case, flagging an SLA breach first if its deadline has passed
func (s *Service) Get(ctx context.Context, id int64) (*model.Case, error) {
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	if !breachDue(c, s.now()) {
		return c, nil
	}

	err = s.store.InTx(ctx, func(tx *storage.Tx) error {
		c, err = tx.GetCase(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.CheckBreach(ctx, tx, c, s.now())
		return err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

// ChangeStatus moves a case to status
func (s *Service) ChangeStatus(ctx context.Context, id int64, status model.CaseStatus, req Request) (*model.Case, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidValue, status)
	}

	return s.mutate(ctx, id, req, func(tx *storage.Tx, c *model.Case, now time.Time) (*model.CaseHistoryEntry, *model.CaseEvent, error) {
		old := c.Status
		if old == status {
			return nil, nil, ErrNoChange
		}
		applyStatus(c, status, now)

		entry := model.NewHistoryEntry(c.ID, model.ChangeTypeStatus,
			model.StatusChange{Old: old, New: status}, req.Actor, req.Reason)
		event := statusEvent(c.ID, old, status, req.Reason, now)
		return entry, event, nil
	})
}

// Assign replaces the assignment of a case. Newly added users and teams are notified.
func (s *Service) Assign(ctx context.Context, id int64, assignment model.Assignment, req Request) (*model.Case, error) {
	next := assignment.Normalize()

	return s.mutate(ctx, id, req, func(tx *storage.Tx, c *model.Case, now time.Time) (*model.CaseHistoryEntry, *model.CaseEvent, error) {
		old := c.Assignment
		if old.Equal(next) {
			return nil, nil, ErrNoChange
		}
		c.Assignment = next

		entry := model.NewHistoryEntry(c.ID, model.ChangeTypeAssignment,
			model.AssignmentChange{Old: old, New: next}, req.Actor, req.Reason)

		added := old.Added(next)
		if added.Empty() {
			return entry, nil, nil
		}
		event := events.NewEvent(model.EventCaseAssigned, c.ID, now)
		event.AddedUserIDs = added.UserIDs
		event.AddedTeamIDs = added.TeamIDs
		event.Reason = req.Reason
		return entry, event, nil
	})
}

// ChangePriority sets the priority and recomputes the SLA deadline from the creation time.
// A breach already flagged is kept.
func (s *Service) ChangePriority(ctx context.Context, id int64, priority model.Priority, req Request) (*model.Case, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidValue, priority)
	}

	return s.mutate(ctx, id, req, func(tx *storage.Tx, c *model.Case, now time.Time) (*model.CaseHistoryEntry, *model.CaseEvent, error) {
		old := c.Priority
		if old == priority {
			return nil, nil, ErrNoChange
		}
		c.Priority = priority
		c.SLADeadline = s.sla.Deadline(c.CreatedAt, priority)

		changeType := model.ChangeTypePriority
		var event *model.CaseEvent
		if priority < old {
			changeType = model.ChangeTypeEscalation
			event = events.NewEvent(model.EventCaseEscalated, c.ID, now)
			event.Reason = req.Reason
		}
		entry := model.NewHistoryEntry(c.ID, changeType,
			model.PriorityChange{Old: old, New: priority}, req.Actor, req.Reason)
		return entry, event, nil
	})
}

// BulkUpdateStatus moves every case in ids to status in one transaction, writing one
// BULK_UPDATE entry per changed case. Cases already in status are skipped. Either all
// changes commit or none do.
func (s *Service) BulkUpdateStatus(ctx context.Context, ids []int64, status model.CaseStatus, req Request) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%w: status %q", ErrInvalidValue, status)
	}

	changed := 0
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		changed = 0
		now := s.now().UTC()
		for _, id := range ids {
			c, err := tx.GetCase(ctx, id)
			if err != nil {
				return fmt.Errorf("case %d: %w", id, err)
			}
			old := c.Status
			if old == status {
				continue
			}
			applyStatus(c, status, now)
			c.UpdatedAt = now
			if err := tx.UpdateCase(ctx, c); err != nil {
				return fmt.Errorf("case %d: %w", id, err)
			}

			entry := model.NewHistoryEntry(c.ID, model.ChangeTypeBulkUpdate,
				model.StatusChange{Old: old, New: status}, req.Actor, req.Reason)
			entry.ChangedAt = now
			if err := s.recorder.Record(ctx, tx, entry); err != nil {
				return err
			}
			if err := events.Enqueue(ctx, tx, statusEvent(c.ID, old, status, req.Reason, now)); err != nil {
				return err
			}
			if _, err := s.CheckBreach(ctx, tx, c, now); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, mapError(err)
	}

	s.logger.Info("Bulk status update",
		zap.Int("requested", len(ids)),
		zap.Int("changed", changed),
		zap.String("status", string(status)))
	return changed, nil
}

// CheckSLA flags the case as breached if its deadline passed. It reports whether
// this call flagged it.
func (s *Service) CheckSLA(ctx context.Context, id int64) (bool, error) {
	var flagged bool
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		c, err := tx.GetCase(ctx, id)
		if err != nil {
			return err
		}
		flagged, err = s.CheckBreach(ctx, tx, c, s.now())
		return err
	})
	if err != nil {
		return false, mapError(err)
	}
	return flagged, nil
}

// SweepBreaches checks up to limit overdue cases, each in its own transaction.
// It returns how many were flagged.
func (s *Service) SweepBreaches(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListBreachCandidates(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return flagged, ctx.Err()
		}
		ok, err := s.CheckSLA(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to check SLA",
				zap.Int64("case_id", id),
				zap.Error(err))
			continue
		}
		if ok {
			flagged++
		}
	}
	return flagged, nil
}

// CheckBreach flags c as breached inside tx when its deadline has passed. The flag is set
// at most once and never cleared; the SLA_BREACH entry and SLA_BREACHED event are written
// only by the call that set it.
func (s *Service) CheckBreach(ctx context.Context, tx *storage.Tx, c *model.Case, now time.Time) (bool, error) {
	now = now.UTC()
	if !breachDue(c, now) {
		return false, nil
	}

	flagged, err := tx.MarkSLABreached(ctx, c.ID, now)
	if err != nil || !flagged {
		return false, err
	}
	c.SLABreached = true
	c.SLABreachedAt = &now
	c.UpdatedAt = now
	c.Version++

	entry := model.NewHistoryEntry(c.ID, model.ChangeTypeSLABreach,
		model.TextChange{Field: model.FieldSLABreached, Old: "false", New: "true"},
		model.SystemActor, "SLA deadline "+c.SLADeadline.Format(time.RFC3339)+" passed")
	entry.ChangedAt = now
	if err := s.recorder.Record(ctx, tx, entry); err != nil {
		return false, err
	}

	event := events.NewEvent(model.EventSLABreached, c.ID, now)
	event.Reason = entry.Reason
	if err := events.Enqueue(ctx, tx, event); err != nil {
		return false, err
	}

	metrics.SLABreachesTotal.Inc()
	s.logger.Warn("SLA breached",
		zap.Int64("case_id", c.ID),
		zap.Int("priority", int(c.Priority)),
		zap.Time("sla_deadline", c.SLADeadline))
	return true, nil
}

type mutation func(tx *storage.Tx, c *model.Case, now time.Time) (*model.CaseHistoryEntry, *model.CaseEvent, error)

func (s *Service) mutate(ctx context.Context, id int64, req Request, fn mutation) (*model.Case, error) {
	var result *model.Case
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		c, err := tx.GetCase(ctx, id)
		if err != nil {
			return err
		}
		if req.ExpectedVersion != 0 && c.Version != req.ExpectedVersion {
			return ErrVersionConflict
		}

		now := s.now().UTC()
		entry, event, err := fn(tx, c, now)
		if err != nil {
			return err
		}
		c.UpdatedAt = now
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}

		entry.ChangedAt = now
		if err := s.recorder.Record(ctx, tx, entry); err != nil {
			return err
		}
		if event != nil {
			if err := events.Enqueue(ctx, tx, event); err != nil {
				return err
			}
		}
		if _, err := s.CheckBreach(ctx, tx, c, now); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	s.logger.Info("Case updated",
		zap.Int64("case_id", result.ID),
		zap.Int("version", result.Version))
	return result, nil
}

func applyStatus(c *model.Case, status model.CaseStatus, now time.Time) {
	c.Status = status
	if status.IsClosed() {
		if c.ResolvedAt == nil {
			c.ResolvedAt = &now
		}
	} else {
		c.ResolvedAt = nil
	}
}

func statusEvent(caseID int64, old, status model.CaseStatus, reason string, now time.Time) *model.CaseEvent {
	event := events.NewEvent(model.EventStatusChanged, caseID, now)
	event.OldStatus = old
	event.NewStatus = status
	event.Reason = reason
	return event
}

func breachDue(c *model.Case, now time.Time) bool {
	return !c.SLABreached && !c.Status.IsClosed() && !now.Before(c.SLADeadline)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrCaseNotFound, err)
	case errors.Is(err, storage.ErrVersionConflict):
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}
