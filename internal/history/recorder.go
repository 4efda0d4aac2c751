// Package history records the append-only audit trail of case mutations.
package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
)

// Reader lists the history of a case
type Reader interface {
	ListHistory(ctx context.Context, caseID int64) ([]*model.CaseHistoryEntry, error)
}

// Recorder appends history entries. There is no standalone write path: every
// entry is written through the transaction of the mutation it documents.
type Recorder struct {
	logger *zap.Logger
	reader Reader
	now    func() time.Time
}

// NewRecorder creates a recorder
func NewRecorder(logger *zap.Logger, reader Reader) *Recorder {
	return &Recorder{
		logger: logger.Named("history"),
		reader: reader,
		now:    time.Now,
	}
}

// WithClock replaces the time source
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends entry inside tx. It assigns the next sequence of the case and a
// changedAt that never precedes the previous entry, so (changedAt, sequence) is a
// total order even when writer clocks disagree.
func (r *Recorder) Record(ctx context.Context, tx *storage.Tx, entry *model.CaseHistoryEntry) error {
	if tx == nil {
		return fmt.Errorf("%w: no transaction", ErrInvalidEntry)
	}
	if err := validate(entry); err != nil {
		return err
	}

	mark, err := tx.LastHistoryMark(ctx, entry.CaseID)
	if err != nil {
		return fmt.Errorf("failed to read history position: %w", err)
	}

	changedAt := entry.ChangedAt
	if changedAt.IsZero() {
		changedAt = r.now()
	}
	changedAt = changedAt.UTC()
	if changedAt.Before(mark.ChangedAt) {
		changedAt = mark.ChangedAt
	}

	entry.ChangedAt = changedAt
	entry.Sequence = mark.Sequence + 1

	if err := tx.InsertHistory(ctx, entry); err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}

	r.logger.Debug("History recorded",
		zap.Int64("case_id", entry.CaseID),
		zap.Int64("sequence", entry.Sequence),
		zap.String("change_type", string(entry.ChangeType)))
	return nil
}

// List returns the entries of a case ordered by (changedAt, sequence)
func (r *Recorder) List(ctx context.Context, caseID int64) ([]*model.CaseHistoryEntry, error) {
	entries, err := r.reader.ListHistory(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}

func validate(entry *model.CaseHistoryEntry) error {
	switch {
	case entry == nil:
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	case entry.CaseID <= 0:
		return fmt.Errorf("%w: missing case id", ErrInvalidEntry)
	case entry.Change == nil:
		return fmt.Errorf("%w: missing change", ErrInvalidEntry)
	case !model.ValidChange(entry.ChangeType, entry.Change):
		return fmt.Errorf("%w: %T is not a %s", ErrInvalidEntry, entry.Change, entry.ChangeType)
	}

	if entry.ChangedBy == nil {
		// request metadata only exists for user-driven changes
		if entry.IPAddress != nil || entry.UserAgent != nil || entry.SessionID != nil {
			return fmt.Errorf("%w: request metadata on a system change", ErrInvalidEntry)
		}
	} else if *entry.ChangedBy == "" {
		return fmt.Errorf("%w: empty changedBy", ErrInvalidEntry)
	}

	switch c := entry.Change.(type) {
	case model.StatusChange:
		if !c.New.Valid() || (c.Old != "" && !c.Old.Valid()) {
			return fmt.Errorf("%w: unknown status in %v", ErrInvalidEntry, c)
		}
	case model.PriorityChange:
		if !c.New.Valid() {
			return fmt.Errorf("%w: invalid priority %d", ErrInvalidEntry, c.New)
		}
	case model.TextChange:
		if c.Field == "" {
			return fmt.Errorf("%w: text change without field", ErrInvalidEntry)
		}
	}
	return nil
}
