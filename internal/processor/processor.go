// Package processor correlates stored alert occurrences into cases.
package processor

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/casewatch/internal/correlator"
	"github.com/t77yq/casewatch/internal/events"
	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/storage"
)

// Correlator resolves the case for an occurrence inside tx
type Correlator interface {
	Correlate(ctx context.Context, tx *storage.Tx, occ *model.AlertOccurrence) (correlator.Outcome, error)
}

// Options tunes processing
type Options struct {
	Workers      int
	MaxRetries   int
	ClaimTimeout time.Duration
}

// Processor claims pending occurrences and runs them through the correlator
type Processor struct {
	logger      *zap.Logger
	store       *storage.Store
	correlator  Correlator
	deadLetters events.DeadLetterSink
	opts        Options
	workerID    string
	now         func() time.Time
}

// New creates a processor with a unique worker id
func New(logger *zap.Logger, store *storage.Store, corr Correlator, deadLetters events.DeadLetterSink, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 5 * time.Minute
	}
	return &Processor{
		logger:      logger.Named("processor"),
		store:       store,
		correlator:  corr,
		deadLetters: deadLetters,
		opts:        opts,
		workerID:    "processor-" + uuid.NewString(),
		now:         time.Now,
	}
}

// WithClock replaces the time source
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// ProcessPending claims up to batchSize occurrences, oldest first, and processes
// each in its own transaction. A failing occurrence never blocks the others.
// It returns how many occurrences were completed or dead-lettered.
func (p *Processor) ProcessPending(ctx context.Context, batchSize int) (int, error) {
	now := p.now()
	claimed, err := p.store.ClaimOccurrences(ctx, p.workerID, batchSize, now, now.Add(-p.opts.ClaimTimeout))
	if err != nil {
		p.logger.Error("Failed to claim occurrences", zap.Error(err))
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var processed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for _, occ := range claimed {
		g.Go(func() error {
			if p.process(ctx, occ) {
				processed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	p.logger.Debug("Processing batch finished",
		zap.Int("claimed", len(claimed)),
		zap.Int64("processed", processed.Load()))
	return int(processed.Load()), nil
}

func (p *Processor) process(ctx context.Context, occ *model.AlertOccurrence) bool {
	var out correlator.Outcome
	err := p.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = p.correlator.Correlate(ctx, tx, occ)
		if err != nil {
			return err
		}
		return tx.CompleteOccurrence(ctx, occ.ID, p.workerID, occ.Status, out.CaseID, out.Note, p.now())
	})
	if err == nil {
		metrics.OccurrencesProcessedTotal.WithLabelValues(outcomeLabel(out)).Inc()
		fields := []zap.Field{
			zap.Int64("occurrence_id", occ.ID),
			zap.String("status", string(occ.Status)),
			zap.Bool("created", out.Created),
		}
		if out.CaseID != nil {
			fields = append(fields, zap.Int64("case_id", *out.CaseID))
		}
		p.logger.Info("Occurrence processed", fields...)
		return true
	}

	if errors.Is(err, storage.ErrClaimLost) {
		p.logger.Warn("Lost claim on occurrence", zap.Int64("occurrence_id", occ.ID))
		return false
	}

	dead, retries, failErr := p.store.FailOccurrence(ctx, occ.ID, p.workerID, err.Error(), p.opts.MaxRetries, p.now())
	if failErr != nil {
		p.logger.Error("Failed to record occurrence failure",
			zap.Int64("occurrence_id", occ.ID),
			zap.NamedError("cause", err),
			zap.Error(failErr))
		return false
	}

	if !dead {
		metrics.OccurrencesProcessedTotal.WithLabelValues("retry").Inc()
		p.logger.Warn("Occurrence processing failed, will retry",
			zap.Int64("occurrence_id", occ.ID),
			zap.Int("retry_count", retries),
			zap.Error(err))
		return false
	}

	metrics.OccurrencesProcessedTotal.WithLabelValues("dead").Inc()
	p.logger.Error("Occurrence dead-lettered",
		zap.Int64("occurrence_id", occ.ID),
		zap.Int("retry_count", retries),
		zap.Error(err))

	dl := model.DeadLetter{
		Kind:      model.DeadLetterOccurrence,
		ID:        strconv.FormatInt(occ.ID, 10),
		Error:     err.Error(),
		Attempts:  retries,
		CreatedAt: p.now().UTC(),
	}
	if err := p.deadLetters.DeadLetter(ctx, dl); err != nil {
		p.logger.Error("Failed to dead-letter occurrence",
			zap.Int64("occurrence_id", occ.ID),
			zap.Error(err))
	}
	return true
}

// Requeue returns dead occurrences to the queue. No ids means all of them.
func (p *Processor) Requeue(ctx context.Context, ids []int64) (int64, error) {
	n, err := p.store.RequeueDeadOccurrences(ctx, ids, p.now())
	if err != nil {
		return 0, err
	}
	p.logger.Info("Dead occurrences requeued", zap.Int64("count", n))
	return n, nil
}

func outcomeLabel(out correlator.Outcome) string {
	switch {
	case out.Suppressed:
		return "suppressed"
	case out.Created:
		return "created"
	}
	return "linked"
}
