package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one periodic unit of work
type Job func(ctx context.Context) error

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type namedJob struct {
	name string
	spec string
	job  Job
}

// Runner runs the background jobs on cron specs. A job still running when its
// next tick fires is skipped, and a panicking job is recovered and logged.
type Runner struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu   sync.Mutex
	ctx  context.Context
	jobs []namedJob
}

// NewRunner creates a runner
func NewRunner(logger *zap.Logger) *Runner {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &Runner{
		logger: logger.Named("cron"),
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
	}
}

// Add registers job under name. spec accepts five or six fields or a descriptor such as "@every 5s".
func (r *Runner) Add(name, spec string, job Job) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	nj := namedJob{name: name, spec: spec, job: job}
	if _, err := r.cron.AddJob(spec, cron.FuncJob(func() { r.run(nj) })); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	r.mu.Lock()
	r.jobs = append(r.jobs, nj)
	r.mu.Unlock()

	r.logger.Info("Added job",
		zap.String("name", name),
		zap.String("schedule", spec))
	return nil
}

// Start starts the scheduler. Jobs receive ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RunAll runs every job once, in registration order
func (r *Runner) RunAll(ctx context.Context) error {
	r.mu.Lock()
	jobs := append([]namedJob(nil), r.jobs...)
	r.mu.Unlock()

	var errs []error
	for _, nj := range jobs {
		if err := nj.job(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nj.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) run(nj namedJob) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := nj.job(ctx); err != nil {
		r.logger.Error("Job failed",
			zap.String("name", nj.name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	r.logger.Debug("Job finished",
		zap.String("name", nj.name),
		zap.Duration("duration", time.Since(start)))
}
