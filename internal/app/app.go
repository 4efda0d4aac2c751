// Package app wires the casewatch components into a running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/casewatch/internal/api"
	"github.com/t77yq/casewatch/internal/cases"
	"github.com/t77yq/casewatch/internal/channel"
	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/correlator"
	"github.com/t77yq/casewatch/internal/directory"
	"github.com/t77yq/casewatch/internal/dispatcher"
	"github.com/t77yq/casewatch/internal/events"
	"github.com/t77yq/casewatch/internal/history"
	"github.com/t77yq/casewatch/internal/ingest"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/monitor"
	"github.com/t77yq/casewatch/internal/processor"
	"github.com/t77yq/casewatch/internal/scheduler"
	"github.com/t77yq/casewatch/internal/storage"
)

// Job names, in the order a sweep runs them
const (
	JobProcessOccurrences   = "process-occurrences"
	JobSLABreaches          = "sla-breaches"
	JobRelayEvents          = "relay-events"
	JobDeliverNotifications = "deliver-notifications"
	JobHostStats            = "host-stats"
)

// App holds every component of one casewatch process
type App struct {
	logger *zap.Logger
	cfg    *config.Config

	Store      *storage.Store
	Ingest     *ingest.Store
	Cases      *cases.Service
	Processor  *processor.Processor
	Dispatcher *dispatcher.Dispatcher
	Relay      *events.Relay
	Delivery   *scheduler.DeliveryScheduler
	SLA        *monitor.SLAWatcher
	Host       *monitor.HostCollector
	Runner     *scheduler.Runner
	API        *api.Server

	nc  *nats.Conn
	bus *events.JetStreamBus
}

// New opens the database, applies migrations and builds every component. With NATS
// enabled, outbox events and dead letters go through JetStream; otherwise events are
// dispatched in-process and dead letters are logged.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config) (_ *App, err error) {
	a := &App{logger: logger, cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Store, err = storage.Open(logger, storage.Options{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Store.Migrate(ctx); err != nil {
		return nil, err
	}

	sla, err := correlator.NewSLAPolicy(cfg.SLA.Hours)
	if err != nil {
		return nil, err
	}
	recorder := history.NewRecorder(logger, a.Store)
	a.Cases = cases.NewService(logger, a.Store, recorder, sla)
	corr := correlator.New(logger, recorder, a.Cases, correlator.Options{
		Window:  cfg.Correlation.Window,
		GroupBy: cfg.Correlation.GroupBy,
		SLA:     sla,
	})
	a.Ingest = ingest.NewStore(logger, a.Store, cfg.Ingest.FingerprintLabels)

	channels, err := dispatcher.ChannelsFromConfig(cfg.Notifications.Channels)
	if err != nil {
		return nil, err
	}
	a.Dispatcher, err = dispatcher.New(logger, a.Store, directory.NewStatic(cfg.Directory), dispatcher.Options{
		Channels:   channels,
		MaxRetries: cfg.Notifications.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher
	var deadLetters events.DeadLetterSink
	if cfg.NATS.Enabled {
		a.nc, err = connectNATS(logger, cfg.App.Name, cfg.NATS)
		if err != nil {
			return nil, err
		}
		js, err := a.nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		a.bus, err = events.NewJetStreamBus(logger, js)
		if err != nil {
			return nil, err
		}
		a.bus.MaxDeliver = cfg.NATS.MaxDeliver
		publisher, deadLetters = a.bus, a.bus
	} else {
		publisher = events.NewLocalBus(a.dispatch)
		deadLetters = events.NewLogDeadLetters(logger)
	}
	a.Relay = events.NewRelay(logger, a.Store, publisher, deadLetters).WithMaxAttempts(cfg.Outbox.MaxAttempts)

	a.Processor = processor.New(logger, a.Store, corr, deadLetters, processor.Options{
		Workers:      cfg.Processor.Workers,
		MaxRetries:   cfg.Processor.MaxRetries,
		ClaimTimeout: cfg.Processor.ClaimTimeout,
	})

	registry, err := channel.NewRegistryFromConfig(ctx, logger, cfg.Channels, cfg.Delivery.SendTimeout)
	if err != nil {
		return nil, err
	}
	a.Delivery = scheduler.NewDeliveryScheduler(logger, a.Store, registry, deadLetters, scheduler.Options{
		BatchSize:    cfg.Delivery.BatchSize,
		Concurrency:  cfg.Delivery.Concurrency,
		ClaimTimeout: cfg.Delivery.ClaimTimeout,
		Backoff: &scheduler.ExponentialBackoff{
			InitialDelay: cfg.Delivery.Backoff.Initial,
			MaxDelay:     cfg.Delivery.Backoff.Max,
			Multiplier:   cfg.Delivery.Backoff.Multiplier,
		},
	})

	a.SLA = monitor.NewSLAWatcher(logger, a.Cases, cfg.SLA.BatchSize)
	a.Host = monitor.NewHostCollector(logger)

	a.Runner = scheduler.NewRunner(logger)
	if err := a.registerJobs(); err != nil {
		return nil, err
	}

	a.API = api.New(logger, cfg.HTTP, api.Deps{
		Ingester: a.Ingest,
		Acks:     a.Delivery,
		DB:       a.Store,
		Host:     a.Host,
	})

	return a, nil
}

func (a *App) dispatch(ctx context.Context, e *model.CaseEvent) error {
	_, err := a.Dispatcher.Dispatch(ctx, e)
	return err
}

func (a *App) registerJobs() error {
	jobs := []struct {
		name     string
		schedule string
		job      scheduler.Job
	}{
		{JobProcessOccurrences, a.cfg.Processor.Schedule, func(ctx context.Context) error {
			_, err := a.Processor.ProcessPending(ctx, a.cfg.Processor.BatchSize)
			return err
		}},
		{JobSLABreaches, a.cfg.SLA.Schedule, a.SLA.Run},
		{JobRelayEvents, a.cfg.Outbox.Schedule, func(ctx context.Context) error {
			_, err := a.Relay.Flush(ctx, a.cfg.Outbox.BatchSize)
			return err
		}},
		{JobDeliverNotifications, a.cfg.Delivery.Schedule, func(ctx context.Context) error {
			_, err := a.Delivery.Sweep(ctx, time.Now())
			return err
		}},
		{JobHostStats, "@every 15s", a.Host.Collect},
	}
	for _, j := range jobs {
		if err := a.Runner.Add(j.name, j.schedule, j.job); err != nil {
			return err
		}
	}
	return nil
}

// Sweep runs every background job once, in pipeline order
func (a *App) Sweep(ctx context.Context) error {
	return a.Runner.RunAll(ctx)
}

// Serve runs the HTTP API, the scheduled jobs and, with NATS, the event consumer
// until ctx is cancelled, then shuts them down
func (a *App) Serve(ctx context.Context) error {
	if a.bus != nil {
		if err := a.bus.Subscribe(ctx, a.dispatch); err != nil {
			return err
		}
	}

	a.Runner.Start(ctx)
	defer a.Runner.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.API.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down HTTP server")
		return a.API.Shutdown(context.Background())
	})

	err := g.Wait()
	a.logger.Info("Server stopped")
	return err
}

// Close releases NATS and the database
func (a *App) Close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
