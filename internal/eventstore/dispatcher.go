package eventstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/telemetry"
)

// Dispatcher defaults. A batch is released when batchSize events are pending
// or batchWindow has elapsed since the last dispatch, whichever comes first.
const (
	defaultBatchSize   = 10
	defaultBatchWindow = 5 * time.Second
	defaultTick        = time.Second

	// maxSinkWorkers bounds the number of sink callbacks running at once.
	maxSinkWorkers = 4
)

// SinkFunc delivers one newline-joined batch payload. It returns true when
// the batch was accepted; false sends the events back to pending for
// re-batching.
type SinkFunc func(payload string) bool

// DispatcherOptions tune the batching triggers. Zero values select defaults.
type DispatcherOptions struct {
	BatchSize   int
	BatchWindow time.Duration
	Tick        time.Duration
}

// Dispatcher drains the persistent store into batches and hands them to the
// sink. One long-lived worker runs the tick loop; short-lived workers invoke
// the sink so a slow manager does not stall garbage collection and reaping.
type Dispatcher struct {
	store  Store
	sink   SinkFunc
	opts   DispatcherOptions
	logger *zap.Logger

	workers sync.WaitGroup
	sem     chan struct{}
}

// NewDispatcher builds a dispatcher over store. The sink is invoked from
// worker goroutines and must be safe for concurrent use.
func NewDispatcher(store Store, sink SinkFunc, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = defaultBatchWindow
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	return &Dispatcher{
		store:  store,
		sink:   sink,
		opts:   opts,
		logger: logger.Named("dispatcher"),
		sem:    make(chan struct{}, maxSinkWorkers),
	}
}

// Run executes the dispatch loop until ctx is cancelled, then joins all
// outstanding sink workers before returning. Store errors are fatal: the
// loop exits and the error propagates to the orchestrator.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Duration("batch_window", d.opts.BatchWindow),
	)
	defer d.workers.Wait()

	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()

	lastDispatch := time.Now()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped, waiting for sink workers")
			return nil
		case <-ticker.C:
		}

		if err := d.store.DeleteByStatus(ctx, StatusDispatched); err != nil {
			d.logger.Error("failed to garbage-collect dispatched events", zap.Error(err))
			return err
		}

		pending, err := d.store.PendingCount(ctx)
		if err != nil {
			d.logger.Error("failed to count pending events", zap.Error(err))
			return err
		}
		telemetry.PendingEvents.Set(float64(pending))

		if pending < d.opts.BatchSize && time.Since(lastDispatch) < d.opts.BatchWindow {
			continue
		}

		batch, err := d.store.FetchAndMarkPending(ctx, d.opts.BatchSize)
		if err != nil {
			d.logger.Error("failed to fetch pending events", zap.Error(err))
			return err
		}
		lastDispatch = time.Now()
		if len(batch) == 0 {
			continue
		}

		d.logger.Debug("dispatching batch", zap.Int("events", len(batch)))
		d.spawnSinkWorker(ctx, batch)
	}
}

// spawnSinkWorker delivers one batch on its own goroutine, bounded by the
// worker semaphore.
func (d *Dispatcher) spawnSinkWorker(ctx context.Context, batch []Event) {
	d.sem <- struct{}{}
	d.workers.Add(1)

	// Status updates must land even when shutdown cancels ctx mid-delivery;
	// otherwise a delivered batch would be re-sent on the next start.
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer func() {
			<-d.sem
			d.workers.Done()
		}()

		ids := make([]uint64, len(batch))
		payloads := make([]string, len(batch))
		for i, ev := range batch {
			ids[i] = ev.ID
			payloads[i] = ev.Payload
		}

		if d.sink(strings.Join(payloads, "\n")) {
			telemetry.BatchesSent.WithLabelValues("ok").Inc()
			telemetry.EventsDispatched.Add(float64(len(ids)))
			if err := d.store.UpdateStatus(ctx, ids, StatusDispatched); err != nil {
				d.logger.Error("failed to mark batch dispatched", zap.Error(err))
			}
			return
		}

		telemetry.BatchesSent.WithLabelValues("rejected").Inc()
		d.logger.Warn("sink rejected batch, events returned to pending",
			zap.Int("events", len(ids)),
		)
		if err := d.store.UpdateStatus(ctx, ids, StatusPending); err != nil {
			d.logger.Error("failed to return batch to pending", zap.Error(err))
		}
	}()
}
