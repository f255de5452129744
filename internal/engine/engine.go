// Package engine wires the collaboration components together: batches
// flow from the assembler to the graph-mutation applier and into the
// history ledger, and apply failures (drift between local and remote
// state) trigger the resync coordinator.
package engine

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tmeditor/collabengine/internal/batch"
	"github.com/tmeditor/collabengine/internal/config"
	"github.com/tmeditor/collabengine/internal/resync"
)

// Applier is the graph-mutation consumer: it applies a batch's
// structural changes to the local graph model. An error means the local
// model has drifted from the batch's expectations and a resync is
// needed.
type Applier interface {
	ApplyBatch(ctx context.Context, b *batch.ChangeBatch) error
}

// Recorder persists admitted history entries. Satisfied by
// history.Store; nil disables persistence.
type Recorder interface {
	Record(ctx context.Context, b *batch.ChangeBatch) (int, error)
}

// Engine runs the batching and resync halves as one unit.
type Engine struct {
	assembler   *batch.Assembler
	coordinator *resync.Coordinator
	applier     Applier
	recorder    Recorder
	logger      *slog.Logger
}

// New assembles an engine. recorder may be nil to run without a
// persistent history ledger.
func New(assembler *batch.Assembler, coordinator *resync.Coordinator, applier Applier, recorder Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		assembler:   assembler,
		coordinator: coordinator,
		applier:     applier,
		recorder:    recorder,
		logger:      logger,
	}
}

// Assembler exposes the ingestion surface for the editing layer and the
// collaboration listener.
func (e *Engine) Assembler() *batch.Assembler {
	return e.assembler
}

// Coordinator exposes the resync trigger and event streams.
func (e *Engine) Coordinator() *resync.Coordinator {
	return e.coordinator
}

// Run consumes batches and resync events until the context is canceled.
// It owns the consumption side only; producers (the editing surface, the
// collaboration listener) submit into the assembler independently.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.consumeBatches(ctx)
	})

	g.Go(func() error {
		e.drainResyncEvents(ctx)
		return nil
	})

	return g.Wait()
}

// ApplyConfig pushes reloaded tuning into both running services. Called
// from the config file watcher; takes effect on the next scheduling
// decision per the runtime-update contract.
func (e *Engine) ApplyConfig(cfg config.Config) {
	bc := cfg.BatchConfig()
	e.assembler.UpdateConfig(batch.ConfigPatch{
		MaxBatchDelay:          &bc.MaxBatchDelay,
		MaxBatchSize:           &bc.MaxBatchSize,
		MinFlushInterval:       &bc.MinFlushInterval,
		EnableAdaptiveBatching: &bc.EnableAdaptiveBatching,
	})

	rc := cfg.ResyncCoordinatorConfig()
	e.coordinator.UpdateConfig(resync.ConfigPatch{
		Debounce:   &rc.Debounce,
		MaxRetries: &rc.MaxRetries,
		RetryDelay: &rc.RetryDelay,
	})
}

// consumeBatches applies each emitted batch and records it in history.
// An apply failure leaves the local model suspect, so it triggers a
// resync rather than propagating.
func (e *Engine) consumeBatches(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case b, ok := <-e.assembler.Batches():
			if !ok {
				return nil
			}

			if err := e.applier.ApplyBatch(ctx, &b); err != nil {
				e.logger.Warn("batch apply failed, triggering resync",
					slog.String("batch_id", b.ID),
					slog.String("error", err.Error()),
				)
				e.coordinator.TriggerResync()

				continue
			}

			e.record(ctx, &b)
		}
	}
}

// record persists the batch's structural commands, if a recorder is
// configured. Recording failures are logged, not fatal: the applied
// graph state is already correct and a lost undo entry is recoverable.
func (e *Engine) record(ctx context.Context, b *batch.ChangeBatch) {
	if e.recorder == nil {
		return
	}

	entries, err := e.recorder.Record(ctx, b)
	if err != nil {
		e.logger.Error("recording history entry failed",
			slog.String("batch_id", b.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if entries > 0 {
		e.logger.Debug("history recorded",
			slog.String("batch_id", b.ID),
			slog.Int("entries", entries),
		)
	}
}

// drainResyncEvents logs sequence outcomes so a failed resync surfaces
// as a recoverable sync error rather than disappearing.
func (e *Engine) drainResyncEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-e.coordinator.Started():
			e.logger.Info("resync started",
				slog.String("diagram_id", ev.DiagramID),
			)

		case ev := <-e.coordinator.Completed():
			if ev.Success {
				e.logger.Info("resync succeeded",
					slog.Int("cells_updated", ev.CellsUpdated),
				)

				continue
			}

			e.logger.Error("resync failed",
				slog.String("error", ev.Error),
			)
		}
	}
}
