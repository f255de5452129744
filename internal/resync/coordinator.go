package resync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmeditor/collabengine/internal/diagram"
)

// eventBuffer sizes the started/completed event channels. Sends are
// non-blocking; a consumer that falls this far behind loses events with
// a warning rather than stalling the resync sequence.
const eventBuffer = 16

// Coordinator reconciles the local graph against the server of record.
// Triggers are debounced, at most one attempt sequence is in flight at a
// time, and transient failures retry with exponential backoff. All
// methods are safe for concurrent use.
//
// TriggerResync never propagates errors to its caller: exhaustion is
// reported on the completed-event channel and logged at error severity.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	fetcher SnapshotFetcher
	loader  CellLoader
	state   SharedState
	logger  *slog.Logger

	initialized   bool
	diagramID     string
	threatModelID string
	graph         GraphHandle
	adapter       AdapterHandle

	inProgress bool
	closed     bool

	// debounce is the trigger-coalescing timer handle: every trigger is
	// stop-existing then schedule-new.
	debounce *time.Timer

	// seqCancel aborts the in-flight attempt sequence (Reset/Close).
	seqCancel context.CancelFunc

	started   chan StartedEvent
	completed chan CompletedEvent

	sleepFunc func(ctx context.Context, d time.Duration) error // injectable for testing
	nowFunc   func() time.Time
}

// NewCoordinator creates a coordinator using the given collaborators.
// Initialize must be called before triggers have any effect.
func NewCoordinator(cfg Config, fetcher SnapshotFetcher, loader CellLoader, state SharedState, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &Coordinator{
		cfg:       cfg,
		fetcher:   fetcher,
		loader:    loader,
		state:     state,
		logger:    logger,
		started:   make(chan StartedEvent, eventBuffer),
		completed: make(chan CompletedEvent, eventBuffer),
		sleepFunc: timeSleep,
		nowFunc:   time.Now,
	}
}

// Initialize binds the coordinator to a diagram context. Idempotent;
// re-binding to a different diagram is allowed between sequences. The
// graph and adapter handles are borrowed references passed through to
// the cell loader.
func (c *Coordinator) Initialize(diagramID, threatModelID string, graph GraphHandle, adapter AdapterHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.diagramID = diagramID
	c.threatModelID = threatModelID
	c.graph = graph
	c.adapter = adapter
	c.initialized = true

	c.logger.Debug("resync coordinator initialized",
		slog.String("diagram_id", diagramID),
		slog.String("threat_model_id", threatModelID),
	)
}

// TriggerResync requests a resync. Repeated triggers within the debounce
// window coalesce into one fetch. Before Initialize it logs a warning
// and is a no-op.
func (c *Coordinator) TriggerResync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if !c.initialized {
		c.logger.Warn("resync triggered before initialization, ignoring")
		return
	}

	c.stopDebounceLocked()
	c.debounce = time.AfterFunc(c.cfg.Debounce, c.onDebounceSettle)
}

// Started returns the channel of sequence-start events.
func (c *Coordinator) Started() <-chan StartedEvent {
	return c.started
}

// Completed returns the channel of terminal sequence outcomes.
func (c *Coordinator) Completed() <-chan CompletedEvent {
	return c.completed
}

// InProgress reports whether an attempt sequence is currently in flight.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inProgress
}

// UpdateConfig merges a partial configuration update. Already-scheduled
// debounce and retry timers are not rescheduled.
func (c *Coordinator) UpdateConfig(patch ConfigPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	patch.apply(&c.cfg)

	c.logger.Debug("resync config updated",
		slog.Duration("debounce", c.cfg.Debounce),
		slog.Int("max_retries", c.cfg.MaxRetries),
		slog.Duration("retry_delay", c.cfg.RetryDelay),
	)
}

// Config returns a copy of the current configuration.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cfg
}

// Reset clears in-progress state and cancels pending debounce and retry
// timers. An aborted sequence emits no completed event: completion
// reports fetch outcomes, and a reset sequence has none.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abortLocked()
	c.logger.Debug("resync coordinator reset")
}

// Close tears the coordinator down: all timers are cancelled, any
// in-flight sequence is aborted, and further triggers are ignored. The
// event channels stay open but receive no further events.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.abortLocked()
	c.closed = true
}

// abortLocked cancels timers and the in-flight sequence.
func (c *Coordinator) abortLocked() {
	c.stopDebounceLocked()

	if c.seqCancel != nil {
		c.seqCancel()
		c.seqCancel = nil
	}

	c.inProgress = false
}

// stopDebounceLocked cancels the trigger-coalescing timer if armed.
func (c *Coordinator) stopDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

// onDebounceSettle fires when the debounce window elapses with no
// further trigger. If a prior sequence is still in flight the settled
// trigger is ignored (single-flight); otherwise a new attempt sequence
// begins on this goroutine.
func (c *Coordinator) onDebounceSettle() {
	c.mu.Lock()

	if c.closed || !c.initialized {
		c.mu.Unlock()
		return
	}

	if c.inProgress {
		c.logger.Debug("resync already in progress, ignoring settled trigger",
			slog.String("diagram_id", c.diagramID),
		)
		c.mu.Unlock()

		return
	}

	c.inProgress = true

	ctx, cancel := context.WithCancel(context.Background())
	c.seqCancel = cancel

	seq := sequence{
		diagramID:     c.diagramID,
		threatModelID: c.threatModelID,
		graph:         c.graph,
		adapter:       c.adapter,
		cfg:           c.cfg,
	}

	c.emitStartedLocked(StartedEvent{
		DiagramID: seq.diagramID,
		Timestamp: c.nowFunc(),
	})
	c.mu.Unlock()

	c.runSequence(ctx, seq)
}

// sequence captures the bound diagram context and configuration for one
// attempt sequence, so a concurrent re-Initialize or UpdateConfig does
// not shift the ground under in-flight retries.
type sequence struct {
	diagramID     string
	threatModelID string
	graph         GraphHandle
	adapter       AdapterHandle
	cfg           Config
}

// runSequence executes fetch attempts with exponential backoff until
// success, exhaustion, or abort. The initial attempt is attempt zero;
// retry n waits RetryDelay * 2^(n-1) first, and after MaxRetries retry
// waits the sequence is terminal.
func (c *Coordinator) runSequence(ctx context.Context, seq sequence) {
	attempt := 0

	for {
		cells, err := c.attemptOnce(ctx, seq)
		if err == nil {
			c.finish(CompletedEvent{
				Success:      true,
				CellsUpdated: cells,
				Timestamp:    c.nowFunc(),
			})

			c.logger.Info("resync completed",
				slog.String("diagram_id", seq.diagramID),
				slog.Int("cells_updated", cells),
				slog.Int("attempts", attempt+1),
			)

			return
		}

		if ctx.Err() != nil {
			// Aborted by Reset or Close: no completed event.
			c.clearInProgress()
			return
		}

		if attempt >= seq.cfg.MaxRetries {
			msg := fmt.Sprintf("Failed after %d attempts", seq.cfg.MaxRetries)

			c.logger.Error("resync exhausted retries",
				slog.String("diagram_id", seq.diagramID),
				slog.Int("max_retries", seq.cfg.MaxRetries),
				slog.String("last_error", err.Error()),
			)
			c.finish(CompletedEvent{
				Success:   false,
				Timestamp: c.nowFunc(),
				Error:     msg,
			})

			return
		}

		attempt++
		delay := seq.cfg.RetryDelay << (attempt - 1)

		c.logger.Warn("resync attempt failed, retrying",
			slog.String("diagram_id", seq.diagramID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, delay); sleepErr != nil {
			c.clearInProgress()
			return
		}
	}
}

// attemptOnce runs one fetch-and-apply attempt. Returns the number of
// cells applied on success. Every failure path (not-found, fetch error,
// apply error or panic) is retryable.
func (c *Coordinator) attemptOnce(ctx context.Context, seq sequence) (int, error) {
	snap, err := c.fetcher.GetDiagramSnapshot(ctx, seq.threatModelID, seq.diagramID)
	if err != nil {
		return 0, fmt.Errorf("resync: fetching snapshot: %w", err)
	}

	if snap == nil {
		return 0, fmt.Errorf("resync: diagram %s not found", seq.diagramID)
	}

	if err := c.applyCells(snap.Cells, seq); err != nil {
		return 0, err
	}

	if snap.UpdateVector != nil {
		c.state.UpdateState(*snap.UpdateVector, "resync")
	}

	c.state.ResyncComplete()

	return len(snap.Cells), nil
}

// applyCells replaces the graph's cell set under the remote-change
// suppression flag. The flag is cleared on every exit path, including a
// panicking loader, and a failed apply is a retryable failure rather
// than a silent success.
func (c *Coordinator) applyCells(cells []diagram.Cell, seq sequence) (err error) {
	c.state.SetApplyingRemoteChange(true)

	defer func() {
		c.state.SetApplyingRemoteChange(false)

		if r := recover(); r != nil {
			err = fmt.Errorf("resync: applying cells panicked: %v", r)
		}
	}()

	opts := LoadOptions{
		ClearExisting:   true,
		UpdateEmbedding: true,
		Source:          "resync",
	}

	if loadErr := c.loader.LoadCells(cells, seq.graph, seq.diagramID, seq.adapter, opts); loadErr != nil {
		return fmt.Errorf("resync: applying cells: %w", loadErr)
	}

	return nil
}

// finish clears the in-flight state and emits the terminal event.
func (c *Coordinator) finish(ev CompletedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inProgress = false
	c.seqCancel = nil

	if c.closed {
		return
	}

	select {
	case c.completed <- ev:
	default:
		c.logger.Warn("completed event discarded: channel full")
	}
}

// clearInProgress resets in-flight state after an abort without emitting.
func (c *Coordinator) clearInProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inProgress = false
	c.seqCancel = nil
}

// emitStartedLocked sends a started event without blocking. Caller holds
// the mutex.
func (c *Coordinator) emitStartedLocked(ev StartedEvent) {
	select {
	case c.started <- ev:
	default:
		c.logger.Warn("started event discarded: channel full")
	}
}

// timeSleep waits for the given duration or until the context is
// canceled. It is the default sleepFunc for Coordinator.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
