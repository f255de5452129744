package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// outputBuffer sizes the emitted-batch channel. Flushes are serialized
// under the assembler mutex, so FIFO order is preserved; the buffer only
// needs to absorb short consumer stalls.
const outputBuffer = 256

// Assembler ingests commands and collaboration events, groups them into
// ChangeBatch values under size/time/adaptive-priority rules, and emits
// completed batches on a single FIFO output channel. All methods are safe
// for concurrent use.
//
// Ingestion never fails: every submitted item is either emitted in exactly
// one batch or discarded by an explicit ClearPending (counted in metrics).
type Assembler struct {
	mu  sync.Mutex
	cfg Config

	commands []Command
	events   []CollaborationEvent

	// firstPendingAt is the submission time of the oldest pending item,
	// zero when the pending set is empty. Drives the starvation guard.
	firstPendingAt time.Time

	// debounce is the quiet-period flush timer handle. Every restart is
	// stop-existing then schedule-new, so reconfiguration and teardown
	// never leak timers.
	debounce *time.Timer

	metrics metricsState
	out     chan ChangeBatch
	closed  bool

	// validator, when set, inspects each submitted command. A validation
	// error is logged per item and never blocks ingestion.
	validator func(*Command) error

	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing
}

// NewAssembler creates an assembler with the given configuration. A zero
// MaxBatchDelay, MaxBatchSize, or MinFlushInterval falls back to the
// default value.
func NewAssembler(cfg Config, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxBatchDelay <= 0 {
		cfg.MaxBatchDelay = defaultMaxBatchDelay
	}

	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}

	if cfg.MinFlushInterval <= 0 {
		cfg.MinFlushInterval = defaultMinFlushInterval
	}

	a := &Assembler{
		cfg:     cfg,
		out:     make(chan ChangeBatch, outputBuffer),
		logger:  logger,
		nowFunc: time.Now,
	}

	// Seed lastFlush so the starvation guard and adaptive flush-age signal
	// measure from construction, not from the Unix epoch.
	a.metrics.lastFlush = a.nowFunc()

	return a
}

// Batches returns the output channel. Batches appear in the order their
// flush conditions were satisfied. The channel is closed by Close.
func (a *Assembler) Batches() <-chan ChangeBatch {
	return a.out
}

// SubmitCommand appends a command to the pending set and evaluates the
// flush rules synchronously. Always accepted; no-op after Close.
func (a *Assembler) SubmitCommand(cmd Command) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if a.validator != nil {
		if err := a.validator(&cmd); err != nil {
			a.logger.Warn("command failed validation",
				slog.String("type", string(cmd.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	a.commands = append(a.commands, cmd)
	a.noteIngestLocked()
	a.evaluateLocked()
}

// SetValidator installs a per-command validator. Validation problems are
// reported through the log and never reject the command.
func (a *Assembler) SetValidator(fn func(*Command) error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.validator = fn
}

// SubmitEvent appends a collaboration event to the pending set and
// evaluates the flush rules synchronously. Always accepted; no-op after
// Close.
func (a *Assembler) SubmitEvent(evt CollaborationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	a.events = append(a.events, evt)
	a.noteIngestLocked()
	a.evaluateLocked()
}

// ForceFlush flushes the pending set as a HIGH-priority batch. No-op when
// nothing is pending.
func (a *Assembler) ForceFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.pendingLocked() == 0 {
		return
	}

	a.flushLocked(PriorityHigh, "force")
}

// ClearPending discards all pending items without emitting a batch and
// adds the discarded count to the dropped-change counter.
func (a *Assembler) ClearPending() {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.pendingLocked()
	if n == 0 {
		return
	}

	a.metrics.dropped += int64(n)
	a.resetPendingLocked()
	a.stopDebounceLocked()

	a.logger.Debug("pending changes cleared",
		slog.Int("dropped", n),
	)
}

// UpdateConfig merges a partial configuration update. Changes take effect
// on the next flush evaluation; already-scheduled timers are left alone.
func (a *Assembler) UpdateConfig(patch ConfigPatch) {
	a.mu.Lock()
	defer a.mu.Unlock()

	patch.apply(&a.cfg)

	a.logger.Debug("batching config updated",
		slog.Duration("max_batch_delay", a.cfg.MaxBatchDelay),
		slog.Int("max_batch_size", a.cfg.MaxBatchSize),
		slog.Duration("min_flush_interval", a.cfg.MinFlushInterval),
		slog.Bool("adaptive", a.cfg.EnableAdaptiveBatching),
	)
}

// Config returns a copy of the current configuration.
func (a *Assembler) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cfg
}

// Metrics returns an immutable snapshot of the running counters.
func (a *Assembler) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.metrics.snapshot()
}

// Pending returns the number of items awaiting flush.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.pendingLocked()
}

// Close stops the flush timer, discards any pending items, and closes the
// output channel. No batches are emitted after Close returns.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	a.closed = true
	a.stopDebounceLocked()

	if n := a.pendingLocked(); n > 0 {
		a.logger.Debug("assembler closed with pending changes",
			slog.Int("pending", n),
		)
	}

	a.resetPendingLocked()
	close(a.out)
}

// noteIngestLocked stamps the oldest-pending time on the first item of a
// new pending set.
func (a *Assembler) noteIngestLocked() {
	if a.firstPendingAt.IsZero() {
		a.firstPendingAt = a.nowFunc()
	}
}

// evaluateLocked runs the flush decision rules after an ingestion:
//
//  1. Size rule: pending count at MaxBatchSize flushes NORMAL immediately.
//  2. Adaptive rule: when enabled, a HIGH pressure signal flushes
//     immediately at the computed priority.
//  3. Starvation guard: when the last flush is at least MinFlushInterval
//     old and the oldest pending item has waited a full MaxBatchDelay
//     (sustained ingestion keeps restarting the debounce timer), flush
//     LOW so forward progress is guaranteed under load.
//  4. Otherwise restart the quiet-period debounce timer.
func (a *Assembler) evaluateLocked() {
	now := a.nowFunc()

	if a.pendingLocked() >= a.cfg.MaxBatchSize {
		a.flushLocked(PriorityNormal, "size")
		return
	}

	if a.cfg.EnableAdaptiveBatching {
		if p := a.adaptivePriorityLocked(now); p >= PriorityHigh {
			a.flushLocked(p, "adaptive")
			return
		}
	}

	if now.Sub(a.metrics.lastFlush) >= a.cfg.MinFlushInterval &&
		now.Sub(a.firstPendingAt) >= a.cfg.MaxBatchDelay {
		a.flushLocked(PriorityLow, "starvation")
		return
	}

	a.restartDebounceLocked()
}

// adaptivePriorityLocked computes the batch priority from three
// independent pressure signals: rolling mean processing time, pending
// item count, and time since the last flush.
func (a *Assembler) adaptivePriorityLocked(now time.Time) Priority {
	t := a.cfg.Adaptive
	pending := a.pendingLocked()
	flushAge := now.Sub(a.metrics.lastFlush)

	switch {
	case a.metrics.averageProcessing() > t.HighProcessingTime,
		pending > t.HighPendingCount,
		flushAge > t.HighFlushAge:
		return PriorityHigh
	case pending > t.NormalPendingCount,
		flushAge > t.NormalFlushAge:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// restartDebounceLocked arms the quiet-period timer: stop the existing
// handle if any, then schedule a new one for MaxBatchDelay.
func (a *Assembler) restartDebounceLocked() {
	a.stopDebounceLocked()
	a.debounce = time.AfterFunc(a.cfg.MaxBatchDelay, a.onDebounce)
}

// stopDebounceLocked cancels the quiet-period timer if one is armed.
func (a *Assembler) stopDebounceLocked() {
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
}

// onDebounce fires when a full MaxBatchDelay elapses with no new
// submissions. Flushes NORMAL, deferring if the minimum flush interval
// has not yet elapsed since the previous flush.
func (a *Assembler) onDebounce() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.pendingLocked() == 0 {
		return
	}

	if wait := a.cfg.MinFlushInterval - a.nowFunc().Sub(a.metrics.lastFlush); wait > 0 {
		a.stopDebounceLocked()
		a.debounce = time.AfterFunc(wait, a.onDebounce)

		return
	}

	a.flushLocked(PriorityNormal, "debounce")
}

// pendingLocked returns the current pending item count.
func (a *Assembler) pendingLocked() int {
	return len(a.commands) + len(a.events)
}

// resetPendingLocked clears the pending buffers.
func (a *Assembler) resetPendingLocked() {
	a.commands = nil
	a.events = nil
	a.firstPendingAt = time.Time{}
}

// flushLocked constructs a batch from the pending set, updates metrics,
// and emits it. Called only with at least one pending item. The send is
// non-blocking: flushes happen on submission goroutines and timer
// callbacks, neither of which may stall on a slow consumer.
func (a *Assembler) flushLocked(priority Priority, reason string) {
	start := a.nowFunc()

	b := ChangeBatch{
		ID:        uuid.NewString(),
		Commands:  a.commands,
		Events:    a.events,
		Timestamp: start,
		Priority:  priority,
	}
	b.Metadata = buildMetadata(b.Commands, b.Events)

	size := b.Size()

	a.resetPendingLocked()
	a.stopDebounceLocked()
	a.metrics.recordFlush(size, a.nowFunc().Sub(start), start)

	select {
	case a.out <- b:
		a.logger.Debug("batch emitted",
			slog.String("batch_id", b.ID),
			slog.Int("size", size),
			slog.String("priority", priority.String()),
			slog.String("reason", reason),
		)
	default:
		a.logger.Warn("batch discarded: output channel full",
			slog.String("batch_id", b.ID),
			slog.Int("size", size),
		)
	}
}
