// Package resync implements the resynchronization half of the
// collaboration engine: a debounced, retryable, single-flight protocol
// that reconciles the local graph model against the server-of-record
// diagram snapshot.
package resync

import (
	"context"
	"time"

	"github.com/tmeditor/collabengine/internal/diagram"
)

// Default coordinator parameters.
const (
	defaultDebounce   = 500 * time.Millisecond
	defaultMaxRetries = 3
	defaultRetryDelay = 2000 * time.Millisecond
)

// GraphHandle is a borrowed reference to the graph surface. The
// coordinator passes it through to the cell loader and never owns or
// destroys it.
type GraphHandle any

// AdapterHandle is a borrowed reference to the graph adapter, passed
// through like GraphHandle.
type AdapterHandle any

// LoadOptions controls how fetched cells are applied to the graph.
type LoadOptions struct {
	// ClearExisting replaces the graph's cell set instead of merging.
	ClearExisting bool
	// UpdateEmbedding recomputes parent/child embedding after load.
	UpdateEmbedding bool
	// Source tags the load origin so downstream layers can distinguish
	// resync-applied cells from local edits.
	Source string
}

// SnapshotFetcher retrieves the authoritative diagram snapshot. The read
// must be idempotent: the coordinator retries it on transient failure.
// A nil snapshot with a nil error means the diagram was not found.
type SnapshotFetcher interface {
	GetDiagramSnapshot(ctx context.Context, threatModelID, diagramID string) (*diagram.Snapshot, error)
}

// CellLoader applies a snapshot's cells to the bound graph. Errors (and
// panics, which the coordinator recovers) are treated as retryable
// resync failures, never silent successes.
type CellLoader interface {
	LoadCells(cells []diagram.Cell, graph GraphHandle, diagramID string, adapter AdapterHandle, opts LoadOptions) error
}

// SharedState is the application-state collaborator the coordinator
// notifies around a resync.
type SharedState interface {
	// UpdateState advances the shared update vector. Called only when the
	// snapshot carried one.
	UpdateState(updateVector int64, origin string)
	// SetApplyingRemoteChange toggles the local-echo suppression flag for
	// the duration of cell application.
	SetApplyingRemoteChange(applying bool)
	// ResyncComplete signals that a resync finished successfully.
	ResyncComplete()
}

// Config controls debounce and retry behavior. Updates merge in via
// UpdateConfig and take effect on the next scheduling decision.
type Config struct {
	// Debounce is the coalescing window for repeated triggers: a fetch
	// begins only after this long passes with no further trigger.
	Debounce time.Duration
	// MaxRetries is the number of retry waits after the initial failed
	// attempt before the sequence is declared exhausted.
	MaxRetries int
	// RetryDelay is the base backoff delay; retry n waits
	// RetryDelay * 2^(n-1).
	RetryDelay time.Duration
}

// DefaultConfig returns the standard coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:   defaultDebounce,
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
	}
}

// ConfigPatch is a partial configuration update. Nil fields are left
// unchanged.
type ConfigPatch struct {
	Debounce   *time.Duration
	MaxRetries *int
	RetryDelay *time.Duration
}

// apply merges the patch into cfg.
func (p *ConfigPatch) apply(cfg *Config) {
	if p.Debounce != nil {
		cfg.Debounce = *p.Debounce
	}

	if p.MaxRetries != nil {
		cfg.MaxRetries = *p.MaxRetries
	}

	if p.RetryDelay != nil {
		cfg.RetryDelay = *p.RetryDelay
	}
}

// StartedEvent is emitted once per debounce-settled trigger, before the
// first fetch attempt.
type StartedEvent struct {
	DiagramID string
	Timestamp time.Time
}

// CompletedEvent is emitted exactly once per trigger sequence that runs
// to a terminal state. Error is empty on success.
type CompletedEvent struct {
	Success      bool
	CellsUpdated int
	Timestamp    time.Time
	Error        string
}
