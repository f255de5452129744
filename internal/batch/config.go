package batch

import "time"

// Default batching parameters. These match the tuning the editing surface
// was calibrated against; all of them are overridable at runtime via
// UpdateConfig.
const (
	defaultMaxBatchDelay    = 1000 * time.Millisecond
	defaultMaxBatchSize     = 50
	defaultMinFlushInterval = 16 * time.Millisecond
)

// AdaptiveThresholds holds the pressure-signal cutoffs for adaptive
// priority computation. They are tuning knobs, not invariants, so they
// live in configuration rather than constants.
type AdaptiveThresholds struct {
	// HighProcessingTime escalates to HIGH when the rolling mean
	// flush-construction time exceeds it.
	HighProcessingTime time.Duration
	// HighPendingCount escalates to HIGH when more items than this are pending.
	HighPendingCount int
	// HighFlushAge escalates to HIGH when the last flush is older than this.
	HighFlushAge time.Duration
	// NormalPendingCount escalates to NORMAL when more items than this are pending.
	NormalPendingCount int
	// NormalFlushAge escalates to NORMAL when the last flush is older than this.
	NormalFlushAge time.Duration
}

// Config controls flush behavior. All fields take effect on the next
// evaluation after an update; already-scheduled timers are not rescheduled.
type Config struct {
	// MaxBatchDelay is the quiet-period debounce window: a non-empty pending
	// set flushes this long after the last submission.
	MaxBatchDelay time.Duration
	// MaxBatchSize is the item-count bound; reaching it flushes immediately.
	MaxBatchSize int
	// MinFlushInterval is the lower bound between timer-driven flushes,
	// capping flush frequency under sustained load.
	MinFlushInterval time.Duration
	// EnableAdaptiveBatching turns on priority escalation from pressure
	// signals (pending count, flush age, processing time).
	EnableAdaptiveBatching bool
	// Adaptive holds the pressure thresholds used when adaptive batching
	// is enabled.
	Adaptive AdaptiveThresholds
}

// DefaultConfig returns the standard batching configuration: one-second
// debounce, 50-item batches, 16ms minimum flush spacing, adaptive
// escalation off.
func DefaultConfig() Config {
	return Config{
		MaxBatchDelay:          defaultMaxBatchDelay,
		MaxBatchSize:           defaultMaxBatchSize,
		MinFlushInterval:       defaultMinFlushInterval,
		EnableAdaptiveBatching: false,
		Adaptive:               DefaultAdaptiveThresholds(),
	}
}

// DefaultAdaptiveThresholds returns the standard pressure cutoffs.
func DefaultAdaptiveThresholds() AdaptiveThresholds {
	return AdaptiveThresholds{
		HighProcessingTime: 100 * time.Millisecond,
		HighPendingCount:   30,
		HighFlushAge:       200 * time.Millisecond,
		NormalPendingCount: 10,
		NormalFlushAge:     50 * time.Millisecond,
	}
}

// ConfigPatch is a partial configuration update. Nil fields are left
// unchanged by UpdateConfig.
type ConfigPatch struct {
	MaxBatchDelay          *time.Duration
	MaxBatchSize           *int
	MinFlushInterval       *time.Duration
	EnableAdaptiveBatching *bool
	Adaptive               *AdaptiveThresholds
}

// apply merges the patch into cfg, field by field.
func (p *ConfigPatch) apply(cfg *Config) {
	if p.MaxBatchDelay != nil {
		cfg.MaxBatchDelay = *p.MaxBatchDelay
	}

	if p.MaxBatchSize != nil {
		cfg.MaxBatchSize = *p.MaxBatchSize
	}

	if p.MinFlushInterval != nil {
		cfg.MinFlushInterval = *p.MinFlushInterval
	}

	if p.EnableAdaptiveBatching != nil {
		cfg.EnableAdaptiveBatching = *p.EnableAdaptiveBatching
	}

	if p.Adaptive != nil {
		cfg.Adaptive = *p.Adaptive
	}
}
