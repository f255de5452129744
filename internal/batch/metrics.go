package batch

import "time"

// processingWindowSize bounds the rolling processing-time sample buffer.
// A simple arithmetic mean over the most recent samples, not exponential
// decay; consumers depend on this exact semantic.
const processingWindowSize = 100

// Metrics is an immutable snapshot of assembler counters, returned by
// Assembler.Metrics. Counters are monotonic except the rolling
// processing-time mean, whose inputs age out of the window.
type Metrics struct {
	// TotalBatches is the number of batches emitted since construction.
	TotalBatches int64
	// TotalChanges is the total item count across all emitted batches.
	TotalChanges int64
	// AverageBatchSize is the true running mean TotalChanges / TotalBatches.
	AverageBatchSize float64
	// AverageProcessingTime is the arithmetic mean of the most recent
	// flush-construction durations (window of 100).
	AverageProcessingTime time.Duration
	// DroppedChanges counts items discarded by explicit ClearPending calls.
	DroppedChanges int64
	// LastFlush is the wall-clock time of the most recent flush, zero if
	// no batch has been emitted yet.
	LastFlush time.Time
}

// metricsState is the assembler-internal mutable counterpart of Metrics.
// Guarded by the assembler mutex.
type metricsState struct {
	totalBatches int64
	totalChanges int64
	dropped      int64
	lastFlush    time.Time

	// Ring buffer of flush-construction durations.
	procSamples [processingWindowSize]time.Duration
	procCount   int // number of valid samples, capped at window size
	procNext    int // next write index
}

// recordFlush updates counters for one emitted batch.
func (m *metricsState) recordFlush(size int, construction time.Duration, at time.Time) {
	m.totalBatches++
	m.totalChanges += int64(size)
	m.lastFlush = at

	m.procSamples[m.procNext] = construction
	m.procNext = (m.procNext + 1) % processingWindowSize

	if m.procCount < processingWindowSize {
		m.procCount++
	}
}

// averageProcessing returns the arithmetic mean over the valid samples,
// zero when no flush has been recorded.
func (m *metricsState) averageProcessing() time.Duration {
	if m.procCount == 0 {
		return 0
	}

	var sum time.Duration
	for i := range m.procCount {
		sum += m.procSamples[i]
	}

	return sum / time.Duration(m.procCount)
}

// snapshot returns an immutable copy for external consumption.
func (m *metricsState) snapshot() Metrics {
	s := Metrics{
		TotalBatches:          m.totalBatches,
		TotalChanges:          m.totalChanges,
		AverageProcessingTime: m.averageProcessing(),
		DroppedChanges:        m.dropped,
		LastFlush:             m.lastFlush,
	}

	if m.totalBatches > 0 {
		s.AverageBatchSize = float64(m.totalChanges) / float64(m.totalBatches)
	}

	return s
}
