// Package quality classifies link quality from a sliding window of round-trip samples.
package quality

import "time"

// Label is a coarse classification of recent round-trip latency.
type Label string

// Quality labels from best to worst.
const (
	LabelUnknown   Label = "unknown"
	LabelExcellent Label = "excellent"
	LabelGood      Label = "good"
	LabelFair      Label = "fair"
	LabelPoor      Label = "poor"
)

// Label thresholds applied to the window mean.
const (
	ExcellentBelow = 100 * time.Millisecond
	GoodBelow      = 300 * time.Millisecond
	FairBelow      = 1000 * time.Millisecond
)

// DefaultWindowSize is the number of samples kept when none is configured.
const DefaultWindowSize = 10

// Classify maps a mean round-trip time onto a Label.
func Classify(avg time.Duration) Label {
	switch {
	case avg < ExcellentBelow:
		return LabelExcellent
	case avg < GoodBelow:
		return LabelGood
	case avg < FairBelow:
		return LabelFair
	default:
		return LabelPoor
	}
}

// Snapshot is the estimator state after a sample.
type Snapshot struct {
	Label   Label
	Average time.Duration
	Samples int
}

// Estimator keeps a bounded FIFO of RTT samples. It is not safe for concurrent use.
type Estimator struct {
	window []time.Duration
	next   int
	count  int
	sum    time.Duration
	label  Label
}

// NewEstimator creates an Estimator holding at most size samples.
func NewEstimator(size int) *Estimator {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Estimator{
		window: make([]time.Duration, size),
		label:  LabelUnknown,
	}
}

// Record pushes a sample, evicting the oldest when full, and reports whether the label changed.
func (e *Estimator) Record(rtt time.Duration) (Snapshot, bool) {
	if rtt < 0 {
		rtt = 0
	}
	if e.count == len(e.window) {
		e.sum -= e.window[e.next]
	} else {
		e.count++
	}
	e.window[e.next] = rtt
	e.sum += rtt
	e.next = (e.next + 1) % len(e.window)

	prev := e.label
	e.label = Classify(e.average())
	return e.Snapshot(), e.label != prev
}

// Reset empties the window. The label returns to unknown.
func (e *Estimator) Reset() {
	clear(e.window)
	e.next = 0
	e.count = 0
	e.sum = 0
	e.label = LabelUnknown
}

// Snapshot returns the current label, mean and sample count.
func (e *Estimator) Snapshot() Snapshot {
	return Snapshot{Label: e.label, Average: e.average(), Samples: e.count}
}

// Samples returns the window contents, oldest first.
func (e *Estimator) Samples() []time.Duration {
	out := make([]time.Duration, 0, e.count)
	start := (e.next - e.count + len(e.window)) % len(e.window)
	for i := 0; i < e.count; i++ {
		out = append(out, e.window[(start+i)%len(e.window)])
	}
	return out
}

func (e *Estimator) average() time.Duration {
	if e.count == 0 {
		return 0
	}
	return e.sum / time.Duration(e.count)
}
