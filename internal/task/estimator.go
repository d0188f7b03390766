package task

import (
	"sync"
	"time"
)

// EstimatorWindow is the number of observed durations an Estimator averages.
const EstimatorWindow = 5

// Estimator is a moving-average cost model for one task. The window starts
// zero-filled, so a task that never ran estimates near zero and the scheduler
// tries it early rather than treating its cost as unknown.
type Estimator struct {
	mu      sync.Mutex
	samples [EstimatorWindow]time.Duration
	next    int
	count   int
}

// NewEstimator returns an Estimator with an all-zero window.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Record appends an observed duration, evicting the oldest once the window
// is full.
func (e *Estimator) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	e.samples[e.next] = d
	e.next = (e.next + 1) % EstimatorWindow
	if e.count < EstimatorWindow {
		e.count++
	}
	e.mu.Unlock()
}

// Estimate returns the mean over the full window, including zero-filled
// slots that have not been recorded yet.
func (e *Estimator) Estimate() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum time.Duration
	for _, s := range e.samples {
		sum += s
	}
	return sum / EstimatorWindow
}

// Samples returns how many durations have been recorded, capped at the
// window size.
func (e *Estimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}
