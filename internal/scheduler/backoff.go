package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBackoffStep is the growth per consecutive faulted cycle.
const DefaultBackoffStep = time.Second

// linearBackOff grows the fault sleep by one step per consecutive failure:
// next = max(step, previous) + step. Reset after a successful cycle.
type linearBackOff struct {
	step    time.Duration
	current time.Duration
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(step time.Duration) *linearBackOff {
	if step <= 0 {
		step = DefaultBackoffStep
	}
	return &linearBackOff{step: step}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.current = max(b.step, b.current) + b.step
	return b.current
}

func (b *linearBackOff) Reset() {
	b.current = 0
}
