package task

import (
	"testing"
	"time"
)

func TestEstimator_NeverRunEstimatesZero(t *testing.T) {
	e := NewEstimator()
	if got := e.Estimate(); got != 0 {
		t.Errorf("Estimate() = %v, want 0", got)
	}
	if got := e.Samples(); got != 0 {
		t.Errorf("Samples() = %d, want 0", got)
	}
}

func TestEstimator_BiasedLowUntilWarm(t *testing.T) {
	e := NewEstimator()
	e.Record(50 * time.Millisecond)

	// One sample averaged with four zero slots.
	if got, want := e.Estimate(), 10*time.Millisecond; got != want {
		t.Errorf("Estimate() = %v, want %v", got, want)
	}
}

func TestEstimator_ConvergesAfterFullWindow(t *testing.T) {
	e := NewEstimator()
	d := 37 * time.Millisecond
	for i := 0; i < EstimatorWindow; i++ {
		e.Record(d)
	}
	if got := e.Estimate(); got != d {
		t.Errorf("Estimate() = %v, want %v", got, d)
	}
	if got := e.Samples(); got != EstimatorWindow {
		t.Errorf("Samples() = %d, want %d", got, EstimatorWindow)
	}
}

func TestEstimator_EvictsOldest(t *testing.T) {
	e := NewEstimator()
	e.Record(time.Second)
	for i := 0; i < EstimatorWindow; i++ {
		e.Record(10 * time.Millisecond)
	}
	if got, want := e.Estimate(), 10*time.Millisecond; got != want {
		t.Errorf("Estimate() = %v, want %v (oldest sample not evicted)", got, want)
	}
}

func TestEstimator_NegativeClampedToZero(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < EstimatorWindow; i++ {
		e.Record(-time.Second)
	}
	if got := e.Estimate(); got != 0 {
		t.Errorf("Estimate() = %v, want 0", got)
	}
}
