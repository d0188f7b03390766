package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewRead(t *testing.T) {
	ran := false
	r := NewRead("inverter0/active_power", "1", PriorityRequired, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if r.Name() != "inverter0/active_power" || r.Endpoint() != "1" {
		t.Errorf("identity = %q/%q", r.Name(), r.Endpoint())
	}
	if r.Priority() != PriorityRequired {
		t.Errorf("Priority() = %v, want required", r.Priority())
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Error("task function was not called")
	}
}

func TestTotalCost(t *testing.T) {
	a := NewRead("a", "", PriorityRequired, func(context.Context) error { return nil })
	b := NewRead("b", "", PriorityRequired, func(context.Context) error { return nil })
	for i := 0; i < EstimatorWindow; i++ {
		a.Estimator().Record(50 * time.Millisecond)
		b.Estimator().Record(30 * time.Millisecond)
	}
	if got, want := TotalCost([]ReadTask{a, b}), 80*time.Millisecond; got != want {
		t.Errorf("TotalCost = %v, want %v", got, want)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", PriorityOptional, false},
		{"optional", PriorityOptional, false},
		{"low", PriorityOptional, false},
		{"required", PriorityRequired, false},
		{"high", PriorityRequired, false},
		{"urgent", PriorityOptional, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePriority(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     Outcome
		endpoint string
	}{
		{"nil", nil, OutcomeSuccess, ""},
		{"not ready", fmt.Errorf("register busy: %w", ErrNotReady), OutcomeRetryable, ""},
		{"defective", Defective("7", errors.New("timeout")), OutcomeDefective, "7"},
		{"wrapped defective", fmt.Errorf("read: %w", Defective("host:80", errors.New("refused"))), OutcomeDefective, "host:80"},
		{"plain", errors.New("crc mismatch"), OutcomeFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ep := Classify(tt.err)
			if got != tt.want || ep != tt.endpoint {
				t.Errorf("Classify = (%v, %q), want (%v, %q)", got, ep, tt.want, tt.endpoint)
			}
		})
	}
}

func TestDefectiveError_Unwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := Defective("3", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(DefectiveError, cause) = false")
	}
	if err.Error() != "endpoint 3 defective: timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
}
