package model

import "time"

// CycleStats summarizes one completed bridge cycle.
type CycleStats struct {
	BridgeID         string        `json:"bridge_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
	RequiredReads    int           `json:"required_reads"`
	OptionalReads    int           `json:"optional_reads"`
	Writes           int           `json:"writes"`
	WritesSkipped    bool          `json:"writes_skipped"`
	Failures         int           `json:"failures"`
	BehindSchedule   bool          `json:"behind_schedule"`
	ListenerOverhead time.Duration `json:"listener_overhead_ns"`
}

// Fault records a cycle-level failure of a bridge.
type Fault struct {
	BridgeID   string        `json:"bridge_id"`
	OccurredAt time.Time     `json:"occurred_at"`
	Error      string        `json:"error"`
	Backoff    time.Duration `json:"backoff_ns"`
}

// TaskInfo describes a scheduled task for status output.
type TaskInfo struct {
	Name          string        `json:"name"`
	Endpoint      string        `json:"endpoint,omitempty"`
	Kind          string        `json:"kind"`
	EstimatedCost time.Duration `json:"estimated_cost_ns"`
}

// BridgeStatus is the externally visible state of a bridge.
type BridgeStatus struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Mode      string      `json:"mode"`
	State     BridgeState `json:"state"`
	Sources   []string    `json:"sources"`
	Defective []string    `json:"defective"`
	LastCycle *CycleStats `json:"last_cycle,omitempty"`
	Tasks     []TaskInfo  `json:"tasks,omitempty"`
}

// ChannelValue is the latest value of one device channel.
type ChannelValue struct {
	Device    string    `json:"device"`
	Channel   string    `json:"channel"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the "device/channel" address of the value.
func (v ChannelValue) Key() string {
	return v.Device + "/" + v.Channel
}
