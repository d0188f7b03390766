package model

// BridgeState is the position of a bridge's scheduling loop within its cycle.
type BridgeState string

const (
	BridgeStateInitializing        BridgeState = "INITIALIZING"
	BridgeStateAwaitRequiredWindow BridgeState = "AWAIT_REQUIRED_WINDOW"
	BridgeStateRequiredRead        BridgeState = "REQUIRED_READ"
	BridgeStateOptionalRead1       BridgeState = "OPTIONAL_READ_1"
	BridgeStateAwaitWrite          BridgeState = "AWAIT_WRITE"
	BridgeStateWrite               BridgeState = "WRITE"
	BridgeStateOptionalRead2       BridgeState = "OPTIONAL_READ_2"
	BridgeStateFaulted             BridgeState = "FAULTED"
	BridgeStateStopped             BridgeState = "STOPPED"
)

// String returns the string representation of the bridge state.
func (s BridgeState) String() string {
	return string(s)
}

// IsCycling returns true if the loop is inside a regular cycle (not
// initializing, faulted or stopped).
func (s BridgeState) IsCycling() bool {
	switch s {
	case BridgeStateAwaitRequiredWindow, BridgeStateRequiredRead, BridgeStateOptionalRead1,
		BridgeStateAwaitWrite, BridgeStateWrite, BridgeStateOptionalRead2:
		return true
	}
	return false
}

// cycleOrder lists the states of one regular cycle in execution order.
var cycleOrder = []BridgeState{
	BridgeStateAwaitRequiredWindow,
	BridgeStateRequiredRead,
	BridgeStateOptionalRead1,
	BridgeStateAwaitWrite,
	BridgeStateWrite,
	BridgeStateOptionalRead2,
}

// Next returns the state that follows s in a regular cycle. The last cycle
// state wraps around to AWAIT_REQUIRED_WINDOW; INITIALIZING and FAULTED lead
// into a new cycle (FAULTED via re-initialization).
func (s BridgeState) Next() BridgeState {
	switch s {
	case BridgeStateInitializing:
		return BridgeStateAwaitRequiredWindow
	case BridgeStateFaulted:
		return BridgeStateInitializing
	case BridgeStateStopped:
		return BridgeStateStopped
	}
	for i, st := range cycleOrder {
		if st == s {
			return cycleOrder[(i+1)%len(cycleOrder)]
		}
	}
	return BridgeStateInitializing
}
