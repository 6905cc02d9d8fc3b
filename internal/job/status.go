package job

// Status is the canonical job state tracked by the controller.
//
// The graph is monotone forward:
//
//	Created -> Submitted -> Running -> Succeeded | Failed
//
// Deleted is reachable from any state and is terminal. Unknown is entered
// when the monitor loses contact with the backend and may be exited back
// into any non-terminal state (or straight to a terminal one) once the
// backend confirms where the job really is.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
	StatusUnknown   Status = "unknown"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusSubmitted, StatusRunning, StatusSucceeded,
		StatusFailed, StatusDeleted, StatusUnknown:
		return true
	}
	return false
}

// CanTransition reports whether moving from -> to follows the state graph.
// Self-transitions are not transitions and return false.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusDeleted {
		return true
	}
	if from.Terminal() {
		return false
	}

	switch from {
	case StatusCreated:
		return to == StatusSubmitted || to == StatusUnknown
	case StatusSubmitted:
		// A backend may report completion without the monitor ever
		// observing the running phase.
		return to == StatusRunning || to == StatusSucceeded ||
			to == StatusFailed || to == StatusUnknown
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusUnknown
	case StatusUnknown:
		// Re-entry is driven by the backend's confirmed state.
		return to == StatusSubmitted || to == StatusRunning ||
			to == StatusSucceeded || to == StatusFailed
	}
	return false
}
