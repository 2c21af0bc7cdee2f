package recorder

import "time"

// State is the lifecycle position of the recording session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// holdsBundle reports whether a bundle may exist in this state.
func (s State) holdsBundle() bool {
	return s == StateStarting || s == StateRecording || s == StateStopping
}

// Status is the event published to controllers whenever the recording
// status changes or is requested.
type Status struct {
	IsRecording bool
	State       State
	AttemptID   string
	TargetURL   string
	Reason      string
	At          time.Time
}

// Snapshot is the externally visible state of a session. It is copied out by
// the session goroutine and never references live resources.
type Snapshot struct {
	State       State      `json:"-"`
	StateName   string     `json:"state"`
	IsRecording bool       `json:"isRecording"`
	Ready       bool       `json:"ready"`
	AttemptID   string     `json:"attemptId,omitempty"`
	TargetURL   string     `json:"targetUrl,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}
