package refresh

import "time"

// State is the controller's position in a refresh cycle.
type State int32

const (
	Idle State = iota
	Fetching
	Building
	Materializing
	Validating
	Activating
	RollingBack
)

var stateNames = [...]string{
	Idle:          "IDLE",
	Fetching:      "FETCHING",
	Building:      "BUILDING",
	Materializing: "MATERIALIZING",
	Validating:    "VALIDATING",
	Activating:    "ACTIVATING",
	RollingBack:   "ROLLING_BACK",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Result string

const (
	ResultActivated     Result = "activated"
	ResultUnchanged     Result = "unchanged"
	ResultRolledBack    Result = "rolled_back"
	ResultRestoreFailed Result = "restore_failed"
)

// Outcome summarises one refresh cycle.
type Outcome struct {
	ID     string `json:"id"`
	Result Result `json:"result"`
	// Phase is where the cycle failed; meaningful only for failures.
	Phase      State         `json:"phase"`
	Reason     string        `json:"reason,omitempty"`
	Members    []string      `json:"members,omitempty"`
	BackupPath string        `json:"backup,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration_ns"`
}

func (o Outcome) Succeeded() bool {
	return o.Result == ResultActivated || o.Result == ResultUnchanged
}
