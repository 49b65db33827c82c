package escalation

import (
	"fmt"
	"strings"
)

// State is the escalation state of one notification.
type State int32

const (
	Pending State = iota
	Step0
	Step1
	Step2
	Acknowledged
	Informed
	Cancelled
	Snoozed
)

var stateNames = [...]string{
	Pending:      "pending",
	Step0:        "step0",
	Step1:        "step1",
	Step2:        "step2",
	Acknowledged: "acknowledged",
	Informed:     "informed",
	Cancelled:    "cancelled",
	Snoozed:      "snoozed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Informed || s == Cancelled || s == Snoozed
}

// Preempted reports whether the state was reached by an external signal
// rather than by the step timer.
func (s State) Preempted() bool {
	return s == Acknowledged || s == Cancelled || s == Snoozed
}

// stepState maps a step index to its state.
func stepState(k int) State {
	return Step0 + State(k)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("escalation: unknown state %q", string(b))
}
