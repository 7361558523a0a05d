package workers

import (
	"fmt"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
)

// Status represents the recovery state of a server unit
type Status string

const (
	StatusRunning        Status = "running"         // Healthy or just restarted
	StatusInactive       Status = "inactive"        // One idle reading seen, next one restarts
	StatusFailedRestarts Status = "failed_restarts" // Three restarts did not help, terminal
	StatusMaintenance    Status = "maintenance"     // Control disabled, never touched
)

// statusTransitions lists the statuses reachable from each status
var statusTransitions = map[Status][]Status{
	StatusRunning:        {StatusInactive},
	StatusInactive:       {StatusRunning, StatusFailedRestarts},
	StatusFailedRestarts: {},
	StatusMaintenance:    {},
}

// Evaluated reports whether scheduled checks look at a unit in this status
func (s Status) Evaluated() bool {
	return s == StatusRunning || s == StatusInactive
}

func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is legal
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func initialStatus(controlEnabled bool) Status {
	if controlEnabled {
		return StatusRunning
	}
	return StatusMaintenance
}

func invalidTransitionError(id string, from, to Status) error {
	return errors.NewInternalError(fmt.Sprintf("invalid status transition from '%s' to '%s'", from, to), nil).
		WithContext("server_id", id)
}
