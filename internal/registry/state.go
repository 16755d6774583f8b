// Package registry owns the authoritative set of managed VM records and
// their lifecycle state machines.
package registry

import (
	"fmt"

	"github.com/veilvm/veil/internal/errdefs"
)

// State is a VM lifecycle state.
type State string

const (
	StateCreated      State = "Created"
	StateConfiguring  State = "Configuring"
	StateStarting     State = "Starting"
	StateRunning      State = "Running"
	StateStopping     State = "Stopping"
	StateStopped      State = "Stopped"
	StateSnapshotting State = "Snapshotting"
	StateRestoring    State = "Restoring"
	StateFailed       State = "Failed"
	StateDestroyed    State = "Destroyed"
)

// validTransitions lists the legal next states for each state. Failed is
// additionally reachable from every state except Destroyed (see
// canTransition), so it is omitted from the rows.
var validTransitions = map[State][]State{
	StateCreated:      {StateConfiguring},
	StateConfiguring:  {StateStopped},
	StateStarting:     {StateRunning},
	StateRunning:      {StateStopping, StateSnapshotting},
	StateStopping:     {StateStopped},
	StateStopped:      {StateStarting, StateSnapshotting, StateRestoring, StateDestroyed},
	StateSnapshotting: {StateRunning, StateStopped},
	StateRestoring:    {StateStopped},
	StateFailed:       {StateStarting, StateDestroyed},
	StateDestroyed:    {},
}

func canTransition(from, to State) bool {
	if from == StateDestroyed {
		return false
	}
	if to == StateFailed {
		// Any live VM may fail on unrecoverable backend error.
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionError builds the caller-contract violation for an illegal move.
func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, from, to)
}

// IsTerminal reports whether the state is terminal. Only Destroyed is
// terminal; a Failed VM still holds its backend handle and reservation
// until explicitly destroyed.
func IsTerminal(s State) bool {
	return s == StateDestroyed
}
