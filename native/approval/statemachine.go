package approval

import "time"

// transitionTable enumerates every allowed VersionStatus transition. A
// status absent from the map, or a destination absent from its slice, is
// disallowed.
var transitionTable = map[VersionStatus][]VersionStatus{
	VersionCreated:    {VersionPendingVVB, VersionActive, VersionRejected, VersionExpired},
	VersionPendingVVB: {VersionActive, VersionRejected, VersionExpired},
	VersionActive:     {VersionReplaced, VersionArchived, VersionExpired},
	VersionReplaced:   {VersionArchived},
	VersionRejected:   {VersionArchived},
	VersionExpired:    {VersionArchived},
	VersionArchived:   nil,
}

// statusTimeouts gives the maximum dwell time for each status before a
// sweeper should act on it. A zero duration means "act immediately"; a
// negative duration means "no timeout".
var statusTimeouts = map[VersionStatus]time.Duration{
	VersionCreated:    30 * 24 * time.Hour,
	VersionPendingVVB: 7 * 24 * time.Hour,
	VersionActive:     365 * 24 * time.Hour,
	VersionReplaced:   365 * 24 * time.Hour,
	VersionRejected:   90 * 24 * time.Hour,
	VersionExpired:    0,
	VersionArchived:   -1,
}

// StateMachine is the single source of truth for allowed TokenVersion status
// transitions. It holds no state of its own.
type StateMachine struct{}

// NewStateMachine constructs a StateMachine.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// Allowed reports whether a version may move from one status to another.
// Self-transitions are always disallowed.
func (sm *StateMachine) Allowed(from, to VersionStatus) bool {
	if from == to {
		return false
	}
	for _, candidate := range transitionTable[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no further allowed transitions.
func (sm *StateMachine) IsTerminal(status VersionStatus) bool {
	return len(transitionTable[status]) == 0
}

// Timeout returns the dwell-time budget for a status and whether one exists.
func (sm *StateMachine) Timeout(status VersionStatus) (time.Duration, bool) {
	d, ok := statusTimeouts[status]
	if !ok || d < 0 {
		return 0, false
	}
	return d, true
}
