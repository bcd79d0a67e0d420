package migrator

// State is the lifecycle position of a Migrator.
type State int

// Lifecycle states. An Initialize call moves Idle -> Opening and then either
// to Ready, through Upgrading when the stored version is lower, or to Failed.
// A blocked open passes through Blocked and Retrying before opening again.
const (
	StateIdle State = iota
	StateOpening
	StateBlocked
	StateRetrying
	StateUpgrading
	StateReady
	StateFailed
	StateInvalidated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateBlocked:
		return "blocked"
	case StateRetrying:
		return "retrying"
	case StateUpgrading:
		return "upgrading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateInvalidated:
		return "invalidated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
