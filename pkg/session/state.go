package session

import "fmt"

// State is the login state machine.
//
//	Unauthenticated -> Phase1Authenticating -> Phase1Failed | Phase1Authenticated
//	Phase1Authenticated -> Phase2Authenticating -> Phase2Failed | Authenticated
//	Authenticated -> Unauthenticated (Close, Logout, failed HealthCheck)
//	Unauthenticated -> Authenticated (Restore only, see canRestore)
type State int

const (
	Unauthenticated State = iota
	Phase1Authenticating
	Phase1Failed
	Phase1Authenticated
	Phase2Authenticating
	Phase2Failed
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Phase1Authenticating:
		return "phase1-authenticating"
	case Phase1Failed:
		return "phase1-failed"
	case Phase1Authenticated:
		return "phase1-authenticated"
	case Phase2Authenticating:
		return "phase2-authenticating"
	case Phase2Failed:
		return "phase2-failed"
	case Authenticated:
		return "authenticated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// canTransition reports whether from -> to is a legal edge. Any state may
// drop back to Unauthenticated, and a new login may start from any state
// that is not mid-login.
func canTransition(from, to State) bool {
	switch to {
	case Unauthenticated:
		return true
	case Phase1Authenticating:
		return from != Phase1Authenticating && from != Phase2Authenticating
	case Phase1Failed, Phase1Authenticated:
		return from == Phase1Authenticating
	case Phase2Authenticating:
		return from == Phase1Authenticated
	case Phase2Failed, Authenticated:
		return from == Phase2Authenticating
	}
	return false
}

// canRestore reports whether a snapshot may be loaded in state from. A
// snapshot with both phases logged in skips phase 1, so it is only accepted
// by a manager that has not started a login.
func canRestore(from State) bool {
	return from == Unauthenticated
}

