package account

import "log/slog"

// State is the lifecycle state of the account session
type State int

// Account states
const (
	Start State = iota
	NotAuthenticated
	AuthenticatedNoProfile
	AuthenticatedWithProfile
	AuthenticationProblem
)

func (s State) String() string {
	switch s {
	case Start:
		return "start"
	case NotAuthenticated:
		return "notAuthenticated"
	case AuthenticatedNoProfile:
		return "authenticatedNoProfile"
	case AuthenticatedWithProfile:
		return "authenticatedWithProfile"
	case AuthenticationProblem:
		return "authenticationProblem"
	default:
		return "unknown"
	}
}

func (s State) LogValue() slog.Value { return slog.StringValue(s.String()) }

// EventKind identifies an input to the state machine
type EventKind int

// Event kinds
const (
	EventInitialize EventKind = iota
	EventAccountNotFound
	EventAccountRestored
	EventAuthenticated
	EventAuthenticationError
	EventRecoveredFromAuthenticationProblem
	EventFetchProfile
	EventFetchedProfile
	EventFailedToFetchProfile
	EventLogout
)

func (k EventKind) String() string {
	switch k {
	case EventInitialize:
		return "initialize"
	case EventAccountNotFound:
		return "accountNotFound"
	case EventAccountRestored:
		return "accountRestored"
	case EventAuthenticated:
		return "authenticated"
	case EventAuthenticationError:
		return "authenticationError"
	case EventRecoveredFromAuthenticationProblem:
		return "recoveredFromAuthenticationProblem"
	case EventFetchProfile:
		return "fetchProfile"
	case EventFetchedProfile:
		return "fetchedProfile"
	case EventFailedToFetchProfile:
		return "failedToFetchProfile"
	case EventLogout:
		return "logout"
	default:
		return "unknown"
	}
}

func (k EventKind) LogValue() slog.Value { return slog.StringValue(k.String()) }

// AuthData is the result of an OAuth redirect
type AuthData struct {
	Code     string
	State    string
	AuthType AuthType
}

// Event is a state machine input. Auth is only set for EventAuthenticated.
type Event struct {
	Kind EventKind
	Auth AuthData
}

var transitions = map[State]map[EventKind]State{
	Start: {
		EventInitialize:      Start,
		EventAccountNotFound: NotAuthenticated,
		EventAccountRestored: AuthenticatedNoProfile,
	},
	NotAuthenticated: {
		EventAuthenticated: AuthenticatedNoProfile,
	},
	AuthenticatedNoProfile: {
		EventAuthenticationError:  AuthenticationProblem,
		EventFetchProfile:         AuthenticatedNoProfile,
		EventFetchedProfile:       AuthenticatedWithProfile,
		EventFailedToFetchProfile: AuthenticatedNoProfile,
		EventLogout:               NotAuthenticated,
	},
	AuthenticatedWithProfile: {
		EventAuthenticationError: AuthenticationProblem,
		EventFetchProfile:        AuthenticatedNoProfile,
		EventLogout:              NotAuthenticated,
	},
	AuthenticationProblem: {
		EventAuthenticated:                      AuthenticatedNoProfile,
		EventRecoveredFromAuthenticationProblem: AuthenticatedNoProfile,
		EventLogout:                             NotAuthenticated,
	},
}

// nextState returns the state reached from s on event, or false if the pair is invalid
func nextState(s State, event EventKind) (State, bool) {
	next, ok := transitions[s][event]
	return next, ok
}

// authenticated reports whether s holds a signed-in session
func (s State) authenticated() bool {
	return s == AuthenticatedNoProfile || s == AuthenticatedWithProfile || s == AuthenticationProblem
}
