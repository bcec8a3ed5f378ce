package session

import "gwi.com/assistant-chat/internal/client"

type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
	// AuthFailed is transient: it is published once and then collapses to Anonymous.
	AuthFailed
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case AuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Outcome tells a SignIn caller whether identity was established in-process or
// whether the flow continues through a full-page redirect.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota
	OutcomeRedirecting
)

func (o Outcome) String() string {
	if o == OutcomeRedirecting {
		return "redirecting"
	}
	return "authenticated"
}

// Snapshot is an immutable view of the session. User is never mutated in
// place; every transition publishes a new record.
type Snapshot struct {
	State           State
	User            *client.User
	IsAuthenticated bool
	IsLoading       bool
	Strategy        StrategyKind
}
