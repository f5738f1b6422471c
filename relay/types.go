package relay

import "strings"

// AuthMode is the bit set describing how a session authenticates.
type AuthMode int

// AuthMode bits.
const (
	AuthModeAnonymous AuthMode = 1 << iota
	AuthModeAutoCreate
	AuthModeNoDelivery
)

// Has reports whether all bits of flag are set.
func (mode AuthMode) Has(flag AuthMode) bool {
	return mode&flag == flag
}

func (mode AuthMode) String() string {
	if mode == 0 {
		return "none"
	}
	parts := make([]string, 0, 3)
	if mode.Has(AuthModeAnonymous) {
		parts = append(parts, "anonymous")
	}
	if mode.Has(AuthModeAutoCreate) {
		parts = append(parts, "autocreate")
	}
	if mode.Has(AuthModeNoDelivery) {
		parts = append(parts, "nodelivery")
	}
	return strings.Join(parts, "|")
}

// ConnectionOptions tunes a connect call.
type ConnectionOptions struct {
	// AutoCreate asks the server to create an unknown account on login.
	AutoCreate bool
	// SuspendDelivery logs in without server-side delivery until ResumeDelivery.
	SuspendDelivery bool
}

// connectRequest is the normalized form of a connect call.
type connectRequest struct {
	options    ConnectionOptions
	anonymous  bool
	username   string
	credential []byte
}

func (request connectRequest) authMode() AuthMode {
	var mode AuthMode
	if request.anonymous {
		mode |= AuthModeAnonymous
	}
	if request.options.AutoCreate {
		mode |= AuthModeAutoCreate
	}
	return mode
}

func (request connectRequest) sameAnonymousSession(other connectRequest) bool {
	return request.anonymous && other.anonymous && request.options == other.options
}

// SessionState is the connection state of a Client.
type SessionState int

// Session states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDisconnecting
	StateReconnecting
)

func (state SessionState) String() string {
	switch state {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ConnectionEvent is delivered to listeners on lifecycle changes.
type ConnectionEvent int

// Connection events.
const (
	EventConnected ConnectionEvent = iota + 1
	EventReconnecting
	EventAuthenticationFailure
	EventConnectionFailed
	EventDisconnected
	EventPushRegistrationFailed
)

func (event ConnectionEvent) String() string {
	switch event {
	case EventConnected:
		return "CONNECTED"
	case EventReconnecting:
		return "RECONNECTING"
	case EventAuthenticationFailure:
		return "AUTHENTICATION_FAILURE"
	case EventConnectionFailed:
		return "CONNECTION_FAILED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventPushRegistrationFailed:
		return "PUSH_REGISTRATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Transport priority levels used by SuspendDelivery and ResumeDelivery.
const (
	PriorityNotAvailable = -1
	PriorityAvailable    = 0
)

// ConnectionInfo is an immutable snapshot of the configuration and identity
// used for the current connection.
type ConnectionInfo struct {
	Settings         Settings
	Username         string
	PushToken        string
	PushTokenVersion int
	PushEnabled      bool
	AuthMode         AuthMode
	credential       []byte
}

// Anonymous reports whether the snapshot describes an anonymous session.
func (info ConnectionInfo) Anonymous() bool {
	return info.AuthMode.Has(AuthModeAnonymous)
}
