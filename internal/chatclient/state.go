package chatclient

// Status is the connection state machine position.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

// String returns the lowercase state name used in logs and metrics labels.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is one entry in the published connection-state sequence. Err is set
// only when Status is StatusFailed. A failed state with a non-fatal error
// (see SessionError.Fatal) is a signal, not a terminal transition: the socket
// stays open and the caller decides whether to retry the originating action.
type State struct {
	Status Status
	Err    *SessionError
}

// AuthInfo is the successful outcome of the auth handshake. The replay fields
// describe the burst of historical messages the provider resends before live
// traffic begins; callers that care about the replay/live boundary count
// ReplayCount inbound messages themselves.
type AuthInfo struct {
	UserID          string
	SessionID       string
	ReplayCount     int
	ReplayTruncated bool
	HistoryReset    bool
}
