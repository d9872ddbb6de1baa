package session

// State is a call session's lifecycle state. Transitions are monotonic
// toward StateEnded: once ended, no event moves the session anywhere else.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Role is fixed for the session's lifetime.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// EndReason says why a session reached StateEnded. Every reason maps to a
// distinct user-visible message — a call that just never connects with no
// message is a defect, not an outcome.
type EndReason string

const (
	ReasonNone             EndReason = ""
	ReasonHangup           EndReason = "hangup"
	ReasonRemoteHangup     EndReason = "remote-hangup"
	ReasonDeclined         EndReason = "declined"
	ReasonBusy             EndReason = "busy"
	ReasonTimeout          EndReason = "timeout"
	ReasonMediaDenied      EndReason = "media-denied"
	ReasonConnectionFailed EndReason = "connection-failed"
)

// Message returns the localizable user-facing text for a reason.
func (r EndReason) Message() string {
	switch r {
	case ReasonHangup:
		return "Call ended."
	case ReasonRemoteHangup:
		return "The other side ended the call."
	case ReasonDeclined:
		return "Call declined."
	case ReasonBusy:
		return "The other side is on another call."
	case ReasonTimeout:
		return "No answer."
	case ReasonMediaDenied:
		return "Could not access microphone or camera."
	case ReasonConnectionFailed:
		return "Connection failed."
	default:
		return ""
	}
}
