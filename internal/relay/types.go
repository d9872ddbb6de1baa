package relay

import "time"

// Envelope is one discrete signaling message exchanged through the relay.
// Envelopes are write-once, read-then-delete: the receiving side deletes an
// envelope after applying it so a retry or late joiner never double-applies.
type Envelope struct {
	ID        string        `json:"id"`
	CallID    string        `json:"call_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Payload   SignalPayload `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

// MediaKind is the media requested at call creation. A video track added
// mid-call does not change it — it stays whatever the caller asked for.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CallStatus is the high-level status stored in a StatusRecord.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAccepted CallStatus = "accepted"
	StatusDeclined CallStatus = "declined"
	StatusEnded    CallStatus = "ended"
)

// Terminal reports whether s can never be left once written.
func (s CallStatus) Terminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

// StatusRecord is the single shared source of truth for one call. The caller
// creates it (ringing) and may end it; the callee accepts or declines it.
// No other writes are legal, which is what makes the record safe to share
// without locking — every valid transition is idempotent.
type StatusRecord struct {
	CallID     string     `json:"call_id"`
	Caller     string     `json:"caller"`
	Callee     string     `json:"callee"`
	MediaKind  MediaKind  `json:"media_kind"`
	Status     CallStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}
