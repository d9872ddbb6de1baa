// Package relay implements the store-and-forward signaling channel between
// two call parties. The parties have no direct connection until WebRTC
// negotiation completes, so every offer, answer and ICE candidate travels
// through these tables, and the shared StatusRecord is what both ends
// reconcile against.
package relay

import (
	"context"
	"errors"
)

// ErrNotFound is returned by point reads for an unknown call ID.
var ErrNotFound = errors.New("relay: not found")

// ErrStatusExists is returned by CreateStatus when the call ID is taken.
var ErrStatusExists = errors.New("relay: status record exists")

// Client is the only surface the session and ringer packages consume.
// *Store satisfies it; tests inject fakes.
//
// Push subscriptions are at-least-once and may silently miss rows written
// before the subscription existed. Consumers must do a catch-up
// FetchPending (or PollStatus) right after subscribing — that fetch is a
// first-class step of session setup, not an optimization.
type Client interface {
	// Send appends one envelope. Errors propagate so the caller can retry
	// or abort session setup; there is no silent failure path.
	Send(ctx context.Context, env Envelope) error

	// FetchPending returns all not-yet-consumed envelopes for the call and
	// recipient, oldest first. It does not consume them.
	FetchPending(ctx context.Context, callID, to string) ([]Envelope, error)

	// DeleteEnvelope removes one consumed envelope. Deleting an unknown ID
	// is not an error.
	DeleteEnvelope(ctx context.Context, id string) error

	// PurgeCall removes every remaining envelope for a call. Best-effort
	// cleanup after the call is over; leftover rows are harmless.
	PurgeCall(ctx context.Context, callID string) error

	// CreateStatus writes a fresh StatusRecord. Fails with ErrStatusExists
	// if the call ID is already taken.
	CreateStatus(ctx context.Context, rec StatusRecord) error

	// PollStatus is the authoritative point read of a call's status.
	PollStatus(ctx context.Context, callID string) (StatusRecord, error)

	// UpdateStatus conditionally advances a call's status. Transitions are
	// monotonic: a terminal status is never overwritten and accepted only
	// applies to a ringing call. A rejected transition returns (false, nil)
	// — applying the same transition twice is a safe no-op by design.
	UpdateStatus(ctx context.Context, callID string, status CallStatus, reason string) (bool, error)

	// AcceptedCallFor returns the newest accepted record naming callee, if
	// any. Used for late-join reconciliation when acceptance happened
	// through a different surface than the one running the live call.
	AcceptedCallFor(ctx context.Context, callee string) (StatusRecord, bool, error)

	// RingingCallFor returns the oldest still-ringing record naming callee,
	// if any. The incoming-call listener's catch-up and poll backup.
	RingingCallFor(ctx context.Context, callee string) (StatusRecord, bool, error)

	// SubscribeEnvelopes registers a push listener for envelopes addressed
	// to the recipient. cancel must be called exactly once.
	SubscribeEnvelopes(to string, fn func(Envelope)) (cancel func())

	// SubscribeStatus registers a push listener for status changes of one
	// call (callID != "") or of every call (callID == "").
	SubscribeStatus(callID string, fn func(StatusRecord)) (cancel func())
}
