package relay

import (
	"encoding/json"
	"fmt"
)

// SignalKind is the value of the "kind" field inside every envelope payload.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"     // caller → callee: SDP offer
	KindAnswer    SignalKind = "answer"    // callee → caller: SDP answer
	KindCandidate SignalKind = "candidate" // either → other: trickle ICE candidate
)

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// SignalPayload is the tagged union carried by an Envelope.
// Exactly one of SDP / Candidate is meaningful, selected by Kind.
// Validate rejects malformed payloads before they reach the connection
// layer, so a bad envelope is dropped at the boundary instead of
// poisoning an established call.
type SignalPayload struct {
	Kind      SignalKind        `json:"kind"`
	SDP       string            `json:"sdp,omitempty"`
	Candidate *ICECandidateInit `json:"candidate,omitempty"`
}

// Validate checks the payload shape against its kind.
func (p SignalPayload) Validate() error {
	switch p.Kind {
	case KindOffer, KindAnswer:
		if p.SDP == "" {
			return fmt.Errorf("signal %s: empty sdp", p.Kind)
		}
		if p.Candidate != nil {
			return fmt.Errorf("signal %s: unexpected candidate", p.Kind)
		}
	case KindCandidate:
		if p.Candidate == nil || p.Candidate.Candidate == "" {
			return fmt.Errorf("signal candidate: empty candidate")
		}
		if p.SDP != "" {
			return fmt.Errorf("signal candidate: unexpected sdp")
		}
	default:
		return fmt.Errorf("signal: unknown kind %q", p.Kind)
	}
	return nil
}

// Offer wraps an SDP offer.
func Offer(sdp string) SignalPayload { return SignalPayload{Kind: KindOffer, SDP: sdp} }

// Answer wraps an SDP answer.
func Answer(sdp string) SignalPayload { return SignalPayload{Kind: KindAnswer, SDP: sdp} }

// Candidate wraps a trickle ICE candidate.
func Candidate(c ICECandidateInit) SignalPayload {
	return SignalPayload{Kind: KindCandidate, Candidate: &c}
}

// encodePayload serializes a payload for the envelope table.
func encodePayload(p SignalPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// decodePayload parses a stored payload. The result is NOT validated —
// consumers call Validate so a row written by a newer peer degrades to a
// discarded envelope, not a failed fetch.
func decodePayload(s string) (SignalPayload, error) {
	var p SignalPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return SignalPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
