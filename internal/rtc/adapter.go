// Package rtc wraps a single WebRTC peer connection for one call. The
// adapter translates local connection events into relay envelopes and
// remote envelopes into connection state. It never retries: a transport
// failure closes the adapter and the owning session decides what happens
// next (a retry is a brand-new call ID).
package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/parleyapp/parley/internal/media"
	"github.com/parleyapp/parley/internal/relay"
)

// SignalApplyError marks an envelope that could not be applied. The session
// logs it and discards the envelope; one bad ICE candidate must not kill a
// call.
type SignalApplyError struct {
	EnvelopeID string
	Err        error
}

func (e *SignalApplyError) Error() string {
	return fmt.Sprintf("apply envelope %s: %v", e.EnvelopeID, e.Err)
}

func (e *SignalApplyError) Unwrap() error { return e.Err }

// RemoteTrack is a remote media track surfaced to the session. Audio tracks
// are always reported enabled — some transports hand over audio flagged
// disabled even though frames flow, and trusting that flag mutes the call.
type RemoteTrack struct {
	ID      string
	Kind    media.TrackKind
	Enabled bool
	Track   *webrtc.TrackRemote
}

// Events are the adapter's callbacks into its owning session. All fire on
// pion's internal goroutines; the session serializes them.
type Events struct {
	OnConnected   func()
	OnRemoteTrack func(RemoteTrack)
	OnError       func(error)
}

// Config fixes an adapter's identity at construction. Initiator never
// changes for the adapter's lifetime.
type Config struct {
	API         *webrtc.API
	STUNServers []string
	CallID      string
	Self        string
	Peer        string
	Initiator   bool
	Relay       relay.Client
	Events      Events
}

// Adapter owns exactly one peer connection.
type Adapter struct {
	pc        *webrtc.PeerConnection
	callID    string
	self      string
	peer      string
	initiator bool
	relay     relay.Client
	ev        Events

	mu        sync.Mutex
	remoteSet bool
	queued    []webrtc.ICECandidateInit
	videoSend *webrtc.RTPSender
	closed    bool
	errored   bool
}

// New builds the peer connection and wires its event handlers. No signaling
// happens until Start or Apply.
func New(cfg Config) (*Adapter, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, u := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	a := &Adapter{
		pc:        pc,
		callID:    cfg.CallID,
		self:      cfg.Self,
		peer:      cfg.Peer,
		initiator: cfg.Initiator,
		relay:     cfg.Relay,
		ev:        cfg.Events,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		init := c.ToJSON()
		cand := relay.ICECandidateInit{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		if err := a.send(relay.Candidate(cand)); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", a.callID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{
			ID:      track.ID(),
			Kind:    media.KindVideo,
			Enabled: true,
			Track:   track,
		}
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			rt.Kind = media.KindAudio
		}
		log.Printf("CALL [%s]: remote %s track %s", a.callID, rt.Kind, rt.ID)
		if a.ev.OnRemoteTrack != nil {
			a.ev.OnRemoteTrack(rt)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", a.callID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			if a.ev.OnConnected != nil {
				a.ev.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			a.fail(fmt.Errorf("peer connection %s", st))
		}
	})

	return a, nil
}

// Initiator reports the role fixed at construction.
func (a *Adapter) Initiator() bool { return a.initiator }

// AttachLocal adds the local tracks to the connection. With no tracks it
// adds recvonly transceivers so the SDP still carries valid m-lines with
// ICE credentials.
func (a *Adapter) AttachLocal(tracks ...media.Track) error {
	added := 0
	for _, t := range tracks {
		if t == nil || t.Local() == nil {
			continue
		}
		sender, err := a.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		if t.Kind() == media.KindVideo {
			a.mu.Lock()
			a.videoSend = sender
			a.mu.Unlock()
		}
		added++
	}
	if added == 0 {
		a.addRecvOnlyTransceivers()
	}
	return nil
}

// Start creates and sends the initial offer. Initiator only.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.initiator {
		return fmt.Errorf("start: adapter is not the initiator")
	}
	return a.sendOffer()
}

// Apply routes one remote envelope into the connection. Malformed or
// unapplicable envelopes come back as *SignalApplyError.
func (a *Adapter) Apply(ctx context.Context, env relay.Envelope) error {
	if err := env.Payload.Validate(); err != nil {
		return &SignalApplyError{EnvelopeID: env.ID, Err: err}
	}

	switch env.Payload.Kind {
	case relay.KindOffer:
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.Payload.SDP}
		if err := a.pc.SetRemoteDescription(offer); err != nil {
			return &SignalApplyError{EnvelopeID: env.ID, Err: err}
		}
		a.flushQueued()
		answer, err := a.pc.CreateAnswer(nil)
		if err != nil {
			return &SignalApplyError{EnvelopeID: env.ID, Err: err}
		}
		if err := a.pc.SetLocalDescription(answer); err != nil {
			return &SignalApplyError{EnvelopeID: env.ID, Err: err}
		}
		if err := a.send(relay.Answer(answer.SDP)); err != nil {
			return fmt.Errorf("send answer: %w", err)
		}

	case relay.KindAnswer:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.Payload.SDP}
		if err := a.pc.SetRemoteDescription(answer); err != nil {
			return &SignalApplyError{EnvelopeID: env.ID, Err: err}
		}
		a.flushQueued()

	case relay.KindCandidate:
		c := env.Payload.Candidate
		init := webrtc.ICECandidateInit{Candidate: c.Candidate}
		if c.SDPMid != "" {
			mid := c.SDPMid
			init.SDPMid = &mid
		}
		idx := c.SDPMLineIndex
		init.SDPMLineIndex = &idx

		a.mu.Lock()
		if !a.remoteSet {
			// Candidates routinely arrive before the offer/answer through
			// an unordered relay; hold them until the description lands.
			a.queued = append(a.queued, init)
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
		if err := a.pc.AddICECandidate(init); err != nil {
			return &SignalApplyError{EnvelopeID: env.ID, Err: err}
		}
	}
	return nil
}

// AddVideoTrack adds a brand-new outbound video track mid-call and
// renegotiates. Used when an audio-only call turns video on.
func (a *Adapter) AddVideoTrack(t media.Track) error {
	if t == nil || t.Local() == nil {
		return fmt.Errorf("add video track: no track")
	}
	sender, err := a.pc.AddTrack(t.Local())
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	a.mu.Lock()
	a.videoSend = sender
	a.mu.Unlock()
	return a.sendOffer()
}

// ReplaceOutboundVideoTrack swaps what the video sender transmits — camera
// for screen and back — without renegotiating. Legal on a connected
// adapter.
func (a *Adapter) ReplaceOutboundVideoTrack(t media.Track) error {
	a.mu.Lock()
	sender := a.videoSend
	a.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("replace video track: no outbound video")
	}
	if t == nil || t.Local() == nil {
		return fmt.Errorf("replace video track: no track")
	}
	if err := sender.ReplaceTrack(t.Local()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	log.Printf("CALL [%s]: outbound video now %s", a.callID, t.Source())
	return nil
}

// Close tears down the peer connection. Idempotent.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	if err := a.pc.Close(); err != nil {
		log.Printf("CALL [%s]: close: %v", a.callID, err)
	}
}

func (a *Adapter) sendOffer() error {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := a.send(relay.Offer(offer.SDP)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// send wraps a payload in an envelope addressed to the peer.
func (a *Adapter) send(p relay.SignalPayload) error {
	return a.relay.Send(context.Background(), relay.Envelope{
		ID:      uuid.NewString(),
		CallID:  a.callID,
		From:    a.self,
		To:      a.peer,
		Payload: p,
	})
}

// flushQueued replays candidates held back until the remote description
// was set.
func (a *Adapter) flushQueued() {
	a.mu.Lock()
	a.remoteSet = true
	queued := a.queued
	a.queued = nil
	a.mu.Unlock()
	for _, init := range queued {
		if err := a.pc.AddICECandidate(init); err != nil {
			log.Printf("CALL [%s]: queued candidate: %v", a.callID, err)
		}
	}
}

// fail reports a fatal transport error exactly once and closes the
// connection. The adapter never self-heals.
func (a *Adapter) fail(err error) {
	a.mu.Lock()
	if a.errored || a.closed {
		a.mu.Unlock()
		return
	}
	a.errored = true
	a.mu.Unlock()
	if a.ev.OnError != nil {
		a.ev.OnError(err)
	}
	a.Close()
}

func (a *Adapter) addRecvOnlyTransceivers() {
	if _, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video): %v", a.callID, err)
	}
	if _, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio): %v", a.callID, err)
	}
}
