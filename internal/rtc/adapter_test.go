package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/parleyapp/parley/internal/relay"
)

// fakeSignaler records outbound envelopes. Everything else on the relay
// surface is inert — these tests exercise the connection adapter alone.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []relay.Envelope
}

func (f *fakeSignaler) Send(ctx context.Context, env relay.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) FetchPending(ctx context.Context, callID, to string) ([]relay.Envelope, error) {
	return nil, nil
}
func (f *fakeSignaler) DeleteEnvelope(ctx context.Context, id string) error { return nil }
func (f *fakeSignaler) PurgeCall(ctx context.Context, callID string) error { return nil }
func (f *fakeSignaler) CreateStatus(ctx context.Context, rec relay.StatusRecord) error {
	return nil
}
func (f *fakeSignaler) PollStatus(ctx context.Context, callID string) (relay.StatusRecord, error) {
	return relay.StatusRecord{}, relay.ErrNotFound
}
func (f *fakeSignaler) UpdateStatus(ctx context.Context, callID string, status relay.CallStatus, reason string) (bool, error) {
	return false, nil
}
func (f *fakeSignaler) AcceptedCallFor(ctx context.Context, callee string) (relay.StatusRecord, bool, error) {
	return relay.StatusRecord{}, false, nil
}
func (f *fakeSignaler) RingingCallFor(ctx context.Context, callee string) (relay.StatusRecord, bool, error) {
	return relay.StatusRecord{}, false, nil
}
func (f *fakeSignaler) SubscribeEnvelopes(to string, fn func(relay.Envelope)) func() {
	return func() {}
}
func (f *fakeSignaler) SubscribeStatus(callID string, fn func(relay.StatusRecord)) func() {
	return func() {}
}

// firstOfKind returns the first sent envelope of the given kind, if any.
// ICE candidates trickle in concurrently, so lookups filter by kind.
func (f *fakeSignaler) firstOfKind(kind relay.SignalKind) (relay.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.sent {
		if env.Payload.Kind == kind {
			return env, true
		}
	}
	return relay.Envelope{}, false
}

func testAPI(t *testing.T) *webrtc.API {
	t.Helper()
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatal(err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me))
}

func newTestAdapter(t *testing.T, self, peer string, initiator bool) (*Adapter, *fakeSignaler) {
	t.Helper()
	sig := &fakeSignaler{}
	a, err := New(Config{
		API:       testAPI(t),
		CallID:    "call-t",
		Self:      self,
		Peer:      peer,
		Initiator: initiator,
		Relay:     sig,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	t.Cleanup(a.Close)
	if err := a.AttachLocal(); err != nil {
		t.Fatalf("attach local: %v", err)
	}
	return a, sig
}

func TestOfferAnswerExchange(t *testing.T) {
	caller, callerSig := newTestAdapter(t, "alice", "bob", true)
	callee, calleeSig := newTestAdapter(t, "bob", "alice", false)

	if err := caller.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	offer, ok := callerSig.firstOfKind(relay.KindOffer)
	if !ok {
		t.Fatal("initiator sent no offer")
	}
	if offer.From != "alice" || offer.To != "bob" || offer.CallID != "call-t" {
		t.Fatalf("offer addressing %s -> %s (%s)", offer.From, offer.To, offer.CallID)
	}
	if offer.ID == "" {
		t.Fatal("envelope without an id cannot be consumed")
	}

	// The callee applies the offer and answers through its own signaler.
	if err := callee.Apply(context.Background(), offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	answer, ok := calleeSig.firstOfKind(relay.KindAnswer)
	if !ok {
		t.Fatal("callee sent no answer")
	}
	if answer.To != "alice" {
		t.Fatalf("answer addressed to %s", answer.To)
	}

	// The caller completes the handshake.
	if err := caller.Apply(context.Background(), answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
}

func TestCandidateHeldUntilDescription(t *testing.T) {
	caller, callerSig := newTestAdapter(t, "alice", "bob", true)
	callee, _ := newTestAdapter(t, "bob", "alice", false)

	candidate := relay.Envelope{
		ID: "cand-early", CallID: "call-t", From: "alice", To: "bob",
		Payload: relay.Candidate(relay.ICECandidateInit{
			Candidate: "candidate:2130706431 1 udp 2130706431 127.0.0.1 54321 typ host",
			SDPMid:    "0",
		}),
	}

	// The relay reorders freely: the candidate lands before the offer.
	// It must be held, not rejected and not applied early.
	if err := callee.Apply(context.Background(), candidate); err != nil {
		t.Fatalf("early candidate: %v", err)
	}

	if err := caller.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	offer, ok := callerSig.firstOfKind(relay.KindOffer)
	if !ok {
		t.Fatal("no offer")
	}
	if err := callee.Apply(context.Background(), offer); err != nil {
		t.Fatalf("offer after queued candidate: %v", err)
	}
}

func TestApplyRejectsBadEnvelopes(t *testing.T) {
	callee, _ := newTestAdapter(t, "bob", "alice", false)

	cases := []struct {
		name    string
		payload relay.SignalPayload
	}{
		{"unknown kind", relay.SignalPayload{Kind: "renegotiate"}},
		{"empty offer", relay.SignalPayload{Kind: relay.KindOffer}},
		{"garbage sdp", relay.Offer("this is not sdp")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := relay.Envelope{ID: "bad", CallID: "call-t", From: "alice", To: "bob", Payload: tc.payload}
			err := callee.Apply(context.Background(), env)
			var applyErr *SignalApplyError
			if !errors.As(err, &applyErr) {
				t.Fatalf("expected SignalApplyError, got %v", err)
			}
			if applyErr.EnvelopeID != "bad" {
				t.Fatalf("error names envelope %q", applyErr.EnvelopeID)
			}
		})
	}
}

func TestStartRequiresInitiator(t *testing.T) {
	callee, sig := newTestAdapter(t, "bob", "alice", false)
	if err := callee.Start(context.Background()); err == nil {
		t.Fatal("non-initiator Start must fail")
	}
	if _, ok := sig.firstOfKind(relay.KindOffer); ok {
		t.Fatal("non-initiator sent an offer")
	}
}

func TestReplaceWithoutOutboundVideo(t *testing.T) {
	caller, _ := newTestAdapter(t, "alice", "bob", true)
	if err := caller.ReplaceOutboundVideoTrack(nil); err == nil {
		t.Fatal("replace with no video sender must fail")
	}
}

func TestCloseIdempotent(t *testing.T) {
	caller, _ := newTestAdapter(t, "alice", "bob", true)
	caller.Close()
	caller.Close()
}
