// Package session drives one two-party call from invitation to teardown.
// It owns call identity, role and lifecycle state, and is the only writer
// of the session's fields — every remote input (push, poll, connection
// event) funnels into applyStatus/onEnvelope, which makes duplicate and
// out-of-order delivery a safe no-op.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parleyapp/parley/internal/relay"
	"github.com/parleyapp/parley/internal/rtc"
	"github.com/parleyapp/parley/internal/util"
)

// Snapshot is the read-only view of a session handed to UI consumers.
type Snapshot struct {
	CallID        string          `json:"call_id"`
	Peer          string          `json:"peer"`
	Role          Role            `json:"role"`
	State         State           `json:"state"`
	Kind          relay.MediaKind `json:"media_kind"`
	Reason        EndReason       `json:"reason,omitempty"`
	ReasonText    string          `json:"reason_text,omitempty"`
	Muted         bool            `json:"muted"`
	VideoOff      bool            `json:"video_off"`
	ScreenSharing bool            `json:"screen_sharing"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

// Session is one active or pending call. Created by the Manager, never
// shared mutable — everything outside reads Snapshots.
type Session struct {
	callID string
	role   Role
	peer   string
	kind   relay.MediaKind
	deps   Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	reason        EndReason
	createdAt     time.Time
	startedAt     *time.Time
	endedAt       *time.Time
	adapter       Adapter
	screenSharing bool
	remoteTracks  []rtc.RemoteTrack
	cancelEnv     func()
	cancelStatus  func()
	ringTimer     *time.Timer

	done chan struct{}
}

func newSession(deps Deps, callID, peer string, role Role, kind relay.MediaKind, initial State) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		callID:    callID,
		role:      role,
		peer:      peer,
		kind:      kind,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		state:     initial,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed when the session reaches ended. Routes block on it for
// the terminal SSE event.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the session's current read-only view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CallID:        s.callID,
		Peer:          s.peer,
		Role:          s.role,
		State:         s.state,
		Kind:          s.kind,
		Reason:        s.reason,
		ReasonText:    s.reason.Message(),
		Muted:         !s.deps.Media.AudioEnabled(),
		VideoOff:      !s.deps.Media.VideoEnabled(),
		ScreenSharing: s.screenSharing,
		CreatedAt:     s.createdAt,
		StartedAt:     s.startedAt,
		EndedAt:       s.endedAt,
	}
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateEnded
}

// ── Caller flow ──────────────────────────────────────────────────────────────

// start runs the caller-side setup: media, status row, adapter, offer.
// Any failure releases everything acquired so far.
func (s *Session) start() error {
	if err := s.deps.Media.Acquire(s.ctx, s.kind == relay.MediaVideo); err != nil {
		s.finish(ReasonMediaDenied, "")
		return &CallCreationError{Reason: ReasonMediaDenied, Err: err}
	}
	if !s.alive() {
		// Cancelled while acquiring; the late-resolving capture must not
		// leave live tracks behind a torn-down session.
		s.deps.Media.Release()
		return ErrNoCall
	}

	if err := s.deps.Relay.CreateStatus(s.ctx, relay.StatusRecord{
		CallID:    s.callID,
		Caller:    s.deps.Self,
		Callee:    s.peer,
		MediaKind: s.kind,
		Status:    relay.StatusRinging,
	}); err != nil {
		s.finish(ReasonConnectionFailed, "")
		return &CallCreationError{Reason: ReasonConnectionFailed, Err: err}
	}

	if err := s.setupAdapter(true); err != nil {
		s.finish(ReasonConnectionFailed, relay.StatusEnded)
		return &CallCreationError{Reason: ReasonConnectionFailed, Err: err}
	}

	s.subscribeEnvelopes()
	if err := s.catchUp(); err != nil {
		log.Printf("CALL [%s]: catch-up fetch: %v", s.callID, err)
	}

	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if err := adapter.Start(s.ctx); err != nil {
		s.finish(ReasonConnectionFailed, relay.StatusEnded)
		return &CallCreationError{Reason: ReasonConnectionFailed, Err: err}
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateCalling
	}
	s.ringTimer = time.AfterFunc(s.deps.RingTimeout, s.onRingTimeout)
	s.mu.Unlock()

	s.subscribeStatus()
	go s.pollLoop()

	log.Printf("CALL [%s]: calling %s (%s)", s.callID, s.peer, s.kind)
	return nil
}

// ── Callee flow ──────────────────────────────────────────────────────────────

// accept runs the callee-side setup. The adapter is built and the caller's
// already-sent signals applied BEFORE the status flips to accepted, so the
// caller's status-driven reaction never finds this side unready.
func (s *Session) accept() error {
	if err := s.deps.Media.Acquire(s.ctx, s.kind == relay.MediaVideo); err != nil {
		s.finish(ReasonMediaDenied, relay.StatusDeclined)
		return &CallCreationError{Reason: ReasonMediaDenied, Err: err}
	}
	if !s.alive() {
		s.deps.Media.Release()
		return ErrNoCall
	}

	if err := s.setupAdapter(false); err != nil {
		s.finish(ReasonConnectionFailed, relay.StatusEnded)
		return &CallCreationError{Reason: ReasonConnectionFailed, Err: err}
	}

	s.subscribeEnvelopes()
	if err := s.catchUp(); err != nil {
		s.finish(ReasonConnectionFailed, relay.StatusEnded)
		return &CallCreationError{Reason: ReasonConnectionFailed, Err: err}
	}
	if !s.alive() {
		return ErrNoCall
	}

	ok, err := s.deps.Relay.UpdateStatus(s.ctx, s.callID, relay.StatusAccepted, "")
	if err != nil {
		s.finish(ReasonConnectionFailed, relay.StatusEnded)
		return &CallCreationError{Reason: ReasonConnectionFailed, Err: err}
	}
	if !ok {
		// Invitation withdrawn — the caller hung up or timed out before we
		// got here.
		s.finish(ReasonRemoteHangup, "")
		return ErrNotRinging
	}

	s.toConnected()
	s.subscribeStatus()
	s.reconcileOnce()
	go s.pollLoop()

	log.Printf("CALL [%s]: accepted from %s", s.callID, s.peer)
	return nil
}

// resume joins an already-accepted call directly in connected state: the
// acceptance happened through a shorter-lived surface (the incoming-call
// banner) than the one running the live call.
func (s *Session) resume() error {
	if err := s.deps.Media.Acquire(s.ctx, s.kind == relay.MediaVideo); err != nil {
		s.finish(ReasonMediaDenied, relay.StatusEnded)
		return &CallCreationError{Reason: ReasonMediaDenied, Err: err}
	}
	if !s.alive() {
		s.deps.Media.Release()
		return ErrNoCall
	}

	if err := s.setupAdapter(false); err != nil {
		s.finish(ReasonConnectionFailed, relay.StatusEnded)
		return &CallCreationError{Reason: ReasonConnectionFailed, Err: err}
	}

	s.subscribeEnvelopes()
	if err := s.catchUp(); err != nil {
		log.Printf("CALL [%s]: catch-up fetch: %v", s.callID, err)
	}

	s.toConnected()
	s.subscribeStatus()
	s.reconcileOnce()
	go s.pollLoop()

	log.Printf("CALL [%s]: resumed accepted call from %s", s.callID, s.peer)
	return nil
}

// ── Shared setup pieces ──────────────────────────────────────────────────────

func (s *Session) setupAdapter(initiator bool) error {
	adapter, err := s.deps.NewAdapter(s.callID, s.peer, initiator, rtc.Events{
		OnConnected: func() {
			log.Printf("CALL [%s]: transport connected", s.callID)
		},
		OnRemoteTrack: func(t rtc.RemoteTrack) {
			s.mu.Lock()
			s.remoteTracks = append(s.remoteTracks, t)
			s.mu.Unlock()
		},
		OnError: func(err error) {
			log.Printf("CALL [%s]: connection error: %v", s.callID, err)
			s.finish(ReasonConnectionFailed, relay.StatusEnded)
		},
	})
	if err != nil {
		return fmt.Errorf("create adapter: %w", err)
	}
	if err := adapter.AttachLocal(s.deps.Media.MicTrack(), s.deps.Media.CameraTrack()); err != nil {
		adapter.Close()
		return fmt.Errorf("attach local media: %w", err)
	}

	s.mu.Lock()
	s.adapter = adapter
	s.mu.Unlock()

	// A screen capture ended by the OS chrome behaves exactly like the
	// stop button.
	s.deps.Media.OnScreenEnded(func() {
		if err := s.stopScreenShare(); err != nil && !errors.Is(err, ErrNoCall) {
			log.Printf("CALL [%s]: screen share ended: %v", s.callID, err)
		}
	})
	return nil
}

func (s *Session) subscribeEnvelopes() {
	cancel := s.deps.Relay.SubscribeEnvelopes(s.deps.Self, s.onEnvelope)
	s.mu.Lock()
	s.cancelEnv = cancel
	s.mu.Unlock()
}

func (s *Session) subscribeStatus() {
	cancel := s.deps.Relay.SubscribeStatus(s.callID, s.applyStatus)
	s.mu.Lock()
	s.cancelStatus = cancel
	s.mu.Unlock()
}

// catchUp fetches and applies every envelope the remote side wrote before
// our push subscription existed. Required after every subscription
// establishment — push may silently miss earlier rows.
func (s *Session) catchUp() error {
	var envs []relay.Envelope
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		envs, err = s.deps.Relay.FetchPending(s.ctx, s.callID, s.deps.Self)
		if err == nil {
			break
		}
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}
	for _, env := range envs {
		s.onEnvelope(env)
	}
	return nil
}

// ── Inbound events ───────────────────────────────────────────────────────────

// onEnvelope applies one signaling envelope and consumes it. Envelopes for
// other calls — including leftovers of a call that already ended — are
// ignored, never resurrected.
func (s *Session) onEnvelope(env relay.Envelope) {
	if env.CallID != s.callID {
		return
	}
	s.mu.Lock()
	adapter := s.adapter
	ended := s.state == StateEnded
	s.mu.Unlock()
	if ended || adapter == nil {
		return
	}

	err := adapter.Apply(s.ctx, env)
	var applyErr *rtc.SignalApplyError
	if errors.As(err, &applyErr) {
		// Bad envelope: log, discard, keep the call alive.
		log.Printf("CALL [%s]: discarding signal: %v", s.callID, applyErr)
		s.deleteEnvelope(env.ID)
		return
	}
	if err != nil {
		// Outbound relay failure while reacting — leave the envelope for
		// the next fetch.
		log.Printf("CALL [%s]: apply signal: %v", s.callID, err)
		return
	}
	s.deleteEnvelope(env.ID)
}

func (s *Session) deleteEnvelope(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := s.deps.Relay.DeleteEnvelope(ctx, id); err != nil {
		log.Printf("CALL [%s]: delete envelope %s: %v", s.callID, id, err)
	}
}

// applyStatus reconciles a remote status observation, from push or poll.
// Applying the same transition twice, or a stale one after a newer one, is
// a no-op.
func (s *Session) applyStatus(rec relay.StatusRecord) {
	if rec.CallID != s.callID {
		return
	}
	switch rec.Status {
	case relay.StatusAccepted:
		if s.role == RoleCaller {
			s.toConnected()
		}
	case relay.StatusDeclined:
		reason := ReasonDeclined
		if rec.Reason == string(ReasonBusy) {
			reason = ReasonBusy
		}
		s.finish(reason, "")
	case relay.StatusEnded:
		s.finish(ReasonRemoteHangup, "")
	}
}

func (s *Session) toConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCalling && s.state != StateRinging {
		return
	}
	s.state = StateConnected
	now := time.Now()
	s.startedAt = &now
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	log.Printf("CALL [%s]: connected", s.callID)
}

// pollLoop is the reconciliation poll: push-for-latency, poll-for-
// correctness. Runs for the session's whole life. The push fanout is
// in-process only — when the two parties are separate daemons sharing the
// relay directory, every signal and status transition lands here instead,
// within one interval.
func (s *Session) pollLoop() {
	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.alive() {
				return
			}
			s.reconcileOnce()
		}
	}
}

// reconcileOnce reads the authoritative status and any signal envelopes at
// rest in the relay, and applies both. Safe to repeat: applied envelopes
// are consumed and stale status transitions are no-ops.
func (s *Session) reconcileOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	rec, err := s.deps.Relay.PollStatus(ctx, s.callID)
	switch {
	case err == nil:
		s.applyStatus(rec)
	case !errors.Is(err, relay.ErrNotFound):
		log.Printf("CALL [%s]: status poll: %v", s.callID, err)
	}
	if !s.alive() {
		return
	}

	envs, err := s.deps.Relay.FetchPending(ctx, s.callID, s.deps.Self)
	if err != nil {
		log.Printf("CALL [%s]: signal poll: %v", s.callID, err)
		return
	}
	for _, env := range envs {
		s.onEnvelope(env)
	}
}

func (s *Session) onRingTimeout() {
	s.mu.Lock()
	calling := s.state == StateCalling
	s.mu.Unlock()
	if !calling {
		return
	}
	log.Printf("CALL [%s]: no answer within %s", s.callID, s.deps.RingTimeout)
	s.finish(ReasonTimeout, relay.StatusEnded)
}

// ── Media operations ─────────────────────────────────────────────────────────

func (s *Session) toggleAudio() (bool, error) {
	if !s.alive() {
		return false, ErrNoCall
	}
	return s.deps.Media.ToggleAudio(), nil
}

func (s *Session) toggleVideo() (bool, error) {
	if !s.alive() {
		return false, ErrNoCall
	}
	if s.deps.ForceAudioOnly {
		return true, ErrVideoDisabled
	}
	disabled, added, err := s.deps.Media.ToggleVideo(s.ctx)
	if err != nil {
		return true, err
	}
	if added != nil {
		// A brand-new outbound track — this is the one media change that
		// renegotiates.
		s.mu.Lock()
		adapter := s.adapter
		s.mu.Unlock()
		if adapter != nil {
			if err := adapter.AddVideoTrack(added); err != nil {
				return true, err
			}
		}
	}
	return disabled, nil
}

func (s *Session) startScreenShare() error {
	if !s.alive() {
		return ErrNoCall
	}
	if s.deps.ForceAudioOnly {
		return ErrVideoDisabled
	}
	track, err := s.deps.Media.StartScreenShare(s.ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return ErrNoCall
	}
	if err := adapter.ReplaceOutboundVideoTrack(track); err != nil {
		s.deps.Media.StopScreenShare()
		return err
	}
	s.mu.Lock()
	s.screenSharing = true
	s.mu.Unlock()
	return nil
}

func (s *Session) stopScreenShare() error {
	s.mu.Lock()
	sharing := s.screenSharing
	s.screenSharing = false
	adapter := s.adapter
	ended := s.state == StateEnded
	s.mu.Unlock()
	if !sharing {
		return nil
	}
	cam := s.deps.Media.StopScreenShare()
	if ended || adapter == nil {
		return ErrNoCall
	}
	if cam != nil {
		return adapter.ReplaceOutboundVideoTrack(cam)
	}
	return nil
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// finish moves the session to ended exactly once and releases everything.
// write, when set, is the terminal status pushed to the shared record so
// the remote side learns; declined/ended that originated remotely pass "".
func (s *Session) finish(reason EndReason, write relay.CallStatus) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.reason = reason
	now := time.Now()
	s.endedAt = &now
	adapter := s.adapter
	cancelEnv := s.cancelEnv
	cancelStatus := s.cancelStatus
	timer := s.ringTimer
	s.mu.Unlock()

	s.cancel()
	if timer != nil {
		timer.Stop()
	}
	if cancelEnv != nil {
		cancelEnv()
	}
	if cancelStatus != nil {
		cancelStatus()
	}

	// Session context is cancelled; terminal writes use their own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if write != "" {
		if _, err := s.deps.Relay.UpdateStatus(ctx, s.callID, write, string(reason)); err != nil {
			log.Printf("CALL [%s]: terminal status write: %v", s.callID, err)
		}
	}
	if adapter != nil {
		adapter.Close()
	}
	s.deps.Media.Release()
	// Leftover envelopes are harmless once the call is over; purge is
	// best-effort.
	if err := s.deps.Relay.PurgeCall(ctx, s.callID); err != nil {
		log.Printf("CALL [%s]: purge envelopes: %v", s.callID, err)
	}

	close(s.done)
	log.Printf("CALL [%s]: ended (%s)", s.callID, reason)
}
