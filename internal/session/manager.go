package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyapp/parley/internal/relay"
	"github.com/parleyapp/parley/internal/util"
)

// Manager owns the process's call sessions and is the entire surface UI
// consumers are allowed to call: the five call operations plus the media
// toggles. One live call at a time.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	current *Session
}

// NewManager validates and defaults deps.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Relay == nil {
		return nil, fmt.Errorf("session manager: relay client is required")
	}
	if deps.Media == nil {
		return nil, fmt.Errorf("session manager: media controller is required")
	}
	if deps.NewAdapter == nil {
		return nil, fmt.Errorf("session manager: adapter factory is required")
	}
	if deps.Self == "" {
		return nil, fmt.Errorf("session manager: self identity is required")
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = defaultPollInterval
	}
	if deps.RingTimeout <= 0 {
		deps.RingTimeout = defaultRingTimeout
	}
	return &Manager{deps: deps}, nil
}

// SetTuning updates the injected intervals for sessions created from now
// on. Live sessions keep the values they started with.
func (m *Manager) SetTuning(poll, ringTimeout int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if poll > 0 {
		m.deps.PollInterval = msDuration(poll)
	}
	if ringTimeout > 0 {
		m.deps.RingTimeout = secDuration(ringTimeout)
	}
}

// StartCall places an outbound call. The returned snapshot is in calling
// state; ErrBusy while another call is live.
func (m *Manager) StartCall(ctx context.Context, peer string, kind relay.MediaKind) (Snapshot, error) {
	peer, err := util.ValidateIdentity(peer)
	if err != nil {
		return Snapshot{}, fmt.Errorf("start call: peer: %w", err)
	}
	if kind != relay.MediaAudio && kind != relay.MediaVideo {
		return Snapshot{}, fmt.Errorf("start call: bad media kind %q", kind)
	}
	deps := m.snapshotDeps()
	if deps.ForceAudioOnly && kind == relay.MediaVideo {
		log.Printf("CALL: video disabled by configuration, calling %s audio-only", peer)
		kind = relay.MediaAudio
	}

	sess := newSession(deps, uuid.NewString(), peer, RoleCaller, kind, StateIdle)
	if err := m.install(sess); err != nil {
		return Snapshot{}, err
	}
	if err := sess.start(); err != nil {
		m.clear(sess)
		return Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// AcceptCall answers a ringing invitation by call ID.
func (m *Manager) AcceptCall(ctx context.Context, callID string) (Snapshot, error) {
	rec, err := m.deps.Relay.PollStatus(ctx, callID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return Snapshot{}, ErrNotRinging
		}
		return Snapshot{}, fmt.Errorf("accept call: %w", err)
	}
	if rec.Callee != m.deps.Self || rec.Status != relay.StatusRinging {
		return Snapshot{}, ErrNotRinging
	}

	deps := m.snapshotDeps()
	kind := rec.MediaKind
	if deps.ForceAudioOnly && kind == relay.MediaVideo {
		log.Printf("CALL [%s]: video disabled by configuration, answering audio-only", callID)
		kind = relay.MediaAudio
	}
	sess := newSession(deps, callID, rec.Caller, RoleCallee, kind, StateRinging)
	if err := m.install(sess); err != nil {
		return Snapshot{}, err
	}
	if err := sess.accept(); err != nil {
		m.clear(sess)
		return Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// DeclineCall rejects a ringing invitation. Works with or without a local
// session — declining from the incoming-call banner never built one.
func (m *Manager) DeclineCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess != nil && sess.callID == callID {
		sess.finish(ReasonDeclined, relay.StatusDeclined)
		return nil
	}

	ok, err := m.deps.Relay.UpdateStatus(ctx, callID, relay.StatusDeclined, string(ReasonDeclined))
	if err != nil {
		return fmt.Errorf("decline call: %w", err)
	}
	if !ok {
		log.Printf("CALL [%s]: decline was a no-op, call already terminal", callID)
	}
	if err := m.deps.Relay.PurgeCall(ctx, callID); err != nil {
		log.Printf("CALL [%s]: purge envelopes: %v", callID, err)
	}
	return nil
}

// EndCall hangs up the current call. Also cancels an in-flight start or
// accept: the session context is cancelled and late-resolving async work
// checks liveness before touching the torn-down session.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return ErrNoCall
	}
	sess.finish(ReasonHangup, relay.StatusEnded)
	return nil
}

// Resume covers the late-join case: an accepted record naming us as callee
// with no local adapter yet, because acceptance happened through a
// different surface. Returns false when there is nothing to join.
func (m *Manager) Resume(ctx context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	busy := m.current != nil && m.current.alive()
	m.mu.Unlock()
	if busy {
		return Snapshot{}, false, nil
	}

	rec, found, err := m.deps.Relay.AcceptedCallFor(ctx, m.deps.Self)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("resume: %w", err)
	}
	if !found {
		return Snapshot{}, false, nil
	}

	deps := m.snapshotDeps()
	kind := rec.MediaKind
	if deps.ForceAudioOnly && kind == relay.MediaVideo {
		log.Printf("CALL [%s]: video disabled by configuration, rejoining audio-only", rec.CallID)
		kind = relay.MediaAudio
	}
	sess := newSession(deps, rec.CallID, rec.Caller, RoleCallee, kind, StateRinging)
	if err := m.install(sess); err != nil {
		return Snapshot{}, false, err
	}
	if err := sess.resume(); err != nil {
		m.clear(sess)
		return Snapshot{}, false, err
	}
	return sess.Snapshot(), true, nil
}

// Current returns the live session's snapshot.
func (m *Manager) Current() (Snapshot, bool) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// Get returns the live session by ID, for the routes layer's terminal SSE.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.callID != callID {
		return nil, false
	}
	return m.current, true
}

// ToggleAudio mutes/unmutes the current call. Returns the new muted state.
func (m *Manager) ToggleAudio() (bool, error) {
	sess, err := m.live()
	if err != nil {
		return false, err
	}
	return sess.toggleAudio()
}

// ToggleVideo disables/enables outbound video, acquiring a camera track
// (and renegotiating) when the call never had one.
func (m *Manager) ToggleVideo() (bool, error) {
	sess, err := m.live()
	if err != nil {
		return false, err
	}
	return sess.toggleVideo()
}

// StartScreenShare swaps the outbound video for a screen capture.
func (m *Manager) StartScreenShare() error {
	sess, err := m.live()
	if err != nil {
		return err
	}
	return sess.startScreenShare()
}

// StopScreenShare restores the camera as the outbound video.
func (m *Manager) StopScreenShare() error {
	sess, err := m.live()
	if err != nil {
		return err
	}
	return sess.stopScreenShare()
}

// Close ends any live call. Called on daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess != nil {
		sess.finish(ReasonHangup, relay.StatusEnded)
	}
}

func (m *Manager) snapshotDeps() Deps {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps
}

func (m *Manager) live() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.alive() {
		return nil, ErrNoCall
	}
	return m.current, nil
}

// install claims the single active-call slot.
func (m *Manager) install(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.alive() {
		return ErrBusy
	}
	m.current = sess
	return nil
}

// clear drops a failed session from the slot, leaving a later one intact.
func (m *Manager) clear(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == sess {
		m.current = nil
	}
}
