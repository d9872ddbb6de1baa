package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyapp/parley/internal/media"
	"github.com/parleyapp/parley/internal/relay"
	"github.com/parleyapp/parley/internal/rtc"
)

// Media is the surface the session needs from the local media controller.
// *media.Controller satisfies it; tests inject fakes that count live tracks.
type Media interface {
	Acquire(ctx context.Context, video bool) error
	Release()
	ToggleAudio() bool
	ToggleVideo(ctx context.Context) (disabled bool, added media.Track, err error)
	StartScreenShare(ctx context.Context) (media.Track, error)
	StopScreenShare() media.Track
	OnScreenEnded(fn func())
	MicTrack() media.Track
	CameraTrack() media.Track
	AudioEnabled() bool
	VideoEnabled() bool
	LiveTrackCount() int
}

// Adapter is the surface the session needs from the peer connection
// adapter. *rtc.Adapter satisfies it.
type Adapter interface {
	AttachLocal(tracks ...media.Track) error
	Start(ctx context.Context) error
	Apply(ctx context.Context, env relay.Envelope) error
	AddVideoTrack(t media.Track) error
	ReplaceOutboundVideoTrack(t media.Track) error
	Close()
}

// AdapterFactory builds one adapter per call. The events wire connection
// outcomes back into the session.
type AdapterFactory func(callID, peer string, initiator bool, ev rtc.Events) (Adapter, error)

// Deps are the manager's collaborators. Poll interval and ring timeout are
// injected so tests run deterministically without real timers.
type Deps struct {
	Relay      relay.Client
	Media      Media
	NewAdapter AdapterFactory
	Self       string

	// ForceAudioOnly downgrades every call to audio, outbound and
	// accepted alike, and refuses video toggles and screen shares. The
	// config's media.disable_video maps here.
	ForceAudioOnly bool

	// PollInterval drives the reconciliation poll for the session's
	// lifetime. Default 1s.
	PollInterval time.Duration

	// RingTimeout bounds how long a calling session waits for an answer
	// before ending with ReasonTimeout. Default 45s.
	RingTimeout time.Duration
}

const (
	defaultPollInterval = time.Second
	defaultRingTimeout  = 45 * time.Second
)

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
func secDuration(s int64) time.Duration { return time.Duration(s) * time.Second }

// ErrBusy is returned by StartCall while another call is live.
var ErrBusy = errors.New("session: another call is active")

// ErrNoCall is returned by operations that need a live session.
var ErrNoCall = errors.New("session: no active call")

// ErrNotRinging is returned by accept/decline when the call is no longer
// answerable — the caller withdrew it or it already went terminal.
var ErrNotRinging = errors.New("session: call is not ringing")

// ErrVideoDisabled is returned by the video operations when the
// configuration forces calls audio-only.
var ErrVideoDisabled = errors.New("session: video disabled by configuration")

// CallCreationError is a failed StartCall. The session never outlives it:
// by the time it is returned all partially acquired media is released.
type CallCreationError struct {
	Reason EndReason
	Err    error
}

func (e *CallCreationError) Error() string {
	return fmt.Sprintf("create call (%s): %v", e.Reason, e.Err)
}

func (e *CallCreationError) Unwrap() error { return e.Err }
