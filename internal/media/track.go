package media

import "github.com/pion/webrtc/v4"

// TrackKind mirrors the two RTP media kinds.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// TrackSource says where a local track's frames come from. Swapping camera
// for screen changes the source of the outbound video slot, not the slot.
type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceCamera     TrackSource = "camera"
	SourceScreen     TrackSource = "screen"
)

// Track is one live local capture track. The controller owns every Track it
// hands out; the connection adapter holds non-owning references.
type Track interface {
	Kind() TrackKind
	Source() TrackSource

	// Local returns the underlying WebRTC track for attaching to a peer
	// connection. Nil for tracks that carry no frames (test fakes).
	Local() webrtc.TrackLocal

	// OnEnded fires when the driver stops the track on its own — a camera
	// unplugged, or the OS chrome ending a screen capture.
	OnEnded(fn func(error))

	Close() error
}
