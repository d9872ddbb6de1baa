// Package media owns the local microphone, camera and screen-capture tracks
// for a call. All capture goes through a Capturer so tests run without
// hardware; the default device capturer is platform-specific.
package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Capturer acquires live tracks. DeviceCapturer() is the production
// implementation; tests inject fakes.
type Capturer interface {
	// Capture opens the requested devices. A video request that cannot be
	// satisfied degrades to audio-only (the caller is told through the
	// returned track set); an audio failure is fatal.
	Capture(ctx context.Context, video bool) ([]Track, error)

	// CaptureScreen opens a screen-capture track.
	CaptureScreen(ctx context.Context) (Track, error)

	// API builds the WebRTC API matching this capturer's codecs.
	API() (*webrtc.API, error)
}

// Controller holds the participant's local media for one call at a time:
// mic and camera tracks, the optional screen track, and per-track enabled
// flags. Enabled flags flip without renegotiation; only adding a brand-new
// video track renegotiates.
type Controller struct {
	cap Capturer

	mu            sync.Mutex
	mic           Track
	camera        Track
	screen        Track
	audioEnabled  bool
	videoEnabled  bool
	onScreenEnded func()
}

// NewController creates a Controller backed by cap. A nil cap uses the
// platform device capturer.
func NewController(cap Capturer) *Controller {
	if cap == nil {
		cap = DeviceCapturer()
	}
	return &Controller{cap: cap}
}

// Acquire opens the microphone, plus the camera when video is set. On
// failure every partially acquired track is released before returning.
func (c *Controller) Acquire(ctx context.Context, video bool) error {
	tracks, err := c.cap.Capture(ctx, video)
	if err != nil {
		for _, t := range tracks {
			t.Close()
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		switch t.Kind() {
		case KindAudio:
			c.mic = t
		case KindVideo:
			c.camera = t
		}
	}
	c.audioEnabled = c.mic != nil
	c.videoEnabled = c.camera != nil
	if video && c.camera == nil {
		log.Printf("MEDIA: camera unavailable, continuing audio-only")
	}
	return nil
}

// Release stops and releases every live track. Idempotent, safe from any
// state including mid-acquire teardown.
func (c *Controller) Release() {
	c.mu.Lock()
	tracks := []Track{c.mic, c.camera, c.screen}
	c.mic, c.camera, c.screen = nil, nil, nil
	c.audioEnabled, c.videoEnabled = false, false
	c.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Close()
		}
	}
}

// ToggleAudio flips the mic's enabled flag. Returns the new muted state.
// The flag is advisory: mediadevices has no per-track enable, so capture
// keeps running and consumers render the muted state in the UI.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioEnabled = !c.audioEnabled
	return !c.audioEnabled
}

// ToggleVideo flips the camera's enabled flag. When no camera track exists
// yet and video is being turned on, a camera track is captured and returned
// so the session can hand it to the connection adapter as a new outbound
// track — that path renegotiates; a plain flag flip does not.
func (c *Controller) ToggleVideo(ctx context.Context) (disabled bool, added Track, err error) {
	c.mu.Lock()
	if c.camera != nil {
		c.videoEnabled = !c.videoEnabled
		disabled = !c.videoEnabled
		c.mu.Unlock()
		return disabled, nil, nil
	}
	c.mu.Unlock()

	// No camera yet — turning video on means acquiring one.
	tracks, err := c.cap.Capture(ctx, true)
	if err != nil {
		return true, nil, err
	}
	var cam Track
	for _, t := range tracks {
		if t.Kind() == KindVideo && cam == nil {
			cam = t
		} else {
			t.Close() // we only asked for the camera
		}
	}
	if cam == nil {
		return true, nil, &Error{Kind: DeviceNotFound, Err: fmt.Errorf("no video track captured")}
	}

	c.mu.Lock()
	c.camera = cam
	c.videoEnabled = true
	c.mu.Unlock()
	return false, cam, nil
}

// StartScreenShare captures the screen and returns the track the adapter
// must swap in for the outbound video. The camera track stays alive so the
// swap back on stop is instant.
func (c *Controller) StartScreenShare(ctx context.Context) (Track, error) {
	c.mu.Lock()
	if c.screen != nil {
		t := c.screen
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.cap.CaptureScreen(ctx)
	if err != nil {
		return nil, err
	}
	// The OS chrome can end the capture without us asking; treat that
	// exactly like an explicit stop.
	t.OnEnded(func(err error) {
		if err != nil {
			log.Printf("MEDIA: screen capture ended: %v", err)
		}
		c.mu.Lock()
		ended := c.screen == t
		fn := c.onScreenEnded
		c.mu.Unlock()
		if ended && fn != nil {
			fn()
		}
	})

	c.mu.Lock()
	c.screen = t
	c.mu.Unlock()
	return t, nil
}

// StopScreenShare releases the screen track and returns the camera track to
// restore as the outbound video, or nil when the call never had a camera.
func (c *Controller) StopScreenShare() Track {
	c.mu.Lock()
	scr := c.screen
	c.screen = nil
	cam := c.camera
	c.mu.Unlock()

	if scr != nil {
		scr.Close()
	}
	return cam
}

// OnScreenEnded registers the hook fired when the driver ends a screen
// capture on its own.
func (c *Controller) OnScreenEnded(fn func()) {
	c.mu.Lock()
	c.onScreenEnded = fn
	c.mu.Unlock()
}

// MicTrack returns the live microphone track, if any.
func (c *Controller) MicTrack() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

// CameraTrack returns the live camera track, if any.
func (c *Controller) CameraTrack() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera
}

// AudioEnabled reports the mic's enabled flag.
func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// VideoEnabled reports the camera's enabled flag.
func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

// LiveTrackCount counts tracks not yet released.
func (c *Controller) LiveTrackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range []Track{c.mic, c.camera, c.screen} {
		if t != nil {
			n++
		}
	}
	return n
}

// WebRTCAPI builds the WebRTC API whose media engine matches the capturer's
// codecs. The connection adapter uses it to construct peer connections.
func (c *Controller) WebRTCAPI() (*webrtc.API, error) {
	return c.cap.API()
}
