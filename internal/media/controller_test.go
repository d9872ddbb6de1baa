package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

// fakeTrack is a hardware-free Track. Local() is nil on purpose — the
// adapter skips trackless fakes.
type fakeTrack struct {
	kind   TrackKind
	source TrackSource

	mu      sync.Mutex
	closed  bool
	onEnded func(error)
}

func (f *fakeTrack) Kind() TrackKind          { return f.kind }
func (f *fakeTrack) Source() TrackSource      { return f.source }
func (f *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (f *fakeTrack) OnEnded(fn func(error)) {
	f.mu.Lock()
	f.onEnded = fn
	f.mu.Unlock()
}

func (f *fakeTrack) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// end simulates the driver stopping the track on its own.
func (f *fakeTrack) end(err error) {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeCapturer struct {
	mu         sync.Mutex
	noCamera   bool
	captureErr error
	screenErr  error
	captured   []*fakeTrack
}

func (f *fakeCapturer) Capture(ctx context.Context, video bool) ([]Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	mic := &fakeTrack{kind: KindAudio, source: SourceMicrophone}
	f.captured = append(f.captured, mic)
	out := []Track{mic}
	if video && !f.noCamera {
		cam := &fakeTrack{kind: KindVideo, source: SourceCamera}
		f.captured = append(f.captured, cam)
		out = append(out, cam)
	}
	return out, nil
}

func (f *fakeCapturer) CaptureScreen(ctx context.Context) (Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.screenErr != nil {
		return nil, f.screenErr
	}
	scr := &fakeTrack{kind: KindVideo, source: SourceScreen}
	f.captured = append(f.captured, scr)
	return scr, nil
}

func (f *fakeCapturer) API() (*webrtc.API, error) { return webrtc.NewAPI(), nil }

func (f *fakeCapturer) lastScreen() *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.captured) - 1; i >= 0; i-- {
		if f.captured[i].source == SourceScreen {
			return f.captured[i]
		}
	}
	return nil
}

func (f *fakeCapturer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.captured {
		if !t.isClosed() {
			n++
		}
	}
	return n
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("video call acquires mic and camera", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, true); err != nil {
			t.Fatal(err)
		}
		if c.MicTrack() == nil || c.CameraTrack() == nil {
			t.Fatal("expected mic and camera tracks")
		}
		if !c.AudioEnabled() || !c.VideoEnabled() {
			t.Fatal("fresh tracks must start enabled")
		}
		if c.LiveTrackCount() != 2 {
			t.Fatalf("live tracks = %d", c.LiveTrackCount())
		}
	})

	t.Run("audio call skips the camera", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, false); err != nil {
			t.Fatal(err)
		}
		if c.CameraTrack() != nil {
			t.Fatal("audio-only acquire opened a camera")
		}
		if c.VideoEnabled() {
			t.Fatal("video enabled without a camera track")
		}
	})

	t.Run("missing camera degrades to audio-only", func(t *testing.T) {
		cap := &fakeCapturer{noCamera: true}
		c := NewController(cap)
		if err := c.Acquire(ctx, true); err != nil {
			t.Fatalf("camera absence must not fail acquire: %v", err)
		}
		if c.MicTrack() == nil {
			t.Fatal("mic missing")
		}
		if c.CameraTrack() != nil || c.VideoEnabled() {
			t.Fatal("expected audio-only degrade")
		}
	})

	t.Run("capture failure propagates", func(t *testing.T) {
		cap := &fakeCapturer{captureErr: errors.New("device busy")}
		c := NewController(cap)
		if err := c.Acquire(ctx, false); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("release closes everything and is idempotent", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, true); err != nil {
			t.Fatal(err)
		}
		c.Release()
		if c.LiveTrackCount() != 0 {
			t.Fatalf("live tracks after release = %d", c.LiveTrackCount())
		}
		if cap.openCount() != 0 {
			t.Fatalf("%d captured tracks not closed", cap.openCount())
		}
		c.Release() // second time must be safe
		if c.AudioEnabled() || c.VideoEnabled() {
			t.Fatal("enabled flags survived release")
		}
	})
}

func TestToggleAudio(t *testing.T) {
	cap := &fakeCapturer{}
	c := NewController(cap)
	if err := c.Acquire(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if muted := c.ToggleAudio(); !muted {
		t.Fatal("first toggle should mute")
	}
	if c.AudioEnabled() {
		t.Fatal("flag out of sync")
	}
	if muted := c.ToggleAudio(); muted {
		t.Fatal("second toggle should unmute")
	}
}

func TestToggleVideo(t *testing.T) {
	ctx := context.Background()

	t.Run("flag flip when the camera exists", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, true); err != nil {
			t.Fatal(err)
		}
		disabled, added, err := c.ToggleVideo(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !disabled || added != nil {
			t.Fatalf("disabled=%v added=%v, expected plain flag flip", disabled, added)
		}
		// Disabling must not close the track; re-enable is instant.
		if c.CameraTrack() == nil {
			t.Fatal("camera track dropped by a flag flip")
		}
		disabled, added, err = c.ToggleVideo(ctx)
		if err != nil || disabled || added != nil {
			t.Fatalf("re-enable: disabled=%v added=%v err=%v", disabled, added, err)
		}
	})

	t.Run("enabling on an audio-only call captures a camera", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, false); err != nil {
			t.Fatal(err)
		}
		disabled, added, err := c.ToggleVideo(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if disabled || added == nil {
			t.Fatalf("disabled=%v added=%v, expected a new camera track", disabled, added)
		}
		if added.Source() != SourceCamera {
			t.Fatalf("added source = %s", added.Source())
		}
		if !c.VideoEnabled() || c.CameraTrack() == nil {
			t.Fatal("controller did not keep the new camera")
		}
	})

	t.Run("camera acquisition failure", func(t *testing.T) {
		cap := &fakeCapturer{noCamera: true}
		c := NewController(cap)
		if err := c.Acquire(ctx, false); err != nil {
			t.Fatal(err)
		}
		disabled, added, err := c.ToggleVideo(ctx)
		if err == nil {
			t.Fatal("expected error when no camera exists")
		}
		if !disabled || added != nil {
			t.Fatalf("disabled=%v added=%v after failure", disabled, added)
		}
		var mediaErr *Error
		if !errors.As(err, &mediaErr) || mediaErr.Kind != DeviceNotFound {
			t.Fatalf("expected DeviceNotFound, got %v", err)
		}
	})
}

func TestScreenShare(t *testing.T) {
	ctx := context.Background()

	t.Run("start and stop restore the camera", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, true); err != nil {
			t.Fatal(err)
		}
		scr, err := c.StartScreenShare(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if scr.Source() != SourceScreen {
			t.Fatalf("source = %s", scr.Source())
		}
		if c.LiveTrackCount() != 3 {
			t.Fatalf("live tracks = %d, camera must stay alive", c.LiveTrackCount())
		}

		cam := c.StopScreenShare()
		if cam == nil || cam.Source() != SourceCamera {
			t.Fatalf("stop returned %v, expected the camera", cam)
		}
		if scrFake := cap.lastScreen(); scrFake == nil || !scrFake.isClosed() {
			t.Fatal("screen track not closed on stop")
		}
	})

	t.Run("stop without a camera returns nil", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, false); err != nil {
			t.Fatal(err)
		}
		if _, err := c.StartScreenShare(ctx); err != nil {
			t.Fatal(err)
		}
		if cam := c.StopScreenShare(); cam != nil {
			t.Fatalf("expected nil camera, got %v", cam)
		}
	})

	t.Run("second start reuses the live capture", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, false); err != nil {
			t.Fatal(err)
		}
		first, err := c.StartScreenShare(ctx)
		if err != nil {
			t.Fatal(err)
		}
		second, err := c.StartScreenShare(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if first != second {
			t.Fatal("second start captured a fresh screen track")
		}
	})

	t.Run("capture failure propagates", func(t *testing.T) {
		cap := &fakeCapturer{screenErr: fmt.Errorf("permission denied")}
		c := NewController(cap)
		if _, err := c.StartScreenShare(ctx); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("driver-initiated end fires the hook", func(t *testing.T) {
		cap := &fakeCapturer{}
		c := NewController(cap)
		if err := c.Acquire(ctx, true); err != nil {
			t.Fatal(err)
		}
		fired := 0
		c.OnScreenEnded(func() { fired++ })
		if _, err := c.StartScreenShare(ctx); err != nil {
			t.Fatal(err)
		}
		cap.lastScreen().end(nil)
		if fired != 1 {
			t.Fatalf("hook fired %d times", fired)
		}

		// A stale end after the share already stopped must not fire.
		stale := cap.lastScreen()
		c.StopScreenShare()
		stale.end(errors.New("late"))
		if fired != 1 {
			t.Fatalf("stale end fired the hook, count = %d", fired)
		}
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		kind ErrorKind
	}{
		{"operation not permitted", PermissionDenied},
		{"access denied by policy", PermissionDenied},
		{"device or resource busy", DeviceBusy},
		{"already in use", DeviceBusy},
		{"no such device", DeviceNotFound},
		{"something unexpected", DeviceNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			got := classify(errors.New(tc.msg))
			if got.Kind != tc.kind {
				t.Fatalf("classify(%q) = %s, expected %s", tc.msg, got.Kind, tc.kind)
			}
		})
	}
}
