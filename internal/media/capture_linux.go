//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceTrack adapts a mediadevices track.
type deviceTrack struct {
	t      mediadevices.Track
	kind   TrackKind
	source TrackSource
}

func (d *deviceTrack) Kind() TrackKind          { return d.kind }
func (d *deviceTrack) Source() TrackSource      { return d.source }
func (d *deviceTrack) Local() webrtc.TrackLocal { return d.t }
func (d *deviceTrack) OnEnded(fn func(error))   { d.t.OnEnded(fn) }
func (d *deviceTrack) Close() error             { return d.t.Close() }

// deviceCapturer captures via V4L2, malgo and X11 on Linux.
type deviceCapturer struct {
	selector  *mediadevices.CodecSelector
	maxWidth  int
	maxHeight int
}

// DeviceCapturer returns the platform capturer with the default 640×480 cap.
func DeviceCapturer() Capturer { return DeviceCapturerSized(0, 0) }

// DeviceCapturerSized returns the platform capturer: VP8 + Opus with raw
// frame formats only and a capped capture resolution (0 = 640×480). Higher
// resolutions increase VP8 encoding latency, and some cameras expose an
// MJPEG node that produces malformed frames which poison the encoder.
func DeviceCapturerSized(maxWidth, maxHeight int) Capturer {
	if maxWidth <= 0 {
		maxWidth = 640
	}
	if maxHeight <= 0 {
		maxHeight = 480
	}
	d := &deviceCapturer{maxWidth: maxWidth, maxHeight: maxHeight}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		log.Printf("MEDIA: vp8 params: %v", err)
		return d
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		log.Printf("MEDIA: opus params: %v", err)
		return d
	}

	d.selector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return d
}

func (d *deviceCapturer) videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: d.maxWidth}
	c.Height = prop.IntRanged{Max: d.maxHeight}
}

// Capture opens mic (+camera when video). GetUserMedia fails as a unit when
// either device can't be opened, so a video request falls back to
// audio-only before giving up — a missing camera must not kill an audio
// call, a missing mic must.
func (d *deviceCapturer) Capture(_ context.Context, video bool) ([]Track, error) {
	if d.selector == nil {
		return nil, &Error{Kind: DeviceNotFound, Err: fmt.Errorf("no codec selector")}
	}

	attempts := []bool{video}
	if video {
		attempts = append(attempts, false)
	}

	var lastErr error
	for _, withVideo := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if withVideo {
			constraints.Video = d.videoConstraints
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (video=%v) failed: %v", withVideo, err)
			lastErr = err
			continue
		}

		var out []Track
		for _, t := range stream.GetTracks() {
			kind := KindAudio
			source := SourceMicrophone
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				kind = KindVideo
				source = SourceCamera
			}
			out = append(out, &deviceTrack{t: t, kind: kind, source: source})
		}
		log.Printf("MEDIA: captured %d track(s) (video=%v)", len(out), withVideo)
		return out, nil
	}
	return nil, classify(lastErr)
}

// CaptureScreen opens an X11 screen-capture track.
func (d *deviceCapturer) CaptureScreen(_ context.Context) (Track, error) {
	if d.selector == nil {
		return nil, &Error{Kind: DeviceNotFound, Err: fmt.Errorf("no codec selector")}
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classify(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, &Error{Kind: DeviceNotFound, Err: fmt.Errorf("no screen track captured")}
	}
	return &deviceTrack{t: tracks[0], kind: KindVideo, source: SourceScreen}, nil
}

// API builds a WebRTC API with the capturer's codecs, default interceptors
// and generous ICE timeouts. The default disconnectedTimeout of 5 s is far
// too short for relay paths with brief outages during re-keying.
func (d *deviceCapturer) API() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if d.selector != nil {
		d.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
