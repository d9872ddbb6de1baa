//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// deviceCapturer on non-Linux platforms captures nothing. Camera/mic capture
// needs platform drivers (V4L2/malgo/X11 on Linux); elsewhere a call runs
// receive-only.
type deviceCapturer struct{}

// DeviceCapturer returns the no-capture platform stub.
func DeviceCapturer() Capturer { return &deviceCapturer{} }

// DeviceCapturerSized ignores the resolution cap — there is no capture to
// constrain on this platform.
func DeviceCapturerSized(maxWidth, maxHeight int) Capturer { return &deviceCapturer{} }

func (d *deviceCapturer) Capture(_ context.Context, video bool) ([]Track, error) {
	log.Printf("MEDIA: no local capture on this platform — receive-only (video=%v)", video)
	return nil, nil
}

func (d *deviceCapturer) CaptureScreen(_ context.Context) (Track, error) {
	return nil, &Error{Kind: DeviceNotFound, Err: fmt.Errorf("screen capture unsupported on this platform")}
}

func (d *deviceCapturer) API() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}
