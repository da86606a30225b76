//go:build linux && cgo

package media

import (
	"errors"
	"log"
	"sync"

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

// captureSource wraps a mediadevices stream as a Source.
type captureSource struct {
	*trackSet
	selector *mediadevices.CodecSelector

	endMu sync.Mutex
	onEnd func()
}

// OnEnded registers a callback fired once when the platform terminates the
// capture out from under us.
func (s *captureSource) OnEnded(fn func()) {
	s.endMu.Lock()
	s.onEnd = fn
	s.endMu.Unlock()
}

func (s *captureSource) fireEnded() {
	s.endMu.Lock()
	fn := s.onEnd
	s.onEnd = nil
	s.endMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *captureSource) ConfigureEngine(engine *webrtc.MediaEngine) error {
	s.selector.Populate(engine)
	return nil
}

func newCodecSelector(bitRate int) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if bitRate <= 0 {
		bitRate = 1_500_000
	}
	vpxParams.BitRate = bitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func wrapStream(stream mediadevices.MediaStream, selector *mediadevices.CodecSelector) *captureSource {
	s := &captureSource{trackSet: newTrackSet(), selector: selector}
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
			s.fireEnded()
		})
		t := track
		s.closeFns = append(s.closeFns, func() error { return t.Close() })
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			s.video = append(s.video, track)
		case webrtc.RTPCodecTypeAudio:
			s.audio = append(s.audio, track)
		}
	}
	return s
}

// CaptureUserMedia captures camera/microphone via pion/mediadevices (V4L2 +
// malgo). GetUserMedia fails as a unit if either requested track can't be
// opened, so try video+audio first, then video-only, then audio-only: a
// missing or busy microphone must not prevent the camera from working and
// vice versa.
func CaptureUserMedia(c Constraints) (Source, error) {
	selector, err := newCodecSelector(0)
	if err != nil {
		return nil, err
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{c.Video, c.Audio, "video+audio"},
		{c.Video, false, "video-only"},
		{false, c.Audio, "audio-only"},
	}

	var lastErr error
	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed JPEG frames, which poisons the
				// VP8 encoder. Raw formats only.
				mtc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if c.MaxWidth > 0 {
					mtc.Width = prop.IntRanged{Max: c.MaxWidth}
				}
				if c.MaxHeight > 0 {
					mtc.Height = prop.IntRanged{Max: c.MaxHeight}
				}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}
		log.Printf("MEDIA: local media captured (%s) — %d tracks", a.label, len(stream.GetTracks()))
		return wrapStream(stream, selector), nil
	}

	if lastErr == nil {
		lastErr = errors.New("no media kinds requested")
	}
	return nil, lastErr
}

// CaptureScreen captures a screen source at the given fixed profile.
func CaptureScreen(p ScreenProfile) (Source, error) {
	selector, err := newCodecSelector(p.BitRate)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(mtc *mediadevices.MediaTrackConstraints) {
			if p.Width > 0 {
				mtc.Width = prop.IntRanged{Max: p.Width}
			}
			if p.Height > 0 {
				mtc.Height = prop.IntRanged{Max: p.Height}
			}
			if p.FrameRate > 0 {
				mtc.FrameRate = prop.FloatRanged{Max: float32(p.FrameRate)}
			}
		},
	})
	if err != nil {
		return nil, err
	}
	log.Printf("MEDIA: screen captured at %s", p.Name)
	return wrapStream(stream, selector), nil
}
