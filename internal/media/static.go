package media

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticSource is a Source backed by static sample tracks that nothing
// writes to. It produces valid SDP m-lines without any capture hardware,
// which makes it the default on platforms without a capture driver and the
// workhorse of the test suite.
type StaticSource struct {
	*trackSet
}

// NewStaticSource builds a static source with one VP8 video track and/or
// one Opus audio track, per the constraints.
func NewStaticSource(c Constraints) (*StaticSource, error) {
	s := &StaticSource{trackSet: newTrackSet()}
	streamID := "huddle-" + uuid.NewString()

	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.NewString(), streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("static video track: %w", err)
		}
		s.video = append(s.video, video)
	}
	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+uuid.NewString(), streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("static audio track: %w", err)
		}
		s.audio = append(s.audio, audio)
	}
	return s, nil
}

// NewStaticScreenSource builds a static VP8 source labelled as a screen
// track for the given profile.
func NewStaticScreenSource(p ScreenProfile) (*StaticSource, error) {
	s := &StaticSource{trackSet: newTrackSet()}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen-"+p.Name+"-"+uuid.NewString(), "huddle-screen-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("static screen track: %w", err)
	}
	s.video = append(s.video, video)
	return s, nil
}

func (s *StaticSource) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}
