// Package media defines the opaque local media source consumed by the peer
// connection layer. Sources are acquired by collaborator code (camera/mic
// capture, screen capture) and handed to the rtc manager; the manager only
// ever sees tracks and enable flags.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Source is an opaque handle over a set of local outbound tracks.
// Enable flags carry mute state: the connection layer detaches a disabled
// kind at the sender, never removes the track, so no renegotiation is
// implied.
type Source interface {
	AudioTracks() []webrtc.TrackLocal
	VideoTracks() []webrtc.TrackLocal

	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool

	// ConfigureEngine registers the codecs this source produces on the
	// media engine the peer connections are built from.
	ConfigureEngine(engine *webrtc.MediaEngine) error

	// Close stops all tracks and releases device access.
	Close() error
}

// Constraints is the "preferred media constraints" input, selected by
// collaborator code outside this system.
type Constraints struct {
	Video     bool
	Audio     bool
	MaxWidth  int
	MaxHeight int
}

// Provider returns a local media source for the given constraints.
type Provider func(c Constraints) (Source, error)

// ScreenProfile is one of the fixed screen-share quality profiles.
type ScreenProfile struct {
	Name      string
	Width     int
	Height    int
	FrameRate int
	BitRate   int
}

// ScreenProvider produces screen-capture sources.
type ScreenProvider interface {
	CaptureScreen(p ScreenProfile) (Source, error)
}

// ScreenProviderFunc adapts a capture function to ScreenProvider.
type ScreenProviderFunc func(p ScreenProfile) (Source, error)

func (f ScreenProviderFunc) CaptureScreen(p ScreenProfile) (Source, error) { return f(p) }

// EndNotifier is implemented by sources that can be terminated from
// outside the application, such as a screen capture the platform cancels.
type EndNotifier interface {
	OnEnded(fn func())
}

var screenProfiles = []ScreenProfile{
	{Name: "480p", Width: 854, Height: 480, FrameRate: 15, BitRate: 800_000},
	{Name: "720p", Width: 1280, Height: 720, FrameRate: 15, BitRate: 1_500_000},
	{Name: "1080p", Width: 1920, Height: 1080, FrameRate: 30, BitRate: 3_000_000},
}

// ProfileByName resolves a fixed screen profile; ok is false for unknown
// names.
func ProfileByName(name string) (ScreenProfile, bool) {
	for _, p := range screenProfiles {
		if p.Name == name {
			return p, true
		}
	}
	return ScreenProfile{}, false
}

// ScreenProfiles returns the fixed profile set.
func ScreenProfiles() []ScreenProfile {
	out := make([]ScreenProfile, len(screenProfiles))
	copy(out, screenProfiles)
	return out
}

// trackSet implements the Source bookkeeping shared by all concrete sources.
type trackSet struct {
	mu       sync.Mutex
	audio    []webrtc.TrackLocal
	video    []webrtc.TrackLocal
	audioOn  bool
	videoOn  bool
	closeFns []func() error
}

func newTrackSet() *trackSet {
	return &trackSet{audioOn: true, videoOn: true}
}

func (t *trackSet) AudioTracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), t.audio...)
}

func (t *trackSet) VideoTracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), t.video...)
}

func (t *trackSet) SetAudioEnabled(enabled bool) {
	t.mu.Lock()
	t.audioOn = enabled
	t.mu.Unlock()
}

func (t *trackSet) SetVideoEnabled(enabled bool) {
	t.mu.Lock()
	t.videoOn = enabled
	t.mu.Unlock()
}

func (t *trackSet) AudioEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audioOn
}

func (t *trackSet) VideoEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.videoOn
}

func (t *trackSet) Close() error {
	t.mu.Lock()
	fns := t.closeFns
	t.closeFns = nil
	t.audio = nil
	t.video = nil
	t.mu.Unlock()

	var first error
	for _, fn := range fns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
