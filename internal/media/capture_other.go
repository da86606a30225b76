//go:build !linux || !cgo

package media

// Camera/mic capture via pion/mediadevices requires platform-specific
// drivers (V4L2/malgo on Linux). On other platforms a static source keeps
// SDP negotiation valid; calls still receive remote media.

// CaptureUserMedia returns a static source on non-Linux platforms.
func CaptureUserMedia(c Constraints) (Source, error) {
	return NewStaticSource(c)
}

// CaptureScreen returns a static screen source on non-Linux platforms.
func CaptureScreen(p ScreenProfile) (Source, error) {
	return NewStaticScreenSource(p)
}
