// Package media is the device-capture boundary: audio-only and video-only
// acquisition, per-track enable/disable and classified acquisition errors.
// The call session owns the resulting Stream exclusively.
package media

import "sync"

// Kind distinguishes audio from video tracks.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Track is one local capture track. Enabled mirrors the browser semantics:
// a disabled track keeps the device open but produces silence/blackness at
// the senders, which the peer links enforce.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
	Stopped() bool
}

// Device acquires local capture streams. CaptureDevice is the hardware-backed
// implementation; tests inject fakes.
type Device interface {
	// CaptureAudio opens the microphone only. Never touches the camera.
	CaptureAudio() (*Stream, error)
	// CaptureVideo opens the camera only. Never touches the microphone.
	CaptureVideo() (*Stream, error)
}

// Stream is an owned group of local tracks. WebRTC tracks may be attached to
// several senders at once, which the mesh topology relies on; the Stream
// itself is never shared between sessions.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
}

// NewStream groups tracks into a stream.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns a snapshot of all tracks.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns a snapshot of the audio tracks.
func (s *Stream) AudioTracks() []Track {
	return s.kind(KindAudio)
}

// VideoTracks returns a snapshot of the video tracks.
func (s *Stream) VideoTracks() []Track {
	return s.kind(KindVideo)
}

func (s *Stream) kind(k Kind) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// AddTrack appends a track, typically a camera track joining an audio-only
// stream when video is toggled on.
func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// RemoveTrack detaches a track without stopping it.
func (s *Stream) RemoveTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.tracks {
		if have == t {
			s.tracks = append(s.tracks[:i:i], s.tracks[i+1:]...)
			return
		}
	}
}

// SetAudioEnabled flips the enabled flag on every audio track.
func (s *Stream) SetAudioEnabled(enabled bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(enabled)
	}
}

// StopAll stops every track. Safe to call more than once.
func (s *Stream) StopAll() {
	for _, t := range s.Tracks() {
		_ = t.Stop()
	}
}
