package rtc

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteStream is the negotiated inbound media from one peer. Tracks are
// drained continuously so RTCP feedback keeps flowing; consumers read the
// stream's shape (kinds) rather than raw packets. Closing the owning peer
// connection ends the reader goroutines.
type RemoteStream struct {
	peerAddr string

	mu     sync.Mutex
	kinds  []string
	closed bool
	stop   chan struct{}
}

func newRemoteStream(peerAddr string) *RemoteStream {
	return &RemoteStream{peerAddr: peerAddr, stop: make(chan struct{})}
}

// PeerAddress identifies the sending peer.
func (s *RemoteStream) PeerAddress() string { return s.peerAddr }

// Kinds lists the track kinds received so far ("audio", "video").
func (s *RemoteStream) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kinds...)
}

// Stop halts playback draining. Idempotent.
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
}

// addTrack registers an inbound track and drains it until the track or the
// stream ends.
func (s *RemoteStream) addTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.kinds = append(s.kinds, track.Kind().String())
	stop := s.stop
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, _, err := track.ReadRTP(); err != nil {
				slog.Debug("remote track ended", "peer", s.peerAddr, "kind", track.Kind().String(), "error", err)
				return
			}
		}
	}()
}
