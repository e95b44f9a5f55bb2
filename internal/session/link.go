package session

import (
	"context"
	"time"

	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/signal"
)

// RemoteMedia is the inbound media arriving from one peer.
type RemoteMedia interface {
	PeerAddress() string
	Kinds() []string
	Stop()
}

// Link is one established (or establishing) media connection to a remote
// participant.
type Link interface {
	PeerAddress() string
	OnStream(fn func(RemoteMedia))
	OnClose(fn func())
	SetAudioEnabled(enabled bool) error
	AttachVideoTrack(t media.Track) error
	DetachVideo() error
	RTT() time.Duration
	Close() error
}

// IncomingLink is a connection attempt from a remote participant, awaiting a
// local decision.
type IncomingLink interface {
	From() string
	Answer(stream *media.Stream) (Link, error)
	Decline()
}

// Dialer opens and tracks media links for one session. It is created after
// the ICE configuration is known and torn down with the session.
type Dialer interface {
	Address() string
	Dial(ctx context.Context, remoteAddr string, stream *media.Stream) (Link, error)
	OnIncoming(fn func(IncomingLink))
	Remove(remoteAddr string)
	Close()
}

// DialerFactory builds the session's dialer once the ICE servers are
// resolved.
type DialerFactory func(servers []signal.ICEServer) (Dialer, error)
