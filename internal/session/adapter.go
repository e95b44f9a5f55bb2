package session

import (
	"context"
	"time"

	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/rtc"
	"github.com/meshmeet/meshmeet/internal/signal"
)

// NewRTCDialerFactory adapts the rtc package to the session's Dialer
// interface. sig relays negotiation messages; populate registers the capture
// codecs on every endpoint built by the factory.
func NewRTCDialerFactory(sig rtc.Signaler, populate rtc.EnginePopulator) DialerFactory {
	return func(servers []signal.ICEServer) (Dialer, error) {
		e, err := rtc.NewEndpoint(sig, populate, servers)
		if err != nil {
			return nil, err
		}
		return &rtcDialer{e: e}, nil
	}
}

type rtcDialer struct {
	e *rtc.Endpoint
}

func (d *rtcDialer) Address() string { return d.e.Address() }

func (d *rtcDialer) Dial(ctx context.Context, remoteAddr string, stream *media.Stream) (Link, error) {
	p, err := d.e.Dial(ctx, remoteAddr, stream)
	if err != nil {
		return nil, err
	}
	return &rtcLink{p: p}, nil
}

func (d *rtcDialer) OnIncoming(fn func(IncomingLink)) {
	d.e.OnIncoming(func(ic *rtc.IncomingCall) {
		fn(&rtcIncoming{ic: ic})
	})
}

func (d *rtcDialer) Remove(remoteAddr string) { d.e.Remove(remoteAddr) }

func (d *rtcDialer) Close() { d.e.Close() }

type rtcLink struct {
	p *rtc.Peer
}

func (l *rtcLink) PeerAddress() string { return l.p.PeerAddress() }

func (l *rtcLink) OnStream(fn func(RemoteMedia)) {
	l.p.OnStream(func(s *rtc.RemoteStream) { fn(s) })
}

func (l *rtcLink) OnClose(fn func()) { l.p.OnClose(fn) }

func (l *rtcLink) SetAudioEnabled(enabled bool) error { return l.p.SetAudioEnabled(enabled) }

func (l *rtcLink) AttachVideoTrack(t media.Track) error { return l.p.AttachVideoTrack(t) }

func (l *rtcLink) DetachVideo() error { return l.p.DetachVideo() }

func (l *rtcLink) RTT() time.Duration { return l.p.RTT() }

func (l *rtcLink) Close() error { return l.p.Close() }

type rtcIncoming struct {
	ic *rtc.IncomingCall
}

func (i *rtcIncoming) From() string { return i.ic.From() }

func (i *rtcIncoming) Answer(stream *media.Stream) (Link, error) {
	p, err := i.ic.Answer(stream)
	if err != nil {
		return nil, err
	}
	return &rtcLink{p: p}, nil
}

func (i *rtcIncoming) Decline() { i.ic.Decline() }
