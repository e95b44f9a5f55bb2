// Package rtc owns the peer-connection layer: one Endpoint per session, one
// Peer per remote participant. Negotiation messages travel through the
// signaling server addressed by opaque per-session addresses, so media links
// survive signaling reconnects and user identity never leaks into ICE.
package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/signal"
)

// Signaler relays peer-connection setup messages between endpoints.
// *signal.CallClient satisfies it.
type Signaler interface {
	SendRTCSignal(sig signal.RTCSignal)
	OnRTCSignal(fn func(signal.RTCSignal)) func()
}

// Endpoint is the local end of all media links in one session. It mints the
// session's signaling address, routes inbound negotiation messages to the
// right peer, and buffers candidates that race ahead of their offer.
type Endpoint struct {
	addr   string
	sig    Signaler
	config webrtc.Configuration
	api    *webrtc.API

	mu         sync.Mutex
	peers      map[string]*Peer                      // by remote address
	early      map[string][]signal.RTCSignal         // candidates seen before the peer exists
	onIncoming func(*IncomingCall)
	dispose    func()
	closed     bool
}

// NewEndpoint creates an endpoint with a fresh signaling address. The
// populator registers the capture codecs; servers is the ICE configuration
// already resolved by the session.
func NewEndpoint(sig Signaler, populate EnginePopulator, servers []signal.ICEServer) (*Endpoint, error) {
	api, err := newAPI(populate)
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}

	e := &Endpoint{
		addr:   uuid.NewString(),
		sig:    sig,
		config: ICEConfiguration(servers),
		api:    api,
		peers:  make(map[string]*Peer),
		early:  make(map[string][]signal.RTCSignal),
	}
	e.dispose = sig.OnRTCSignal(e.route)
	return e, nil
}

// Address is the endpoint's signaling address, announced in join-call.
func (e *Endpoint) Address() string { return e.addr }

// OnIncoming registers the handler for offers from peers we have not dialed.
func (e *Endpoint) OnIncoming(fn func(*IncomingCall)) {
	e.mu.Lock()
	e.onIncoming = fn
	e.mu.Unlock()
}

// Dial opens a media link to remoteAddr, attaching stream's tracks and
// sending the offer. The returned peer is registered before the offer goes
// out so answer and candidates always find it.
func (e *Endpoint) Dial(ctx context.Context, remoteAddr string, stream *media.Stream) (*Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := e.newRegisteredPeer(remoteAddr)
	if err != nil {
		return nil, err
	}

	if err := p.attachLocalStream(stream); err != nil {
		e.drop(remoteAddr, p)
		return nil, err
	}
	if err := p.openControlChannel(); err != nil {
		e.drop(remoteAddr, p)
		return nil, err
	}
	if err := p.offer(); err != nil {
		e.drop(remoteAddr, p)
		return nil, err
	}

	e.flushEarly(p)
	return p, nil
}

// Peer returns the registered link to remoteAddr, if any.
func (e *Endpoint) Peer(remoteAddr string) (*Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[remoteAddr]
	return p, ok
}

// Remove unregisters the link to remoteAddr without closing it; the caller
// owns the teardown order.
func (e *Endpoint) Remove(remoteAddr string) {
	e.mu.Lock()
	delete(e.peers, remoteAddr)
	delete(e.early, remoteAddr)
	e.mu.Unlock()
}

// Close tears down every registered link and stops routing.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	peers := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.peers = make(map[string]*Peer)
	e.early = make(map[string][]signal.RTCSignal)
	dispose := e.dispose
	e.mu.Unlock()

	dispose()
	for _, p := range peers {
		if err := p.Close(); err != nil {
			slog.Debug("close peer", "peer", p.PeerAddress(), "error", err)
		}
	}
}

// IncomingCall is an offer from a peer we have not dialed. The session decides
// whether to Answer it with a local stream or Decline it.
type IncomingCall struct {
	endpoint *Endpoint
	from     string
	sdp      string
}

// From is the caller's signaling address.
func (ic *IncomingCall) From() string { return ic.from }

// Answer accepts the call, attaching stream's tracks and completing
// negotiation. The returned peer is registered with the endpoint.
func (ic *IncomingCall) Answer(stream *media.Stream) (*Peer, error) {
	e := ic.endpoint

	p, err := e.newRegisteredPeer(ic.from)
	if err != nil {
		return nil, err
	}

	if err := p.attachLocalStream(stream); err != nil {
		e.drop(ic.from, p)
		return nil, err
	}
	if err := p.answer(ic.sdp); err != nil {
		e.drop(ic.from, p)
		return nil, err
	}

	e.flushEarly(p)
	return p, nil
}

// Decline drops the call without responding; the caller's ICE timeout cleans
// up the far end.
func (ic *IncomingCall) Decline() {
	ic.endpoint.Remove(ic.from)
}

func (e *Endpoint) newRegisteredPeer(remoteAddr string) (*Peer, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := newPeer(e.addr, remoteAddr, pc, e.sig)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		pc.Close()
		return nil, fmt.Errorf("endpoint closed")
	}
	if existing, ok := e.peers[remoteAddr]; ok {
		e.mu.Unlock()
		pc.Close()
		return nil, fmt.Errorf("link to %s already exists (peer %s)", remoteAddr, existing.PeerAddress())
	}
	e.peers[remoteAddr] = p
	e.mu.Unlock()
	return p, nil
}

func (e *Endpoint) drop(remoteAddr string, p *Peer) {
	e.Remove(remoteAddr)
	if err := p.Close(); err != nil {
		slog.Debug("close failed peer", "peer", remoteAddr, "error", err)
	}
}

// route dispatches one relayed negotiation message. Offers from unknown
// addresses surface as incoming calls; candidates from unknown addresses are
// buffered because trickle ICE can deliver them before the session has
// answered the offer.
func (e *Endpoint) route(sig signal.RTCSignal) {
	if sig.To != e.addr {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	p, known := e.peers[sig.From]
	onIncoming := e.onIncoming
	e.mu.Unlock()

	switch sig.Kind {
	case "offer":
		if known {
			slog.Warn("duplicate offer for existing link, ignoring", "from", sig.From)
			return
		}
		if onIncoming == nil {
			slog.Warn("offer with no incoming handler, dropping", "from", sig.From)
			return
		}
		onIncoming(&IncomingCall{endpoint: e, from: sig.From, sdp: sig.SDP})

	case "answer":
		if !known {
			slog.Warn("answer for unknown link, dropping", "from", sig.From)
			return
		}
		p.handleAnswer(sig.SDP)

	case "candidate":
		if !known {
			e.mu.Lock()
			e.early[sig.From] = append(e.early[sig.From], sig)
			e.mu.Unlock()
			return
		}
		p.handleCandidate(sig.Candidate)

	default:
		slog.Warn("unknown rtc signal kind", "kind", sig.Kind, "from", sig.From)
	}
}

// flushEarly replays candidates that arrived before the peer was registered.
func (e *Endpoint) flushEarly(p *Peer) {
	e.mu.Lock()
	early := e.early[p.remoteAddr]
	delete(e.early, p.remoteAddr)
	e.mu.Unlock()

	for _, sig := range early {
		p.handleCandidate(sig.Candidate)
	}
}
