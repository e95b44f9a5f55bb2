package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/signal"
)

// ErrNoRTPBinding is returned when a local track cannot be attached to a
// peer connection because it has no RTP representation (e.g. a test stub).
var ErrNoRTPBinding = errors.New("track has no RTP binding")

// rtpProvider is implemented by capture tracks that can hand out their
// underlying webrtc track for sender attachment.
type rtpProvider interface {
	RTPTrack() webrtc.TrackLocal
}

type audioSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Peer is one media connection to a single remote participant.
type Peer struct {
	localAddr  string
	remoteAddr string
	pc         *webrtc.PeerConnection
	sig        Signaler

	mu            sync.Mutex
	audio         []audioSender
	videoSender   *webrtc.RTPSender
	remote        *RemoteStream
	control       *controlChannel
	onStream      func(*RemoteStream)
	onClose       func()
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	closed        bool
}

func newPeer(localAddr, remoteAddr string, pc *webrtc.PeerConnection, sig Signaler) *Peer {
	p := &Peer{
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		pc:         pc,
		sig:        sig,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		sig.SendRTCSignal(signal.RTCSignal{
			To:        remoteAddr,
			From:      localAddr,
			Kind:      "candidate",
			Candidate: candidate,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.handleRemoteTrack(track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlLabel {
			return
		}
		p.mu.Lock()
		p.control = newControlChannel(dc)
		p.mu.Unlock()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.fireClose()
		}
	})

	return p
}

// PeerAddress identifies the remote end of this link.
func (p *Peer) PeerAddress() string { return p.remoteAddr }

// OnStream registers the handler fired once, when the first remote track
// arrives.
func (p *Peer) OnStream(fn func(*RemoteStream)) {
	p.mu.Lock()
	p.onStream = fn
	remote := p.remote
	p.mu.Unlock()
	if remote != nil {
		fn(remote)
	}
}

// OnClose registers the handler fired when the underlying transport reports
// closure or failure.
func (p *Peer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// attachLocalStream wires the local tracks into the connection. The audio
// track's enabled flag is honored immediately: a muted session attaches its
// sender with no track so the m-line negotiates but nothing flows. A video
// transceiver is always negotiated up front so a later camera toggle only
// needs ReplaceTrack, never a renegotiation.
func (p *Peer) attachLocalStream(stream *media.Stream) error {
	for _, t := range stream.AudioTracks() {
		rt, err := rtpTrack(t)
		if err != nil {
			return err
		}
		sender, err := p.pc.AddTrack(rt)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		p.mu.Lock()
		p.audio = append(p.audio, audioSender{sender: sender, track: rt})
		p.mu.Unlock()
		if !t.Enabled() {
			if err := sender.ReplaceTrack(nil); err != nil {
				return fmt.Errorf("mute audio sender: %w", err)
			}
		}
	}

	videoTracks := stream.VideoTracks()
	if len(videoTracks) > 0 {
		if err := p.AttachVideoTrack(videoTracks[0]); err != nil {
			return err
		}
	} else {
		tr, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
		p.mu.Lock()
		p.videoSender = tr.Sender()
		p.mu.Unlock()
	}

	return nil
}

// SetAudioEnabled applies the local mute flag to the outbound audio senders
// by swapping the sender's track in or out.
func (p *Peer) SetAudioEnabled(enabled bool) error {
	p.mu.Lock()
	senders := append([]audioSender(nil), p.audio...)
	p.mu.Unlock()

	for _, s := range senders {
		var t webrtc.TrackLocal
		if enabled {
			t = s.track
		}
		if err := s.sender.ReplaceTrack(t); err != nil {
			return fmt.Errorf("replace audio track: %w", err)
		}
	}
	return nil
}

// AttachVideoTrack adds or replaces the outbound video track on the
// already-negotiated connection.
func (p *Peer) AttachVideoTrack(t media.Track) error {
	rt, err := rtpTrack(t)
	if err != nil {
		return err
	}

	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()

	if sender != nil {
		if err := sender.ReplaceTrack(rt); err != nil {
			return fmt.Errorf("replace video track: %w", err)
		}
		return nil
	}

	// AddTrack reuses the pre-negotiated video transceiver when one is free.
	sender, err = p.pc.AddTrack(rt)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	p.mu.Lock()
	p.videoSender = sender
	p.mu.Unlock()
	return nil
}

// DetachVideo stops sending video while keeping the connection and the
// negotiated m-line intact.
func (p *Peer) DetachVideo() error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()

	if sender == nil {
		return nil
	}
	if err := sender.ReplaceTrack(nil); err != nil {
		return fmt.Errorf("detach video track: %w", err)
	}
	return nil
}

// RTT returns the control-channel round-trip estimate, zero until measured.
func (p *Peer) RTT() time.Duration {
	p.mu.Lock()
	control := p.control
	p.mu.Unlock()
	if control == nil {
		return 0
	}
	return control.RTT()
}

// Close tears the connection down. Idempotent; the OnClose handler does not
// fire for an explicit Close.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	control := p.control
	remote := p.remote
	p.mu.Unlock()

	if control != nil {
		control.stop()
	}
	if remote != nil {
		remote.Stop()
	}
	return p.pc.Close()
}

// openControlChannel creates the caller-side control data channel. Must run
// before the offer so the channel is part of the negotiation.
func (p *Peer) openControlChannel() error {
	ordered := true
	dc, err := p.pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create control channel: %w", err)
	}
	p.mu.Lock()
	p.control = newControlChannel(dc)
	p.mu.Unlock()
	return nil
}

// offer starts negotiation from the caller side.
func (p *Peer) offer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.sig.SendRTCSignal(signal.RTCSignal{
		To:   p.remoteAddr,
		From: p.localAddr,
		Kind: "offer",
		SDP:  offer.SDP,
	})
	return nil
}

// answer completes negotiation from the callee side.
func (p *Peer) answer(offerSDP string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushPendingCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.sig.SendRTCSignal(signal.RTCSignal{
		To:   p.remoteAddr,
		From: p.localAddr,
		Kind: "answer",
		SDP:  answer.SDP,
	})
	return nil
}

// handleAnswer applies the callee's answer on the caller side.
func (p *Peer) handleAnswer(sdp string) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		slog.Warn("apply answer", "peer", p.remoteAddr, "error", err)
		return
	}
	p.flushPendingCandidates()
}

// handleCandidate applies a trickled remote candidate, buffering it if the
// remote description has not been set yet.
func (p *Peer) handleCandidate(raw json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		slog.Warn("parse ICE candidate", "peer", p.remoteAddr, "error", err)
		return
	}

	p.mu.Lock()
	if !p.remoteDescSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(candidate); err != nil {
		slog.Warn("add ICE candidate", "peer", p.remoteAddr, "error", err)
	}
}

func (p *Peer) flushPendingCandidates() {
	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			slog.Warn("add buffered ICE candidate", "peer", p.remoteAddr, "error", err)
		}
	}
}

func (p *Peer) handleRemoteTrack(track *webrtc.TrackRemote) {
	p.mu.Lock()
	first := p.remote == nil
	if first {
		p.remote = newRemoteStream(p.remoteAddr)
	}
	remote := p.remote
	fn := p.onStream
	p.mu.Unlock()

	remote.addTrack(track)
	if first && fn != nil {
		fn(remote)
	}
}

func (p *Peer) fireClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onClose
	control := p.control
	remote := p.remote
	p.mu.Unlock()

	if control != nil {
		control.stop()
	}
	if remote != nil {
		remote.Stop()
	}
	if fn != nil {
		fn()
	}
}

func rtpTrack(t media.Track) (webrtc.TrackLocal, error) {
	provider, ok := t.(rtpProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s track %s", ErrNoRTPBinding, t.Kind(), t.ID())
	}
	return provider.RTPTrack(), nil
}
