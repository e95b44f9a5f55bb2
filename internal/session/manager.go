// Package session coordinates one multi-party call: media acquisition, the
// signaling handshake, the per-participant mesh of media links and the local
// mute/video toggles. All roster and link state is owned by a single event
// loop, so handlers arriving from the transport, from peer connections and
// from timers never race each other.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/signal"
)

// State is the call lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateConnectingSignaling
	StateActive
	StateLeaving
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateConnectingSignaling:
		return "connecting-signaling"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Signaling is the call-control plane the manager drives. *signal.CallClient
// satisfies it; tests inject fakes.
type Signaling interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	JoinCall(room, userID, peerAddress, displayName string)
	LeaveCall(room, userID string)
	SetMute(room, userID string)
	SetUnmute(room, userID string)
	SetVideoOn(room, userID string)
	SetVideoOff(room, userID string)
	ICEServers(ctx context.Context, fallback []signal.ICEServer) []signal.ICEServer
	OnPeersList(fn func(signal.PeersList)) func()
	OnPeerJoined(fn func(signal.PeerEvent)) func()
	OnPeerLeft(fn func(signal.PeerEvent)) func()
	OnMuteStatus(fn func(signal.MuteStatus)) func()
	OnVideoStatus(fn func(signal.VideoStatus)) func()
}

// Config identifies the local participant and bounds the join handshake.
type Config struct {
	Room        string
	UserID      string
	DisplayName string

	// FallbackICE is used when the server does not deliver ICE credentials
	// within ICEWait.
	FallbackICE []signal.ICEServer

	ConnectTimeout time.Duration // signaling connect bound, default 10s
	ICEWait        time.Duration // ice-servers wait bound, default 3s
	DialJitter     time.Duration // max random delay before dialing a peer, default 500ms
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.ICEWait <= 0 {
		out.ICEWait = 3 * time.Second
	}
	if out.DialJitter <= 0 {
		out.DialJitter = 500 * time.Millisecond
	}
	return out
}

// Participant is a roster snapshot entry for the UI.
type Participant struct {
	UserID      string
	DisplayName string
	Address     string
	Muted       bool
	VideoOn     bool
	Linked      bool
	RTT         time.Duration
}

// Manager owns one call session end to end.
type Manager struct {
	cfg       Config
	device    media.Device
	signaling Signaling
	newDialer DialerFactory

	tasks chan func()
	done  chan struct{}
	stop  sync.Once

	// Everything below is owned by the event loop.
	state        State
	lastErr      error
	leaveWanted  bool
	stream       *media.Stream
	videoStream  *media.Stream
	muted        bool
	videoOn      bool
	videoPending bool
	dialer       Dialer
	participants map[string]signal.ParticipantInfo // by user id
	links        map[string]Link                   // by peer address
	remotes      map[string]RemoteMedia            // by peer address
	dialing      map[string]bool                   // addresses with a pending dial timer
	disposers    []func()
	leaveTimer   *time.Timer
	onChange     func()
}

// NewManager wires a session around its collaborators and starts the event
// loop. Callers must Close the manager when done with it.
func NewManager(cfg Config, device media.Device, signaling Signaling, factory DialerFactory) *Manager {
	m := &Manager{
		cfg:          cfg.withDefaults(),
		device:       device,
		signaling:    signaling,
		newDialer:    factory,
		tasks:        make(chan func(), 16),
		done:         make(chan struct{}),
		participants: make(map[string]signal.ParticipantInfo),
		links:        make(map[string]Link),
		remotes:      make(map[string]RemoteMedia),
		dialing:      make(map[string]bool),
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.done:
			return
		case task := <-m.tasks:
			task()
		}
	}
}

// run executes fn on the event loop and waits for it. Never call from a loop
// task.
func (m *Manager) run(fn func()) {
	executed := make(chan struct{})
	select {
	case m.tasks <- func() { fn(); close(executed) }:
	case <-m.done:
		return
	}
	select {
	case <-executed:
	case <-m.done:
	}
}

// Close stops the event loop. It does not leave the call; call Leave first.
func (m *Manager) Close() {
	m.stop.Do(func() { close(m.done) })
}

// OnChange registers the listener notified after every observable state
// change. The callback runs on the event loop and must not call back into the
// manager.
func (m *Manager) OnChange(fn func()) {
	m.run(func() { m.onChange = fn })
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	slog.Debug("session state", "state", s.String())
	m.notify()
}

// State reports the current lifecycle phase.
func (m *Manager) State() State {
	var s State
	m.run(func() { s = m.state })
	return s
}

// LastError reports why the session entered StateFailed.
func (m *Manager) LastError() error {
	var err error
	m.run(func() { err = m.lastErr })
	return err
}

// Muted reports the local microphone flag.
func (m *Manager) Muted() bool {
	var muted bool
	m.run(func() { muted = m.muted })
	return muted
}

// VideoOn reports the local camera flag.
func (m *Manager) VideoOn() bool {
	var on bool
	m.run(func() { on = m.videoOn })
	return on
}

// Participants returns the roster snapshot, sorted by user id.
func (m *Manager) Participants() []Participant {
	var out []Participant
	m.run(func() {
		for _, info := range m.participants {
			p := Participant{
				UserID:      info.UserID,
				DisplayName: info.DisplayName,
				Address:     info.PeerAddress,
				Muted:       info.IsMuted,
				VideoOn:     info.IsVideoOn,
			}
			if link, ok := m.links[info.PeerAddress]; ok {
				p.Linked = true
				p.RTT = link.RTT()
			}
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// RemoteStreams returns the inbound media table, sorted by peer address.
func (m *Manager) RemoteStreams() []RemoteMedia {
	var out []RemoteMedia
	m.run(func() {
		for _, rm := range m.remotes {
			out = append(out, rm)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PeerAddress() < out[j].PeerAddress() })
	return out
}

// Join brings the session from idle to active: microphone first (muted by
// default), then the signaling handshake, then the roster-driven mesh. Calling
// Join while the session is already joining or active is a no-op.
func (m *Manager) Join(ctx context.Context) error {
	var proceed bool
	m.run(func() {
		if m.state == StateIdle || m.state == StateFailed {
			m.lastErr = nil
			m.leaveWanted = false
			m.setState(StateAcquiringMedia)
			proceed = true
		}
	})
	if !proceed {
		return nil
	}

	stream, err := m.device.CaptureAudio()
	if err != nil {
		classified := media.Classify(err)
		m.run(func() { m.failJoin(classified) })
		return opErr("join", classified)
	}
	// Sessions start muted. The device stays open; the senders go silent.
	stream.SetAudioEnabled(false)
	watchCaptureLoss(stream)

	if m.joinAborted(func() { stream.StopAll() }) {
		return nil
	}
	m.run(func() {
		m.stream = stream
		m.muted = true
		m.setState(StateConnectingSignaling)
	})

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err = m.signaling.Connect(connectCtx)
	cancel()
	if err != nil {
		stream.StopAll()
		// keep the cause: LastError is what the UI shows
		wrapped := fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
		m.run(func() {
			m.stream = nil
			m.failJoin(wrapped)
		})
		return opErr("join", wrapped)
	}

	iceCtx, cancel := context.WithTimeout(ctx, m.cfg.ICEWait)
	servers := m.signaling.ICEServers(iceCtx, m.cfg.FallbackICE)
	cancel()

	dialer, err := m.newDialer(servers)
	if err != nil {
		stream.StopAll()
		m.signaling.Disconnect()
		m.run(func() {
			m.stream = nil
			m.failJoin(err)
		})
		return opErr("join", err)
	}
	dialer.OnIncoming(func(ic IncomingLink) {
		m.run(func() { m.acceptIncoming(ic) })
	})

	var aborted bool
	m.run(func() {
		if m.leaveWanted {
			aborted = true
			return
		}
		m.dialer = dialer
		m.subscribeRoster()
		m.setState(StateActive)
	})
	if aborted {
		dialer.Close()
		stream.StopAll()
		m.signaling.Disconnect()
		m.run(func() {
			m.stream = nil
			m.setState(StateIdle)
		})
		return nil
	}

	m.signaling.JoinCall(m.cfg.Room, m.cfg.UserID, dialer.Address(), m.cfg.DisplayName)
	m.signaling.SetMute(m.cfg.Room, m.cfg.UserID)
	return nil
}

// joinAborted checks for a leave requested mid-join; cleanup runs off the
// loop when one was.
func (m *Manager) joinAborted(cleanup func()) bool {
	var aborted bool
	m.run(func() {
		if m.leaveWanted {
			aborted = true
			m.stream = nil
			m.setState(StateIdle)
		}
	})
	if aborted {
		cleanup()
	}
	return aborted
}

func (m *Manager) failJoin(err error) {
	m.lastErr = err
	m.setState(StateFailed)
}

func (m *Manager) subscribeRoster() {
	m.disposers = append(m.disposers,
		m.signaling.OnPeersList(func(pl signal.PeersList) {
			m.run(func() { m.handlePeersList(pl) })
		}),
		m.signaling.OnPeerJoined(func(ev signal.PeerEvent) {
			m.run(func() { m.handlePeerJoined(ev) })
		}),
		m.signaling.OnPeerLeft(func(ev signal.PeerEvent) {
			m.run(func() { m.handlePeerLeft(ev) })
		}),
		m.signaling.OnMuteStatus(func(st signal.MuteStatus) {
			m.run(func() { m.handleMuteStatus(st) })
		}),
		m.signaling.OnVideoStatus(func(st signal.VideoStatus) {
			m.run(func() { m.handleVideoStatus(st) })
		}),
	)
}

// isCaller decides which side of a pair dials. The rule is a total order on
// user ids, so exactly one side ever sends an offer and simultaneous joins
// cannot glare.
func (m *Manager) isCaller(remoteUserID string) bool {
	return m.cfg.UserID < remoteUserID
}

func (m *Manager) handlePeersList(pl signal.PeersList) {
	if m.state != StateActive {
		return
	}
	for _, info := range pl.Participants {
		m.upsertParticipant(info)
	}
	m.notify()
}

func (m *Manager) handlePeerJoined(ev signal.PeerEvent) {
	if m.state != StateActive {
		return
	}
	m.upsertParticipant(signal.ParticipantInfo{
		UserID:      ev.UserID,
		PeerAddress: ev.PeerAddress,
		DisplayName: ev.DisplayName,
	})
	m.notify()
}

func (m *Manager) upsertParticipant(info signal.ParticipantInfo) {
	if info.UserID == m.cfg.UserID {
		return
	}
	if have, ok := m.participants[info.UserID]; ok {
		if have.PeerAddress == info.PeerAddress {
			return
		}
		// Same user back under a fresh address: the link to the old address
		// is stale even if ICE has not noticed yet. At most one link per
		// participant.
		m.supersedeLink(have.PeerAddress)
	}
	m.participants[info.UserID] = info
	if m.isCaller(info.UserID) {
		m.scheduleDial(info.PeerAddress)
	}
}

func (m *Manager) supersedeLink(addr string) {
	delete(m.dialing, addr)
	link, ok := m.links[addr]
	if !ok {
		return
	}
	if err := link.Close(); err != nil {
		slog.Debug("close superseded link", "peer", addr, "error", err)
	}
	m.dropLink(addr)
}

// scheduleDial queues an outbound connection after a short random delay. The
// jitter spreads simultaneous dials out; the checks in dialNow make the
// attempt harmless when the peer left in the meantime.
func (m *Manager) scheduleDial(addr string) {
	if m.dialing[addr] || m.links[addr] != nil {
		return
	}
	m.dialing[addr] = true
	delay := rand.N(m.cfg.DialJitter)
	time.AfterFunc(delay, func() {
		m.run(func() { m.dialNow(addr) })
	})
}

func (m *Manager) dialNow(addr string) {
	delete(m.dialing, addr)
	if m.state != StateActive {
		return
	}
	if _, ok := m.participantByAddress(addr); !ok {
		return // left before we dialed
	}
	if m.links[addr] != nil {
		return
	}

	link, err := m.dialer.Dial(context.Background(), addr, m.stream)
	if err != nil {
		slog.Warn("dial peer", "peer", addr, "error", err)
		return
	}
	m.registerLink(addr, link)
}

func (m *Manager) participantByAddress(addr string) (signal.ParticipantInfo, bool) {
	for _, info := range m.participants {
		if info.PeerAddress == addr {
			return info, true
		}
	}
	return signal.ParticipantInfo{}, false
}

func (m *Manager) acceptIncoming(ic IncomingLink) {
	if m.state != StateActive {
		ic.Decline()
		return
	}
	if m.links[ic.From()] != nil {
		return
	}

	link, err := ic.Answer(m.stream)
	if err != nil {
		slog.Warn("answer peer", "peer", ic.From(), "error", err)
		return
	}
	m.registerLink(ic.From(), link)
}

func (m *Manager) registerLink(addr string, link Link) {
	m.links[addr] = link

	// A link created after the camera came on still needs the video track.
	if m.videoOn && m.videoStream != nil {
		if tracks := m.videoStream.VideoTracks(); len(tracks) > 0 {
			if err := link.AttachVideoTrack(tracks[0]); err != nil {
				slog.Warn("attach video to new link", "peer", addr, "error", err)
			}
		}
	}

	link.OnStream(func(rm RemoteMedia) {
		m.run(func() {
			if m.links[addr] == nil {
				rm.Stop()
				return
			}
			m.remotes[addr] = rm
			m.notify()
		})
	})
	link.OnClose(func() {
		m.run(func() { m.dropLink(addr) })
	})
	m.notify()
}

// dropLink removes a dead link. The participant stays on the roster; only a
// peer-left event removes them.
func (m *Manager) dropLink(addr string) {
	if m.links[addr] == nil {
		return
	}
	delete(m.links, addr)
	if rm, ok := m.remotes[addr]; ok {
		rm.Stop()
		delete(m.remotes, addr)
	}
	if m.dialer != nil {
		m.dialer.Remove(addr)
	}
	m.notify()
}

func (m *Manager) handlePeerLeft(ev signal.PeerEvent) {
	delete(m.participants, ev.UserID)
	delete(m.dialing, ev.PeerAddress)
	if link, ok := m.links[ev.PeerAddress]; ok {
		if err := link.Close(); err != nil {
			slog.Debug("close link", "peer", ev.PeerAddress, "error", err)
		}
		m.dropLink(ev.PeerAddress)
		return
	}
	m.notify()
}

func (m *Manager) handleMuteStatus(st signal.MuteStatus) {
	info, ok := m.participants[st.UserID]
	if !ok {
		return
	}
	info.IsMuted = st.IsMuted
	m.participants[st.UserID] = info
	m.notify()
}

func (m *Manager) handleVideoStatus(st signal.VideoStatus) {
	info, ok := m.participants[st.UserID]
	if !ok {
		return
	}
	info.IsVideoOn = st.IsVideoOn
	m.participants[st.UserID] = info
	m.notify()
}

// ToggleMute flips the microphone flag and propagates it to the capture
// tracks, every media link and the roster broadcast. Mute state is
// independent of the camera.
func (m *Manager) ToggleMute() error {
	var active bool
	var muted bool
	m.run(func() {
		if m.state != StateActive {
			return
		}
		active = true
		m.muted = !m.muted
		muted = m.muted
		m.stream.SetAudioEnabled(!m.muted)
		for addr, link := range m.links {
			if err := link.SetAudioEnabled(!m.muted); err != nil {
				slog.Warn("apply mute to link", "peer", addr, "error", err)
			}
		}
		m.notify()
	})
	if !active {
		return opErr("mute", ErrNotActive)
	}
	if muted {
		m.signaling.SetMute(m.cfg.Room, m.cfg.UserID)
	} else {
		m.signaling.SetUnmute(m.cfg.Room, m.cfg.UserID)
	}
	return nil
}

// ToggleVideo turns the camera on or off. Turning on acquires the camera and
// attaches its track to every link; turning off detaches and releases the
// device. Camera failure leaves the call and the microphone untouched.
func (m *Manager) ToggleVideo() error {
	var active, pending, turnOff bool
	m.run(func() {
		if m.state != StateActive {
			return
		}
		active = true
		if m.videoPending {
			pending = true
			return
		}
		if m.videoOn {
			turnOff = true
			return
		}
		m.videoPending = true
	})
	if !active {
		return opErr("video", ErrNotActive)
	}
	if pending {
		return nil
	}
	if turnOff {
		m.run(m.disableVideo)
		m.signaling.SetVideoOff(m.cfg.Room, m.cfg.UserID)
		return nil
	}

	videoStream, err := m.device.CaptureVideo()
	if err != nil {
		classified := media.Classify(err)
		m.run(func() { m.videoPending = false })
		return opErr("video", classified)
	}

	var attached bool
	m.run(func() { attached = m.enableVideo(videoStream) })
	if !attached {
		videoStream.StopAll()
		return nil
	}
	m.signaling.SetVideoOn(m.cfg.Room, m.cfg.UserID)
	return nil
}

func (m *Manager) enableVideo(videoStream *media.Stream) bool {
	m.videoPending = false
	if m.state != StateActive {
		return false
	}
	tracks := videoStream.VideoTracks()
	if len(tracks) == 0 {
		return false
	}
	watchCaptureLoss(videoStream)

	m.videoStream = videoStream
	m.videoOn = true
	for addr, link := range m.links {
		if err := link.AttachVideoTrack(tracks[0]); err != nil {
			slog.Warn("attach video", "peer", addr, "error", err)
		}
	}
	m.notify()
	return true
}

func (m *Manager) disableVideo() {
	for addr, link := range m.links {
		if err := link.DetachVideo(); err != nil {
			slog.Warn("detach video", "peer", addr, "error", err)
		}
	}
	if m.videoStream != nil {
		m.videoStream.StopAll()
		m.videoStream = nil
	}
	m.videoOn = false
	m.notify()
}

// teardown collects everything Leave must release, gathered on the loop and
// released off it.
type teardown struct {
	links       []Link
	dialer      Dialer
	stream      *media.Stream
	videoStream *media.Stream
	disposers   []func()
}

// Leave tears the session down in order: stop remote playback, close links,
// release the capture devices, announce the leave, destroy the endpoint,
// disconnect signaling. Every step runs even if an earlier one fails. Leaving
// an idle session is a no-op; leaving mid-join aborts the join.
func (m *Manager) Leave() {
	var td *teardown
	m.run(func() {
		switch m.state {
		case StateIdle, StateLeaving:
		case StateFailed:
			m.lastErr = nil
			m.setState(StateIdle)
		case StateAcquiringMedia, StateConnectingSignaling:
			m.leaveWanted = true
		case StateActive:
			td = m.beginTeardown()
		}
	})
	if td == nil {
		return
	}

	for _, link := range td.links {
		if err := link.Close(); err != nil {
			slog.Debug("close link", "error", err)
		}
	}
	if td.stream != nil {
		td.stream.StopAll()
	}
	if td.videoStream != nil {
		td.videoStream.StopAll()
	}
	m.signaling.LeaveCall(m.cfg.Room, m.cfg.UserID)
	if td.dialer != nil {
		td.dialer.Close()
	}
	for _, dispose := range td.disposers {
		dispose()
	}
	m.signaling.Disconnect()

	m.run(func() { m.setState(StateIdle) })
}

func (m *Manager) beginTeardown() *teardown {
	m.setState(StateLeaving)
	if m.leaveTimer != nil {
		m.leaveTimer.Stop()
		m.leaveTimer = nil
	}

	td := &teardown{
		dialer:      m.dialer,
		stream:      m.stream,
		videoStream: m.videoStream,
		disposers:   m.disposers,
	}
	for _, link := range m.links {
		td.links = append(td.links, link)
	}
	for _, rm := range m.remotes {
		rm.Stop()
	}

	m.dialer = nil
	m.stream = nil
	m.videoStream = nil
	m.muted = false
	m.videoOn = false
	m.videoPending = false
	m.disposers = nil
	m.participants = make(map[string]signal.ParticipantInfo)
	m.links = make(map[string]Link)
	m.remotes = make(map[string]RemoteMedia)
	m.dialing = make(map[string]bool)
	return td
}

type endNotifier interface {
	OnEnded(fn func(error))
}

// watchCaptureLoss logs a device disappearing mid-session (unplugged camera,
// revoked permission). The call keeps running; the user decides what to do.
func watchCaptureLoss(stream *media.Stream) {
	for _, t := range stream.Tracks() {
		n, ok := t.(endNotifier)
		if !ok {
			continue
		}
		kind := t.Kind().String()
		n.OnEnded(func(err error) {
			slog.Warn("capture device lost", "kind", kind, "error", err)
		})
	}
}

// ScheduleLeave arms a delayed Leave and returns its cancel function. Used to
// debounce teardown when the surface driving the session may come right back.
// Scheduling again replaces the previous timer.
func (m *Manager) ScheduleLeave(delay time.Duration) (cancel func()) {
	timer := time.AfterFunc(delay, m.Leave)
	m.run(func() {
		if m.leaveTimer != nil {
			m.leaveTimer.Stop()
		}
		m.leaveTimer = timer
	})
	return func() { timer.Stop() }
}
