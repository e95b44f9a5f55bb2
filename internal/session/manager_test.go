package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/signal"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    media.Kind
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() media.Kind {
	return t.kind
}
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}
func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}
func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeDevice struct {
	mu       sync.Mutex
	audioErr error
	videoErr error
	mic      *fakeTrack
	cam      *fakeTrack
}

func (d *fakeDevice) CaptureAudio() (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.audioErr != nil {
		return nil, d.audioErr
	}
	d.mic = &fakeTrack{id: "mic", kind: media.KindAudio, enabled: true}
	return media.NewStream(d.mic), nil
}

func (d *fakeDevice) CaptureVideo() (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.videoErr != nil {
		return nil, d.videoErr
	}
	d.cam = &fakeTrack{id: "cam", kind: media.KindVideo, enabled: true}
	return media.NewStream(d.cam), nil
}

func (d *fakeDevice) micTrack() *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mic
}

func (d *fakeDevice) camTrack() *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cam
}

type fakeSignaling struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	calls      []string

	onLeaveCall func() // observation hook, runs before the call is recorded

	peersList   func(signal.PeersList)
	peerJoined  func(signal.PeerEvent)
	peerLeft    func(signal.PeerEvent)
	muteStatus  func(signal.MuteStatus)
	videoStatus func(signal.VideoStatus)
}

func (s *fakeSignaling) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSignaling) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSignaling) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	s.calls = append(s.calls, "connect")
	return nil
}

func (s *fakeSignaling) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.calls = append(s.calls, "disconnect")
	s.mu.Unlock()
}

func (s *fakeSignaling) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignaling) JoinCall(room, userID, peerAddress, displayName string) {
	s.record("join-call:" + peerAddress)
}
func (s *fakeSignaling) LeaveCall(room, userID string) {
	s.mu.Lock()
	fn := s.onLeaveCall
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	s.record("leave-call")
}
func (s *fakeSignaling) SetMute(room, userID string)   { s.record("mute") }
func (s *fakeSignaling) SetUnmute(room, userID string) { s.record("unmute") }
func (s *fakeSignaling) SetVideoOn(room, userID string) {
	s.record("video-on")
}
func (s *fakeSignaling) SetVideoOff(room, userID string) { s.record("video-off") }

func (s *fakeSignaling) ICEServers(ctx context.Context, fallback []signal.ICEServer) []signal.ICEServer {
	return fallback
}

func (s *fakeSignaling) OnPeersList(fn func(signal.PeersList)) func() {
	s.mu.Lock()
	s.peersList = fn
	s.mu.Unlock()
	return func() {}
}
func (s *fakeSignaling) OnPeerJoined(fn func(signal.PeerEvent)) func() {
	s.mu.Lock()
	s.peerJoined = fn
	s.mu.Unlock()
	return func() {}
}
func (s *fakeSignaling) OnPeerLeft(fn func(signal.PeerEvent)) func() {
	s.mu.Lock()
	s.peerLeft = fn
	s.mu.Unlock()
	return func() {}
}
func (s *fakeSignaling) OnMuteStatus(fn func(signal.MuteStatus)) func() {
	s.mu.Lock()
	s.muteStatus = fn
	s.mu.Unlock()
	return func() {}
}
func (s *fakeSignaling) OnVideoStatus(fn func(signal.VideoStatus)) func() {
	s.mu.Lock()
	s.videoStatus = fn
	s.mu.Unlock()
	return func() {}
}

func (s *fakeSignaling) injectPeersList(pl signal.PeersList) {
	s.mu.Lock()
	fn := s.peersList
	s.mu.Unlock()
	if fn != nil {
		fn(pl)
	}
}

func (s *fakeSignaling) injectPeerJoined(ev signal.PeerEvent) {
	s.mu.Lock()
	fn := s.peerJoined
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *fakeSignaling) injectPeerLeft(ev signal.PeerEvent) {
	s.mu.Lock()
	fn := s.peerLeft
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *fakeSignaling) injectMuteStatus(st signal.MuteStatus) {
	s.mu.Lock()
	fn := s.muteStatus
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

type fakeLink struct {
	mu           sync.Mutex
	addr         string
	audioEnabled []bool
	videoTracks  []media.Track
	detached     int
	closed       bool
	onStream     func(RemoteMedia)
	onClose      func()
}

func (l *fakeLink) PeerAddress() string { return l.addr }
func (l *fakeLink) OnStream(fn func(RemoteMedia)) {
	l.mu.Lock()
	l.onStream = fn
	l.mu.Unlock()
}
func (l *fakeLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}
func (l *fakeLink) SetAudioEnabled(enabled bool) error {
	l.mu.Lock()
	l.audioEnabled = append(l.audioEnabled, enabled)
	l.mu.Unlock()
	return nil
}
func (l *fakeLink) AttachVideoTrack(t media.Track) error {
	l.mu.Lock()
	l.videoTracks = append(l.videoTracks, t)
	l.mu.Unlock()
	return nil
}
func (l *fakeLink) DetachVideo() error {
	l.mu.Lock()
	l.detached++
	l.mu.Unlock()
	return nil
}
func (l *fakeLink) RTT() time.Duration { return 0 }
func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) lastAudioEnabled() (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.audioEnabled) == 0 {
		return false, false
	}
	return l.audioEnabled[len(l.audioEnabled)-1], true
}

func (l *fakeLink) attachedVideo() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.videoTracks)
}

func (l *fakeLink) fireClose() {
	l.mu.Lock()
	fn := l.onClose
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeRemote struct {
	addr    string
	stopped bool
}

func (r *fakeRemote) PeerAddress() string { return r.addr }
func (r *fakeRemote) Kinds() []string     { return []string{"audio"} }
func (r *fakeRemote) Stop()               { r.stopped = true }

type fakeDialer struct {
	mu       sync.Mutex
	dialed   []string
	links    map[string]*fakeLink
	incoming func(IncomingLink)
	closed   bool
	removed  []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{links: make(map[string]*fakeLink)}
}

func (d *fakeDialer) Address() string { return "local-addr" }

func (d *fakeDialer) Dial(ctx context.Context, remoteAddr string, stream *media.Stream) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, remoteAddr)
	l := &fakeLink{addr: remoteAddr}
	d.links[remoteAddr] = l
	return l, nil
}

func (d *fakeDialer) OnIncoming(fn func(IncomingLink)) {
	d.mu.Lock()
	d.incoming = fn
	d.mu.Unlock()
}

func (d *fakeDialer) Remove(remoteAddr string) {
	d.mu.Lock()
	d.removed = append(d.removed, remoteAddr)
	d.mu.Unlock()
}

func (d *fakeDialer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.dialed {
		if a == addr {
			n++
		}
	}
	return n
}

func (d *fakeDialer) link(addr string) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[addr]
}

func (d *fakeDialer) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDialer) injectIncoming(ic IncomingLink) {
	d.mu.Lock()
	fn := d.incoming
	d.mu.Unlock()
	if fn != nil {
		fn(ic)
	}
}

type fakeIncoming struct {
	mu       sync.Mutex
	from     string
	link     *fakeLink
	declined bool
}

func (i *fakeIncoming) From() string { return i.from }

func (i *fakeIncoming) Answer(stream *media.Stream) (Link, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.link = &fakeLink{addr: i.from}
	return i.link, nil
}

func (i *fakeIncoming) Decline() {
	i.mu.Lock()
	i.declined = true
	i.mu.Unlock()
}

func newTestManager(t *testing.T, device *fakeDevice, sig *fakeSignaling) (*Manager, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	m := NewManager(Config{
		Room:        "room-1",
		UserID:      "alice",
		DisplayName: "Alice",
		DialJitter:  time.Millisecond,
	}, device, sig, func([]signal.ICEServer) (Dialer, error) {
		return dialer, nil
	})
	t.Cleanup(m.Close)
	return m, dialer
}

func joined(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Join(context.Background()))
	require.Equal(t, StateActive, m.State())
}

func TestJoinStartsMutedAndAnnounces(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)

	joined(t, m)

	assert.True(t, m.Muted(), "sessions start muted")
	assert.False(t, device.micTrack().Enabled(), "capture track disabled while muted")
	assert.Contains(t, sig.recorded(), "join-call:local-addr")
	assert.Contains(t, sig.recorded(), "mute")
}

func TestJoinIsIdempotent(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)

	joined(t, m)
	require.NoError(t, m.Join(context.Background()))

	count := 0
	for _, c := range sig.recorded() {
		if c == "connect" {
			count++
		}
	}
	assert.Equal(t, 1, count, "second join must not reconnect")
}

func TestJoinDeviceFailureIsClassified(t *testing.T) {
	device := &fakeDevice{audioErr: errors.New("microphone: permission denied")}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)

	err := m.Join(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, StateFailed, m.State())
	assert.ErrorIs(t, m.LastError(), media.ErrPermissionDenied)
}

func TestJoinSignalingFailureReleasesMicrophone(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{connectErr: errors.New("dial tcp: refused")}
	m, _ := newTestManager(t, device, sig)

	err := m.Join(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.Equal(t, StateFailed, m.State())
	assert.True(t, device.micTrack().Stopped(), "failed join must release the device")
}

func TestJoinSignalingFailureKeepsCause(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{connectErr: errors.New("dial tcp 10.0.0.1:443: connection refused")}
	m, _ := newTestManager(t, device, sig)

	require.Error(t, m.Join(context.Background()))

	last := m.LastError()
	require.NotNil(t, last)
	assert.ErrorIs(t, last, ErrSignalingUnavailable)
	assert.Contains(t, last.Error(), "connection refused", "the surfaced reason names the underlying failure")
}

func TestJoinAfterFailureRetries(t *testing.T) {
	device := &fakeDevice{audioErr: errors.New("device or resource busy")}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)

	require.Error(t, m.Join(context.Background()))
	require.Equal(t, StateFailed, m.State())

	device.mu.Lock()
	device.audioErr = nil
	device.mu.Unlock()

	joined(t, m)
	assert.Nil(t, m.LastError())
}

func TestRosterDialsOnlyHigherUserIDs(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeersList(signal.PeersList{
		Room: "room-1",
		Participants: []signal.ParticipantInfo{
			{UserID: "bob", PeerAddress: "addr-bob", DisplayName: "Bob"},
			{UserID: "carol", PeerAddress: "addr-carol", DisplayName: "Carol"},
			{UserID: "aaron", PeerAddress: "addr-aaron", DisplayName: "Aaron"},
		},
	})

	assert.Eventually(t, func() bool {
		return dialer.dialCount("addr-bob") == 1 && dialer.dialCount("addr-carol") == 1
	}, time.Second, 5*time.Millisecond, "alice dials bob and carol")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, dialer.dialCount("addr-aaron"), "aaron sorts before alice and dials us instead")

	participants := m.Participants()
	require.Len(t, participants, 3)
	assert.Equal(t, "aaron", participants[0].UserID)
}

func TestDuplicatePeerJoinedDialsOnce(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	ev := signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob", DisplayName: "Bob"}
	sig.injectPeerJoined(ev)
	sig.injectPeerJoined(ev)
	sig.injectPeerJoined(ev)

	assert.Eventually(t, func() bool {
		return dialer.dialCount("addr-bob") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount("addr-bob"), "at most one link per participant")
}

func TestPeerLeftBeforeDialSkipsDial(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)

	// widen the jitter so peer-left lands before the dial fires
	m.cfg.DialJitter = 200 * time.Millisecond
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})
	sig.injectPeerLeft(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, dialer.dialCount("addr-bob"), "departed peers must not be dialed")
	assert.Empty(t, m.Participants())
}

func TestPeerAddressChangeReplacesLink(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-old", DisplayName: "Bob"})
	require.Eventually(t, func() bool { return dialer.link("addr-old") != nil }, time.Second, 5*time.Millisecond)

	old := dialer.link("addr-old")
	old.mu.Lock()
	onStream := old.onStream
	old.mu.Unlock()
	require.NotNil(t, onStream)
	remote := &fakeRemote{addr: "addr-old"}
	onStream(remote)
	require.Len(t, m.RemoteStreams(), 1)

	// bob reconnects: same user id, fresh signaling address
	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-new", DisplayName: "Bob"})

	assert.True(t, old.isClosed(), "the stale link must not outlive the reconnect")
	assert.True(t, remote.stopped)
	assert.Empty(t, m.RemoteStreams())

	require.Eventually(t, func() bool {
		return dialer.dialCount("addr-new") == 1
	}, time.Second, 5*time.Millisecond, "the new address is dialed")

	participants := m.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, "addr-new", participants[0].Address)
}

func TestPeerLeftTearsDownLink(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeersList(signal.PeersList{Participants: []signal.ParticipantInfo{
		{UserID: "bob", PeerAddress: "addr-bob"},
		{UserID: "carol", PeerAddress: "addr-carol"},
	}})
	require.Eventually(t, func() bool {
		return dialer.link("addr-bob") != nil && dialer.link("addr-carol") != nil
	}, time.Second, 5*time.Millisecond)

	sig.injectPeerLeft(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})

	assert.True(t, dialer.link("addr-bob").isClosed())
	assert.False(t, dialer.link("addr-carol").isClosed(), "unrelated links survive")

	participants := m.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, "carol", participants[0].UserID)
}

func TestIncomingOfferIsAnsweredWhenActive(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "aaron", PeerAddress: "addr-aaron"})

	ic := &fakeIncoming{from: "addr-aaron"}
	dialer.injectIncoming(ic)

	ic.mu.Lock()
	answered := ic.link != nil
	ic.mu.Unlock()
	assert.True(t, answered, "offers from lower user ids are answered")

	participants := m.Participants()
	require.Len(t, participants, 1)
	assert.True(t, participants[0].Linked)
}

func TestIncomingOfferDeclinedWhenIdle(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)
	m.Leave()

	ic := &fakeIncoming{from: "addr-x"}
	dialer.injectIncoming(ic)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	assert.True(t, ic.declined)
	assert.Nil(t, ic.link)
}

func TestToggleMutePropagates(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})
	require.Eventually(t, func() bool { return dialer.link("addr-bob") != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.ToggleMute())
	assert.False(t, m.Muted())
	assert.True(t, device.micTrack().Enabled())
	enabled, ok := dialer.link("addr-bob").lastAudioEnabled()
	require.True(t, ok)
	assert.True(t, enabled)
	assert.Contains(t, sig.recorded(), "unmute")

	require.NoError(t, m.ToggleMute())
	assert.True(t, m.Muted())
	assert.False(t, device.micTrack().Enabled())
}

func TestToggleMuteRequiresActiveCall(t *testing.T) {
	m, _ := newTestManager(t, &fakeDevice{}, &fakeSignaling{})
	assert.ErrorIs(t, m.ToggleMute(), ErrNotActive)
}

func TestToggleVideoAttachesToAllLinks(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeersList(signal.PeersList{Participants: []signal.ParticipantInfo{
		{UserID: "bob", PeerAddress: "addr-bob"},
		{UserID: "carol", PeerAddress: "addr-carol"},
	}})
	require.Eventually(t, func() bool {
		return dialer.link("addr-bob") != nil && dialer.link("addr-carol") != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.ToggleVideo())
	assert.True(t, m.VideoOn())
	assert.Equal(t, 1, dialer.link("addr-bob").attachedVideo())
	assert.Equal(t, 1, dialer.link("addr-carol").attachedVideo())
	assert.Contains(t, sig.recorded(), "video-on")

	require.NoError(t, m.ToggleVideo())
	assert.False(t, m.VideoOn())
	assert.True(t, device.camTrack().Stopped(), "camera released on toggle off")
	assert.Contains(t, sig.recorded(), "video-off")
	assert.True(t, m.Muted(), "video toggle leaves mute untouched")
}

func TestToggleVideoFailureLeavesCallIntact(t *testing.T) {
	device := &fakeDevice{videoErr: errors.New("open /dev/video0: device or resource busy")}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)
	joined(t, m)

	err := m.ToggleVideo()
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrDeviceBusy)
	assert.Equal(t, StateActive, m.State(), "camera failure must not end the call")
	assert.False(t, m.VideoOn())
	assert.NotContains(t, sig.recorded(), "video-on")
}

func TestLateJoinerGetsVideo(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	require.NoError(t, m.ToggleVideo())

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})
	require.Eventually(t, func() bool { return dialer.link("addr-bob") != nil }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return dialer.link("addr-bob").attachedVideo() == 1
	}, time.Second, 5*time.Millisecond, "links created after camera-on carry video")
}

func TestRemoteStatusUpdatesRoster(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob", DisplayName: "Bob"})
	sig.injectMuteStatus(signal.MuteStatus{UserID: "bob", IsMuted: true})

	participants := m.Participants()
	require.Len(t, participants, 1)
	assert.True(t, participants[0].Muted)
}

func TestLeaveTearsEverythingDown(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})
	require.Eventually(t, func() bool { return dialer.link("addr-bob") != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.ToggleVideo())

	m.Leave()

	assert.Equal(t, StateIdle, m.State())
	assert.Contains(t, sig.recorded(), "leave-call")
	assert.Contains(t, sig.recorded(), "disconnect")
	assert.True(t, dialer.link("addr-bob").isClosed())
	assert.True(t, dialer.isClosed())
	assert.True(t, device.micTrack().Stopped())
	assert.True(t, device.camTrack().Stopped())
	assert.Empty(t, m.Participants())
	assert.Empty(t, m.RemoteStreams())
}

func TestLeaveClosesLinksAndDevicesBeforeAnnouncing(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})
	require.Eventually(t, func() bool { return dialer.link("addr-bob") != nil }, time.Second, 5*time.Millisecond)

	var linkClosed, micStopped bool
	sig.mu.Lock()
	sig.onLeaveCall = func() {
		linkClosed = dialer.link("addr-bob").isClosed()
		micStopped = device.micTrack().Stopped()
	}
	sig.mu.Unlock()

	m.Leave()

	assert.True(t, linkClosed, "links close before the leave announcement")
	assert.True(t, micStopped, "local tracks stop before the leave announcement")

	calls := sig.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, "disconnect", calls[len(calls)-1], "the transport goes down last")
}

func TestLeaveIsIdempotent(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)
	joined(t, m)

	m.Leave()
	m.Leave()

	count := 0
	for _, c := range sig.recorded() {
		if c == "leave-call" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRejoinAfterLeave(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)

	joined(t, m)
	m.Leave()
	joined(t, m)
	assert.True(t, m.Muted(), "rejoin starts muted again")
}

func TestScheduleLeaveCancel(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, _ := newTestManager(t, device, sig)
	joined(t, m)

	cancel := m.ScheduleLeave(30 * time.Millisecond)
	cancel()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateActive, m.State(), "canceled leave must not fire")

	m.ScheduleLeave(10 * time.Millisecond)
	assert.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestLinkCloseRemovesRemoteStream(t *testing.T) {
	device := &fakeDevice{}
	sig := &fakeSignaling{}
	m, dialer := newTestManager(t, device, sig)
	joined(t, m)

	sig.injectPeerJoined(signal.PeerEvent{UserID: "bob", PeerAddress: "addr-bob"})
	require.Eventually(t, func() bool { return dialer.link("addr-bob") != nil }, time.Second, 5*time.Millisecond)

	link := dialer.link("addr-bob")
	link.mu.Lock()
	onStream := link.onStream
	link.mu.Unlock()
	require.NotNil(t, onStream)

	remote := &fakeRemote{addr: "addr-bob"}
	onStream(remote)
	require.Len(t, m.RemoteStreams(), 1)

	link.fireClose()

	assert.Empty(t, m.RemoteStreams())
	assert.True(t, remote.stopped)

	participants := m.Participants()
	require.Len(t, participants, 1)
	assert.False(t, participants[0].Linked, "participant stays until peer-left")
}
