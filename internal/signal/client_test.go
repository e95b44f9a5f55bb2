package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmeet/meshmeet/internal/transport"
)

// fakeTransport records emissions and lets tests inject inbound frames.
type fakeTransport struct {
	connected bool
	emitted   []emittedFrame
	handlers  map[string][]transport.Handler
}

type emittedFrame struct {
	event   string
	payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, handlers: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Connect(context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Disconnect()                   { f.connected = false }
func (f *fakeTransport) Connected() bool               { return f.connected }

func (f *fakeTransport) Emit(event string, payload any) {
	f.emitted = append(f.emitted, emittedFrame{event: event, payload: payload})
}

func (f *fakeTransport) Subscribe(event string, fn transport.Handler) func() {
	f.handlers[event] = append(f.handlers[event], fn)
	return func() {}
}

func (f *fakeTransport) OnState(transport.StateHandler) func() { return func() {} }

// inject delivers an inbound frame to all subscribers of event.
func (f *fakeTransport) inject(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	for _, fn := range f.handlers[event] {
		fn(data)
	}
}

func TestJoinCallEmitsAnnouncement(t *testing.T) {
	tr := newFakeTransport()
	c := NewCallClient(tr)

	c.JoinCall("r1", "u1", "addr-1", "Alice")

	require.Len(t, tr.emitted, 1)
	assert.Equal(t, EventJoinCall, tr.emitted[0].event)
	payload, ok := tr.emitted[0].payload.(JoinPayload)
	require.True(t, ok)
	assert.Equal(t, "r1", payload.Room)
	assert.Equal(t, "addr-1", payload.PeerAddress)
}

func TestEmissionsDroppedWhileDisconnected(t *testing.T) {
	tr := newFakeTransport()
	tr.connected = false
	c := NewCallClient(tr)

	c.SetMute("r1", "u1")
	c.SetVideoOn("r1", "u1")
	c.LeaveCall("r1", "u1")

	assert.Empty(t, tr.emitted, "disconnected emissions must be dropped, not queued")
}

func TestICEServersDeliveredBeforeWait(t *testing.T) {
	tr := newFakeTransport()
	c := NewCallClient(tr)

	tr.inject(t, EventICEServers, ICEServersPayload{
		ICEServers: []ICEServer{{URLs: []string{"turn:relay.example.com:3478"}, Username: "u", Credential: "p"}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	servers := c.ICEServers(ctx, nil)

	require.Len(t, servers, 1)
	assert.Equal(t, "turn:relay.example.com:3478", servers[0].URLs[0])
}

func TestICEServersFallbackAfterBoundedWait(t *testing.T) {
	tr := newFakeTransport()
	c := NewCallClient(tr)

	fallback := []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	servers := c.ICEServers(ctx, fallback)

	assert.Equal(t, fallback, servers)
	assert.Less(t, time.Since(start), time.Second, "wait must be bounded")
}

func TestTypedSubscriptionsDecodePayloads(t *testing.T) {
	tr := newFakeTransport()
	c := NewCallClient(tr)

	var roster PeersList
	c.OnPeersList(func(p PeersList) { roster = p })

	var joined PeerEvent
	c.OnPeerJoined(func(p PeerEvent) { joined = p })

	tr.inject(t, EventPeersList, PeersList{
		Room: "r1",
		Participants: []ParticipantInfo{
			{UserID: "u2", PeerAddress: "p2", DisplayName: "Bob", IsMuted: true},
		},
		Count: 1,
	})
	tr.inject(t, EventPeerJoined, PeerEvent{UserID: "u3", PeerAddress: "p3", DisplayName: "Cara"})

	require.Len(t, roster.Participants, 1)
	assert.Equal(t, "u2", roster.Participants[0].UserID)
	assert.True(t, roster.Participants[0].IsMuted)
	assert.Equal(t, "p3", joined.PeerAddress)
}

func TestMalformedPayloadIsDroppedAtBoundary(t *testing.T) {
	tr := newFakeTransport()
	c := NewCallClient(tr)

	called := false
	c.OnMuteStatus(func(MuteStatus) { called = true })

	for _, fn := range tr.handlers[EventMuteStatus] {
		fn(json.RawMessage(`{"user_id": 42`)) // truncated JSON
	}

	assert.False(t, called, "malformed payloads must not reach subscribers")
}
