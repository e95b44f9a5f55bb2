// Package signal speaks the call-control vocabulary over a dedicated
// signaling transport. It owns no media state: it translates between typed
// payloads and wire frames, and caches the ICE server credentials the server
// pushes after connect.
package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/meshmeet/meshmeet/internal/transport"
)

// Transport is the duplex signaling connection the client rides on.
// *transport.Client satisfies it; tests inject fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Emit(event string, payload any)
	Subscribe(event string, fn transport.Handler) func()
	OnState(fn transport.StateHandler) func()
}

// CallClient is the call-signaling control plane for one session.
type CallClient struct {
	tr Transport

	iceMu       sync.Mutex
	iceServers  []ICEServer
	iceReceived chan struct{} // closed once ice-servers arrives
	iceOnce     sync.Once
	iceDispose  func()
}

// NewCallClient wraps tr and starts caching ICE server credentials as soon as
// the server delivers them.
func NewCallClient(tr Transport) *CallClient {
	c := &CallClient{
		tr:          tr,
		iceReceived: make(chan struct{}),
	}
	c.iceDispose = tr.Subscribe(EventICEServers, func(data json.RawMessage) {
		var payload ICEServersPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Error("ice-servers: bad payload", "error", err)
			return
		}
		c.iceMu.Lock()
		c.iceServers = payload.ICEServers
		c.iceMu.Unlock()
		c.iceOnce.Do(func() { close(c.iceReceived) })
	})
	return c
}

// Connect establishes the underlying transport connection.
func (c *CallClient) Connect(ctx context.Context) error {
	return c.tr.Connect(ctx)
}

// Disconnect closes the underlying transport.
func (c *CallClient) Disconnect() {
	c.iceDispose()
	c.tr.Disconnect()
}

// Connected reports whether the control plane is usable.
func (c *CallClient) Connected() bool {
	return c.tr.Connected()
}

// OnState forwards transport connection-state notifications.
func (c *CallClient) OnState(fn transport.StateHandler) func() {
	return c.tr.OnState(fn)
}

// emit sends one control event. All emissions are fire-and-forget: while
// disconnected they are dropped with a warning, never an error.
func (c *CallClient) emit(event string, payload any) {
	if !c.tr.Connected() {
		slog.Warn("call signaling not connected, dropping", "event", event)
		return
	}
	c.tr.Emit(event, payload)
}

// JoinCall announces the local participant to the room's call.
func (c *CallClient) JoinCall(room, userID, peerAddress, displayName string) {
	c.emit(EventJoinCall, JoinPayload{
		Room:        room,
		UserID:      userID,
		PeerAddress: peerAddress,
		DisplayName: displayName,
	})
}

// LeaveCall withdraws the local participant from the room's call.
func (c *CallClient) LeaveCall(room, userID string) {
	c.emit(EventLeaveCall, LeavePayload{Room: room, UserID: userID})
}

// SetMute broadcasts that the local participant muted their microphone.
func (c *CallClient) SetMute(room, userID string) {
	c.emit(EventMute, StatusPayload{Room: room, UserID: userID})
}

// SetUnmute broadcasts that the local participant unmuted their microphone.
func (c *CallClient) SetUnmute(room, userID string) {
	c.emit(EventUnmute, StatusPayload{Room: room, UserID: userID})
}

// SetVideoOn broadcasts that the local participant turned their camera on.
func (c *CallClient) SetVideoOn(room, userID string) {
	c.emit(EventVideoOn, StatusPayload{Room: room, UserID: userID})
}

// SetVideoOff broadcasts that the local participant turned their camera off.
func (c *CallClient) SetVideoOff(room, userID string) {
	c.emit(EventVideoOff, StatusPayload{Room: room, UserID: userID})
}

// SendRTCSignal relays one peer-connection setup message through the server.
func (c *CallClient) SendRTCSignal(sig RTCSignal) {
	c.emit(EventRTCSignal, sig)
}

// ICEServers returns the server-delivered ICE configuration, waiting until it
// arrives or ctx expires. On expiry it falls back to the provided defaults so
// peer-connection creation is never blocked indefinitely on credentials.
func (c *CallClient) ICEServers(ctx context.Context, fallback []ICEServer) []ICEServer {
	select {
	case <-c.iceReceived:
	case <-ctx.Done():
		slog.Warn("ice-servers not delivered in time, using fallback")
		return fallback
	}

	c.iceMu.Lock()
	defer c.iceMu.Unlock()
	if len(c.iceServers) == 0 {
		return fallback
	}
	servers := make([]ICEServer, len(c.iceServers))
	copy(servers, c.iceServers)
	return servers
}

// OnPeersList subscribes to the post-join roster snapshot.
func (c *CallClient) OnPeersList(fn func(PeersList)) func() {
	return subscribe(c.tr, EventPeersList, fn)
}

// OnPeerJoined subscribes to later-joining participants.
func (c *CallClient) OnPeerJoined(fn func(PeerEvent)) func() {
	return subscribe(c.tr, EventPeerJoined, fn)
}

// OnPeerLeft subscribes to departing participants.
func (c *CallClient) OnPeerLeft(fn func(PeerEvent)) func() {
	return subscribe(c.tr, EventPeerLeft, fn)
}

// OnMuteStatus subscribes to remote mute changes.
func (c *CallClient) OnMuteStatus(fn func(MuteStatus)) func() {
	return subscribe(c.tr, EventMuteStatus, fn)
}

// OnVideoStatus subscribes to remote video changes.
func (c *CallClient) OnVideoStatus(fn func(VideoStatus)) func() {
	return subscribe(c.tr, EventVideoStatus, fn)
}

// OnRTCSignal subscribes to relayed peer-connection setup messages.
func (c *CallClient) OnRTCSignal(fn func(RTCSignal)) func() {
	return subscribe(c.tr, EventRTCSignal, fn)
}

// OnError subscribes to server-side errors.
func (c *CallClient) OnError(fn func(ErrorPayload)) func() {
	return subscribe(c.tr, EventError, fn)
}

// subscribe registers a typed handler for event; payloads that fail to decode
// are logged and dropped so malformed wire data never reaches the session.
func subscribe[T any](tr Transport, event string, fn func(T)) func() {
	return tr.Subscribe(event, func(data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Error("bad signaling payload", "event", event, "error", err)
			return
		}
		fn(payload)
	})
}
