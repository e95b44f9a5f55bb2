// Package server is the development signaling server: the call-control and
// chat/presence endpoints a local room needs, in one process. Each hub is a
// single goroutine owning all of its room state; clients talk to it over
// channels only.
package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/meshmeet/meshmeet/internal/signal"
	"github.com/meshmeet/meshmeet/internal/transport"
)

// callRoom tracks one room's call participants, keyed by user id.
type callRoom struct {
	participants map[string]*Client
}

type callInbound struct {
	client *Client
	frame  *transport.Frame
}

// CallHub is the call-control loop: rooms, rosters and relayed negotiation
// messages.
type CallHub struct {
	iceServers []signal.ICEServer

	rooms        map[string]*callRoom
	registerCh   chan *Client
	unregisterCh chan *Client
	inboundCh    chan callInbound
}

// NewCallHub creates a hub that advertises iceServers to every connecting
// client.
func NewCallHub(iceServers []signal.ICEServer) *CallHub {
	return &CallHub{
		iceServers:   iceServers,
		rooms:        make(map[string]*callRoom),
		registerCh:   make(chan *Client),
		unregisterCh: make(chan *Client),
		inboundCh:    make(chan callInbound),
	}
}

func (h *CallHub) register(c *Client)   { h.registerCh <- c }
func (h *CallHub) unregister(c *Client) { h.unregisterCh <- c }
func (h *CallHub) inbound(c *Client, frame *transport.Frame) {
	h.inboundCh <- callInbound{client: c, frame: frame}
}

// Run is the hub's event loop. It owns all room state.
func (h *CallHub) Run() {
	for {
		select {
		case client := <-h.registerCh:
			// ICE configuration is pushed immediately so clients can build
			// peer connections without a request round trip.
			client.enqueue(mustFrame(signal.EventICEServers, signal.ICEServersPayload{
				ICEServers: h.iceServers,
			}))

		case client := <-h.unregisterCh:
			h.removeParticipant(client, true)
			close(client.send)

		case in := <-h.inboundCh:
			h.dispatch(in.client, in.frame)
		}
	}
}

func (h *CallHub) dispatch(c *Client, frame *transport.Frame) {
	switch frame.Event {
	case signal.EventJoinCall:
		var payload signal.JoinPayload
		if !decode(c, frame, &payload) {
			return
		}
		h.joinCall(c, payload)

	case signal.EventLeaveCall:
		h.removeParticipant(c, false)

	case signal.EventMute:
		h.setMute(c, true)
	case signal.EventUnmute:
		h.setMute(c, false)

	case signal.EventVideoOn:
		h.setVideo(c, true)
	case signal.EventVideoOff:
		h.setVideo(c, false)

	case signal.EventRTCSignal:
		var payload signal.RTCSignal
		if !decode(c, frame, &payload) {
			return
		}
		h.relay(c, frame, payload)

	default:
		slog.Debug("call: unknown event", "event", frame.Event)
		c.enqueue(mustFrame(signal.EventError, signal.ErrorPayload{
			Message: "unknown event: " + frame.Event,
			Code:    "unknown-event",
		}))
	}
}

func (h *CallHub) joinCall(c *Client, payload signal.JoinPayload) {
	if payload.Room == "" || payload.UserID == "" || payload.PeerAddress == "" {
		c.enqueue(mustFrame(signal.EventError, signal.ErrorPayload{
			Message: "join-call requires room, user_id and peer_address",
			Code:    "bad-join",
		}))
		return
	}

	room, ok := h.rooms[payload.Room]
	if !ok {
		room = &callRoom{participants: make(map[string]*Client)}
		h.rooms[payload.Room] = room
	}

	// A rejoin under the same user id replaces the stale entry.
	if old, ok := room.participants[payload.UserID]; ok && old != c {
		h.broadcastLeft(room, old)
	}

	c.room = payload.Room
	c.userID = payload.UserID
	c.peerAddress = payload.PeerAddress
	c.displayName = payload.DisplayName
	c.isMuted = false
	c.isVideoOn = false
	room.participants[payload.UserID] = c

	slog.Info("call: participant joined", "room", payload.Room, "user", payload.UserID)

	// Roster snapshot for the joiner, excluding themselves.
	var others []signal.ParticipantInfo
	for _, p := range room.participants {
		if p == c {
			continue
		}
		others = append(others, participantInfo(p))
	}
	c.enqueue(mustFrame(signal.EventPeersList, signal.PeersList{
		Room:         payload.Room,
		Participants: others,
		Count:        len(others),
	}))

	h.broadcast(room, c, mustFrame(signal.EventPeerJoined, signal.PeerEvent{
		UserID:      c.userID,
		PeerAddress: c.peerAddress,
		DisplayName: c.displayName,
		Timestamp:   time.Now().UnixMilli(),
	}))
}

// removeParticipant takes a client out of its room. disconnected marks the
// removal as socket-driven rather than an explicit leave-call.
func (h *CallHub) removeParticipant(c *Client, disconnected bool) {
	if c.room == "" {
		return
	}
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if room.participants[c.userID] != c {
		return // already replaced by a rejoin
	}

	delete(room.participants, c.userID)
	slog.Info("call: participant left", "room", c.room, "user", c.userID, "disconnected", disconnected)
	h.broadcastLeft(room, c)
	c.room = ""

	if len(room.participants) == 0 {
		for id, r := range h.rooms {
			if r == room {
				delete(h.rooms, id)
			}
		}
	}
}

func (h *CallHub) broadcastLeft(room *callRoom, c *Client) {
	h.broadcast(room, c, mustFrame(signal.EventPeerLeft, signal.PeerEvent{
		UserID:      c.userID,
		PeerAddress: c.peerAddress,
		DisplayName: c.displayName,
		Timestamp:   time.Now().UnixMilli(),
	}))
}

func (h *CallHub) setMute(c *Client, muted bool) {
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	c.isMuted = muted
	h.broadcast(room, c, mustFrame(signal.EventMuteStatus, signal.MuteStatus{
		UserID:      c.userID,
		DisplayName: c.displayName,
		IsMuted:     muted,
		Timestamp:   time.Now().UnixMilli(),
	}))
}

func (h *CallHub) setVideo(c *Client, on bool) {
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	c.isVideoOn = on
	h.broadcast(room, c, mustFrame(signal.EventVideoStatus, signal.VideoStatus{
		UserID:      c.userID,
		DisplayName: c.displayName,
		IsVideoOn:   on,
		Timestamp:   time.Now().UnixMilli(),
	}))
}

// relay forwards a negotiation message to the addressed participant in the
// sender's room. The frame goes through verbatim.
func (h *CallHub) relay(c *Client, frame *transport.Frame, payload signal.RTCSignal) {
	room, ok := h.rooms[c.room]
	if !ok {
		c.enqueue(mustFrame(signal.EventError, signal.ErrorPayload{
			Message: "rtc-signal outside a call",
			Code:    "not-in-call",
		}))
		return
	}

	for _, p := range room.participants {
		if p.peerAddress == payload.To {
			p.enqueue(frame)
			return
		}
	}
	slog.Debug("call: rtc-signal target not found", "room", c.room, "to", payload.To)
}

// broadcast sends frame to everyone in room except sender.
func (h *CallHub) broadcast(room *callRoom, sender *Client, frame *transport.Frame) {
	for _, p := range room.participants {
		if p != sender {
			p.enqueue(frame)
		}
	}
}

func participantInfo(c *Client) signal.ParticipantInfo {
	return signal.ParticipantInfo{
		UserID:      c.userID,
		PeerAddress: c.peerAddress,
		DisplayName: c.displayName,
		IsMuted:     c.isMuted,
		IsVideoOn:   c.isVideoOn,
	}
}

func decode(c *Client, frame *transport.Frame, into any) bool {
	if err := json.Unmarshal(frame.Data, into); err != nil {
		slog.Debug("bad payload", "event", frame.Event, "error", err)
		c.enqueue(mustFrame(signal.EventError, signal.ErrorPayload{
			Message: "bad payload for " + frame.Event,
			Code:    "bad-payload",
		}))
		return false
	}
	return true
}

func mustFrame(event string, payload any) *transport.Frame {
	frame, err := transport.NewFrame(event, payload)
	if err != nil {
		slog.Error("frame marshal", "event", event, "error", err)
		return &transport.Frame{Event: event}
	}
	return frame
}
