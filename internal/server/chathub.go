package server

import (
	"log/slog"
	"time"

	"github.com/meshmeet/meshmeet/internal/chat"
	"github.com/meshmeet/meshmeet/internal/transport"
)

// chatRoom tracks one room's online members, keyed by user id.
type chatRoom struct {
	members map[string]*Client
}

type chatInbound struct {
	client *Client
	frame  *transport.Frame
}

// ChatHub is the chat/presence loop, independent of the call hub: a user can
// sit in the room chat without being in the call.
type ChatHub struct {
	rooms        map[string]*chatRoom
	registerCh   chan *Client
	unregisterCh chan *Client
	inboundCh    chan chatInbound
}

func NewChatHub() *ChatHub {
	return &ChatHub{
		rooms:        make(map[string]*chatRoom),
		registerCh:   make(chan *Client),
		unregisterCh: make(chan *Client),
		inboundCh:    make(chan chatInbound),
	}
}

func (h *ChatHub) register(c *Client)   { h.registerCh <- c }
func (h *ChatHub) unregister(c *Client) { h.unregisterCh <- c }
func (h *ChatHub) inbound(c *Client, frame *transport.Frame) {
	h.inboundCh <- chatInbound{client: c, frame: frame}
}

// Run is the hub's event loop. It owns all room state.
func (h *ChatHub) Run() {
	for {
		select {
		case <-h.registerCh:
			// Nothing to do until the client joins a room.

		case client := <-h.unregisterCh:
			h.removeMember(client)
			close(client.send)

		case in := <-h.inboundCh:
			h.dispatch(in.client, in.frame)
		}
	}
}

func (h *ChatHub) dispatch(c *Client, frame *transport.Frame) {
	switch frame.Event {
	case chat.EventJoinRoom:
		var payload chat.PresencePayload
		if !decode(c, frame, &payload) {
			return
		}
		h.joinRoom(c, payload)

	case chat.EventLeaveRoom:
		h.removeMember(c)

	case chat.EventSendChat:
		var payload chat.Message
		if !decode(c, frame, &payload) {
			return
		}
		h.message(c, payload)

	case chat.EventTyping, chat.EventStopTyping:
		h.relayTyping(c, frame)

	default:
		slog.Debug("chat: unknown event", "event", frame.Event)
	}
}

func (h *ChatHub) joinRoom(c *Client, payload chat.PresencePayload) {
	if payload.Room == "" || payload.UserID == "" {
		return
	}

	room, ok := h.rooms[payload.Room]
	if !ok {
		room = &chatRoom{members: make(map[string]*Client)}
		h.rooms[payload.Room] = room
	}

	c.room = payload.Room
	c.userID = payload.UserID
	c.displayName = payload.DisplayName
	room.members[payload.UserID] = c

	slog.Info("chat: member joined", "room", payload.Room, "user", payload.UserID)
	h.broadcastRoster(payload.Room, room)
}

func (h *ChatHub) removeMember(c *Client) {
	if c.room == "" {
		return
	}
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if room.members[c.userID] != c {
		return
	}

	delete(room.members, c.userID)
	slog.Info("chat: member left", "room", c.room, "user", c.userID)
	roomID := c.room
	c.room = ""

	if len(room.members) == 0 {
		delete(h.rooms, roomID)
		return
	}
	h.broadcastRoster(roomID, room)
}

// message stamps and fans a chat message out to the whole room, sender
// included: the echo is the delivery confirmation.
func (h *ChatHub) message(c *Client, payload chat.Message) {
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	payload.Room = c.room
	payload.UserID = c.userID
	payload.DisplayName = c.displayName
	payload.Timestamp = time.Now().UnixMilli()

	frame := mustFrame(chat.EventSendChat, payload)
	for _, m := range room.members {
		m.enqueue(frame)
	}
}

// relayTyping forwards typing markers to everyone else in the room.
func (h *ChatHub) relayTyping(c *Client, frame *transport.Frame) {
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	for _, m := range room.members {
		if m != c {
			m.enqueue(frame)
		}
	}
}

func (h *ChatHub) broadcastRoster(roomID string, room *chatRoom) {
	users := make([]chat.User, 0, len(room.members))
	for _, m := range room.members {
		users = append(users, chat.User{UserID: m.userID, DisplayName: m.displayName})
	}
	frame := mustFrame(chat.EventOnlineUsers, chat.OnlineUsersPayload{Room: roomID, Users: users})
	for _, m := range room.members {
		m.enqueue(frame)
	}
}
