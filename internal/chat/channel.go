// Package chat is the room's presence and text channel. It keeps an
// append-only message log and the online-user roster. The presence roster is
// deliberately independent from the call roster: the two are sourced from
// different sockets and may transiently disagree.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/meshmeet/meshmeet/internal/transport"
)

// typingIdle is how long after the last keystroke the channel automatically
// broadcasts stop-typing.
const typingIdle = time.Second

// Transport is the duplex signaling connection the channel rides on.
// *transport.Client satisfies it; tests inject fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Emit(event string, payload any)
	Subscribe(event string, fn transport.Handler) func()
	OnState(fn transport.StateHandler) func()
}

// Channel is one user's membership in one room's chat.
type Channel struct {
	tr          Transport
	room        string
	userID      string
	displayName string

	mu        sync.Mutex
	joined    bool
	messages  []Message
	online    []User
	remoteTyp map[string]string // userID -> display name, currently typing

	typingTimer  *time.Timer
	typingActive bool

	msgSubs    []func(Message)
	rosterSubs []func([]User)
	disposers  []func()
}

// NewChannel creates a chat channel for room on its own transport instance.
func NewChannel(tr Transport, room, userID, displayName string) *Channel {
	return &Channel{
		tr:          tr,
		room:        room,
		userID:      userID,
		displayName: displayName,
		remoteTyp:   make(map[string]string),
	}
}

// Join connects the transport and announces presence. Idempotent.
func (c *Channel) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = true
	c.mu.Unlock()

	if err := c.tr.Connect(ctx); err != nil {
		c.mu.Lock()
		c.joined = false
		c.mu.Unlock()
		return err
	}

	c.subscribeAll()
	c.tr.Emit(EventJoinRoom, PresencePayload{Room: c.room, UserID: c.userID, DisplayName: c.displayName})
	return nil
}

// Leave withdraws presence and disconnects. Safe to call repeatedly.
func (c *Channel) Leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingActive = false
	disposers := c.disposers
	c.disposers = nil
	c.mu.Unlock()

	c.tr.Emit(EventLeaveRoom, PresencePayload{Room: c.room, UserID: c.userID, DisplayName: c.displayName})
	for _, d := range disposers {
		d()
	}
	c.tr.Disconnect()
}

// Send broadcasts one text message. Sending implies the user stopped typing.
func (c *Channel) Send(text string) {
	if text == "" {
		return
	}
	c.StopTyping()
	c.tr.Emit(EventSendChat, Message{
		Room:        c.room,
		UserID:      c.userID,
		DisplayName: c.displayName,
		Text:        text,
	})
}

// Typing marks the local user as typing. Repeated calls keep the state alive;
// one second after the last call the channel broadcasts stop-typing on its
// own.
func (c *Channel) Typing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return
	}

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(typingIdle, c.StopTyping)

	if c.typingActive {
		return
	}
	c.typingActive = true
	c.tr.Emit(EventTyping, TypingPayload{Room: c.room, UserID: c.userID, DisplayName: c.displayName})
}

// StopTyping broadcasts stop-typing if the local user was typing.
func (c *Channel) StopTyping() {
	c.mu.Lock()
	if !c.typingActive {
		c.mu.Unlock()
		return
	}
	c.typingActive = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	c.tr.Emit(EventStopTyping, TypingPayload{Room: c.room, UserID: c.userID, DisplayName: c.displayName})
}

// Messages returns a snapshot of the append-only message log.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// OnlineUsers returns the current presence roster.
func (c *Channel) OnlineUsers() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, len(c.online))
	copy(out, c.online)
	return out
}

// TypingUsers returns display names of remote users currently typing.
func (c *Channel) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.remoteTyp))
	for _, name := range c.remoteTyp {
		out = append(out, name)
	}
	return out
}

// OnMessage registers fn for every new chat message and returns a disposer.
func (c *Channel) OnMessage(fn func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgSubs = append(c.msgSubs, fn)
	idx := len(c.msgSubs) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.msgSubs) {
			c.msgSubs[idx] = func(Message) {}
		}
	}
}

// OnRoster registers fn for presence roster updates and returns a disposer.
func (c *Channel) OnRoster(fn func([]User)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rosterSubs = append(c.rosterSubs, fn)
	idx := len(c.rosterSubs) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.rosterSubs) {
			c.rosterSubs[idx] = func([]User) {}
		}
	}
}

func (c *Channel) subscribeAll() {
	d1 := c.tr.Subscribe(EventSendChat, func(data json.RawMessage) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Error("chat-message: bad payload", "error", err)
			return
		}
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		delete(c.remoteTyp, msg.UserID) // a delivered message ends typing
		subs := make([]func(Message), len(c.msgSubs))
		copy(subs, c.msgSubs)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg)
		}
	})

	d2 := c.tr.Subscribe(EventOnlineUsers, func(data json.RawMessage) {
		var payload OnlineUsersPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Error("online-users: bad payload", "error", err)
			return
		}
		c.mu.Lock()
		c.online = payload.Users
		subs := make([]func([]User), len(c.rosterSubs))
		copy(subs, c.rosterSubs)
		users := make([]User, len(payload.Users))
		copy(users, payload.Users)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(users)
		}
	})

	d3 := c.tr.Subscribe(EventTyping, func(data json.RawMessage) {
		var payload TypingPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		if payload.UserID == c.userID {
			return
		}
		c.mu.Lock()
		c.remoteTyp[payload.UserID] = payload.DisplayName
		c.mu.Unlock()
	})

	d4 := c.tr.Subscribe(EventStopTyping, func(data json.RawMessage) {
		var payload TypingPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.remoteTyp, payload.UserID)
		c.mu.Unlock()
	})

	c.mu.Lock()
	c.disposers = append(c.disposers, d1, d2, d3, d4)
	c.mu.Unlock()
}
