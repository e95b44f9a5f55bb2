package chat

// Chat/presence event names. Carried on the chat socket, which is a separate
// transport instance from the call socket.
const (
	// client -> server
	EventJoinRoom   = "join-room"
	EventLeaveRoom  = "leave-room"
	EventSendChat   = "chat-message"
	EventTyping     = "typing"
	EventStopTyping = "stop-typing"

	// server -> client (chat-message and typing are also relayed back)
	EventOnlineUsers = "online-users"
)

// User is one online member of the room.
type User struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Message is one chat message as broadcast by the server.
type Message struct {
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

// PresencePayload announces the local user joining or leaving the room.
type PresencePayload struct {
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// TypingPayload marks a user as typing or no longer typing.
type TypingPayload struct {
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// OnlineUsersPayload is the presence roster broadcast by the server.
type OnlineUsersPayload struct {
	Room  string `json:"room"`
	Users []User `json:"users"`
}
