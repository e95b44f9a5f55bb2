package signal

import "encoding/json"

// Call-control event names. The set is closed: anything else arriving on the
// call socket is logged and dropped at the boundary.
const (
	// client -> server
	EventJoinCall  = "join-call"
	EventLeaveCall = "leave-call"
	EventMute      = "mute"
	EventUnmute    = "unmute"
	EventVideoOn   = "video-on"
	EventVideoOff  = "video-off"

	// server -> client
	EventPeersList   = "peers-list"
	EventPeerJoined  = "peer-joined"
	EventPeerLeft    = "peer-left"
	EventMuteStatus  = "mute-status"
	EventVideoStatus = "video-status"
	EventICEServers  = "ice-servers"
	EventError       = "error"

	// both directions, relayed between peers by the server
	EventRTCSignal = "rtc-signal"
)

// ParticipantInfo describes one remote member of a call.
type ParticipantInfo struct {
	UserID      string `json:"user_id"`
	PeerAddress string `json:"peer_address"`
	DisplayName string `json:"display_name"`
	IsMuted     bool   `json:"is_muted"`
	IsVideoOn   bool   `json:"is_video_on"`
}

// JoinPayload announces the local participant to the call.
type JoinPayload struct {
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	PeerAddress string `json:"peer_address"`
	DisplayName string `json:"display_name"`
}

// LeavePayload withdraws the local participant from the call.
type LeavePayload struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

// StatusPayload carries mute/unmute and video-on/video-off state changes.
type StatusPayload struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

// PeersList is the full roster snapshot, delivered once after a successful
// join.
type PeersList struct {
	Room         string            `json:"room"`
	Participants []ParticipantInfo `json:"participants"`
	Count        int               `json:"count"`
}

// PeerEvent announces a single participant joining or leaving.
type PeerEvent struct {
	UserID      string `json:"user_id"`
	PeerAddress string `json:"peer_address"`
	DisplayName string `json:"display_name"`
	Timestamp   int64  `json:"timestamp"`
}

// MuteStatus reports a remote participant's mute flag.
type MuteStatus struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsMuted     bool   `json:"is_muted"`
	Timestamp   int64  `json:"timestamp"`
}

// VideoStatus reports a remote participant's video flag.
type VideoStatus struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsVideoOn   bool   `json:"is_video_on"`
	Timestamp   int64  `json:"timestamp"`
}

// ICEServer mirrors the subset of RTCIceServer the server hands out.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServersPayload delivers relay/reflection endpoints, asynchronously after
// connect.
type ICEServersPayload struct {
	ICEServers []ICEServer `json:"ice_servers"`
}

// ErrorPayload carries a server-side error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RTCSignal is one peer-connection setup message (offer, answer or ICE
// candidate), addressed by signaling address and relayed verbatim by the
// server.
type RTCSignal struct {
	To        string          `json:"to"`
	From      string          `json:"from"`
	Kind      string          `json:"kind"` // "offer", "answer" or "candidate"
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
