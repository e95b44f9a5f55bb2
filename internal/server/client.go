package server

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshmeet/meshmeet/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP offers with many candidates
	// get large.
	maxMessageSize = 256 * 1024
)

// hub is the loop a client feeds; both the call and chat hubs satisfy it.
type hub interface {
	unregister(c *Client)
	inbound(c *Client, frame *transport.Frame)
}

// Client wraps a single websocket connection on either socket. The identity
// fields are written only by the owning hub's loop.
type Client struct {
	hub  hub
	conn *websocket.Conn
	send chan *transport.Frame

	// set on join, read by the hub loop only
	room        string
	userID      string
	peerAddress string
	displayName string
	isMuted     bool
	isVideoOn   bool
}

func newClient(h hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan *transport.Frame, 256),
	}
}

// enqueue hands a frame to the write pump without ever blocking the hub loop.
func (c *Client) enqueue(frame *transport.Frame) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("client send buffer full, dropping frame", "event", frame.Event)
	}
}

// readPump pumps frames from the websocket to the hub. It is the only reader
// of the connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame transport.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("read error", "error", err)
			}
			return
		}
		c.hub.inbound(c, &frame)
	}
}

// writePump pumps frames from the hub to the websocket. It is the only writer
// of the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Debug("write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
