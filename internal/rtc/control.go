package rtc

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	controlLabel = "control"
	pingInterval = 5 * time.Second
)

// Control channel message types.
const (
	controlTypePing = "ping"
	controlTypePong = "pong"
)

// controlMessage is the envelope for all control data channel messages.
type controlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// pingPayload carries the sender's send time; it is echoed back verbatim in
// the pong so the sender can compute the round trip without clock agreement.
type pingPayload struct {
	Seq    uint64 `msgpack:"seq"`
	SentAt int64  `msgpack:"sentAt"` // unix nanos, sender's clock
}

func newControlMessage(t string, payload any) (*controlMessage, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &controlMessage{Type: t, Payload: b}, nil
}

// controlChannel is the per-link side channel: a msgpack ping/pong heartbeat
// that yields a live round-trip estimate for the connection quality
// indicator. Link failure is still detected by ICE, not by this channel.
type controlChannel struct {
	dc       *webrtc.DataChannel
	seq      atomic.Uint64
	rtt      atomic.Int64 // nanoseconds, 0 until first pong
	done     chan struct{}
	stopOnce sync.Once
}

func newControlChannel(dc *webrtc.DataChannel) *controlChannel {
	c := &controlChannel{dc: dc, done: make(chan struct{})}

	dc.OnOpen(func() {
		go c.pingLoop()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handle(msg.Data)
	})
	dc.OnClose(func() {
		c.stop()
	})

	return c
}

func (c *controlChannel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.send(controlTypePing, pingPayload{
				Seq:    c.seq.Add(1),
				SentAt: time.Now().UnixNano(),
			})
		}
	}
}

func (c *controlChannel) handle(data []byte) {
	var msg controlMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		slog.Debug("control channel: bad message", "error", err)
		return
	}

	var payload pingPayload
	if err := msgpack.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}

	switch msg.Type {
	case controlTypePing:
		c.send(controlTypePong, payload) // echo back unchanged
	case controlTypePong:
		c.rtt.Store(time.Now().UnixNano() - payload.SentAt)
	}
}

func (c *controlChannel) send(t string, payload any) {
	msg, err := newControlMessage(t, payload)
	if err != nil {
		return
	}
	b, err := msgpack.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.dc.Send(b); err != nil {
		slog.Debug("control channel: send", "error", err)
	}
}

// RTT returns the latest round-trip estimate, zero before the first pong.
func (c *controlChannel) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// stop is reachable from the channel close callback, the connection state
// callback and an explicit peer Close, any of which may land concurrently.
func (c *controlChannel) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
