package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer upgrades and echoes every frame back to the client.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if err := conn.WriteJSON(&frame); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestConnectIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewClient(wsURL(srv))
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx)) // second connect is a no-op
	assert.True(t, c.Connected())
}

func TestConnectWithoutEndpointFailsFast(t *testing.T) {
	c := NewClient("")
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestEmitSubscribeRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewClient(wsURL(srv))
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan json.RawMessage, 1)
	dispose := c.Subscribe("chat-message", func(data json.RawMessage) {
		got <- data
	})
	defer dispose()

	c.Emit("chat-message", map[string]string{"text": "hello"})

	select {
	case data := <-got:
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "hello", payload.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribed handler never fired")
	}
}

func TestSubscribeDisposerStopsDelivery(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewClient(wsURL(srv))
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	first := make(chan struct{}, 4)
	dispose := c.Subscribe("ping", func(json.RawMessage) { first <- struct{}{} })

	c.Emit("ping", nil)
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never fired")
	}

	dispose()
	c.Emit("ping", nil)

	// The second delivery must not reach the disposed handler. Subscribe a
	// fresh handler to observe that the frame did arrive.
	second := make(chan struct{}, 1)
	c.Subscribe("ping", func(json.RawMessage) { second <- struct{}{} })
	c.Emit("ping", nil)

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("replacement handler never fired")
	}
	select {
	case <-first:
		t.Fatal("disposed handler still received events")
	default:
	}
}

func TestEmitWhileDisconnectedIsNoOp(t *testing.T) {
	c := NewClient("ws://localhost:1/never")
	// never connected: must not panic or error
	c.Emit("mute", map[string]string{"room": "r1"})
	assert.False(t, c.Connected())
}

func TestEmitRacingDisconnectNeverPanics(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewClient(wsURL(srv))
	require.NoError(t, c.Connect(context.Background()))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				c.Emit("mute", map[string]string{"room": "r1"})
			}
		}()
	}

	close(start)
	c.Disconnect()
	wg.Wait()

	assert.False(t, c.Connected())
}

func TestDisconnectIsIdempotentAndObservable(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewClient(wsURL(srv))
	require.NoError(t, c.Connect(context.Background()))

	states := make(chan StateChange, 8)
	c.OnState(func(ch StateChange) { states <- ch })

	c.Disconnect()
	c.Disconnect() // safe when already disconnected

	select {
	case ch := <-states:
		assert.Equal(t, StateDisconnected, ch.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect notification")
	}
	assert.False(t, c.Connected())
}

func TestServerDropTriggersDisconnectNotification(t *testing.T) {
	kill := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-kill
		conn.Close()
	}))
	defer srv.Close()

	c := NewClient(wsURL(srv))
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	states := make(chan StateChange, 8)
	c.OnState(func(ch StateChange) { states <- ch })

	close(kill)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ch := <-states:
			if ch.State == StateDisconnected {
				return
			}
		case <-deadline:
			t.Fatal("no disconnect notification after server drop")
		}
	}
}
