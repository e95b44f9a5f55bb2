package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Development server; origin checking belongs to a fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler builds the HTTP mux serving both sockets and a health endpoint.
// The hubs must already be running.
func Handler(calls *CallHub, chats *ChatHub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/call", serveSocket(calls, calls.register))
	mux.HandleFunc("/chat", serveSocket(chats, chats.register))
	return mux
}

func serveSocket(h hub, register func(*Client)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("upgrade failed", "error", err)
			return
		}

		client := newClient(h, conn)
		register(client)
		go client.writePump()
		go client.readPump()
	}
}
