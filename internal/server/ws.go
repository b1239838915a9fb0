package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerWSRoute(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade error", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		closed := readUntilClosed(conn)

		hello, err := json.Marshal(ConnectionEvent{
			Event:     newEvent("connection", time.Now().UTC()),
			Connected: true,
		})
		if err == nil && writeWS(conn, websocket.TextMessage, hello) != nil {
			return
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case <-ping.C:
				if err := writeWS(conn, websocket.PingMessage, nil); err != nil {
					return
				}
			case msg := <-ch:
				if err := writeWS(conn, websocket.TextMessage, msg); err != nil {
					slog.Debug("ws client dropped", "error", err)
					return
				}
			}
		}
	})
}

// readUntilClosed consumes client frames so pongs and close messages are
// processed. The returned channel closes when the connection is gone.
func readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return closed
}

func writeWS(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(messageType, data)
}
