package realtime

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser sessions connect from the app origin; CORS for the REST
	// surface is enforced separately and the handshake carries the same
	// bearer token, so the origin check stays permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades an already-authenticated request, binds it to the
// account's channel, and pumps events until the peer disconnects. The caller
// must have verified the identity before calling; on upgrade failure no
// channel state is touched.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}
	sub := hub.Bind(accountID)

	go writePump(conn, sub)
	go readPump(conn, sub)
}

// writePump serializes events to the peer and keeps the connection alive
// with pings. It exits when the subscription closes or a write fails, and
// unbinds the subscription either way.
func writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()
	for {
		select {
		case event, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames (the event stream is one-way) and exists
// to notice the peer going away. Unbinding is synchronous and idempotent.
func readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
