package eventbus

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: isLocalhostOrigin,
}

// isLocalhostOrigin restricts WebSocket upgrades to same-host browser tabs,
// mirroring the teacher's Hub.Handler origin policy.
func isLocalhostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host, _, err := net.SplitHostPort(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"))
	if err != nil {
		host = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// WSHandler returns an http.HandlerFunc that upgrades a connection and
// relays bus events to it as JSON frames, until the client disconnects.
// Auth mirrors the teacher's three-tier check: session cookie, Authorization
// header, or token query param, all compared in constant time.
func WSHandler(b *Bus, expectedToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if expectedToken != "" && !authorized(r, expectedToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serveSubscriber(b, conn)
	}
}

func authorized(r *http.Request, expected string) bool {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return constantTimeEqual(tok, expected)
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return constantTimeEqual(strings.TrimPrefix(auth, "Bearer "), expected)
	}
	if c, err := r.Cookie("syrah_session"); err == nil {
		return constantTimeEqual(c.Value, expected)
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type wireMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

func serveSubscriber(b *Bus, conn *websocket.Conn) {
	id, flows, status := b.Subscribe()
	defer b.Unsubscribe(id)

	outbound := make(chan wireMessage, 16)
	done := make(chan struct{})
	defer close(outbound)

	go writePump(conn, outbound, done)
	go readPump(conn, done) // drains client pings/close frames

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-flows:
			if !ok {
				return
			}
			select {
			case outbound <- wireMessage{Topic: "flows", Data: evt}:
			case <-done:
				return
			}
		case snap, ok := <-status:
			if !ok {
				return
			}
			select {
			case outbound <- wireMessage{Topic: "status", Data: snap}:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func writePump(conn *websocket.Conn, outbound <-chan wireMessage, done chan struct{}) {
	defer close(done)
	defer conn.Close()
	for msg := range outbound {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
