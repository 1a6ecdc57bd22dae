package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// HandlerOptions tunes the WebSocket endpoint. Zero values take defaults.
type HandlerOptions struct {
	// AllowedOrigins lists browser origins allowed to connect; "*" allows any.
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4096
	}
	return o
}

// controlMessage is a viewer-to-server frame.
type controlMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// Handler upgrades requests to WebSocket and attaches each connection to hub.
func Handler(hub *Hub, opts HandlerOptions) http.Handler {
	opts = opts.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
			return
		}

		client, err := hub.NewClient()
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(opts.WriteWait))
			conn.Close()
			return
		}
		slog.Debug("viewer connected", "client_id", client.ID(), "remote_addr", r.RemoteAddr)

		go writePump(conn, client, opts)
		readPump(conn, hub, client, opts)

		hub.Remove(client)
		slog.Debug("viewer disconnected", "client_id", client.ID())
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// readPump handles control frames until the connection fails.
func readPump(conn *websocket.Conn, hub *Hub, c *Client, opts HandlerOptions) {
	defer conn.Close()

	conn.SetReadLimit(opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("viewer read failed", "client_id", c.ID(), "error", err)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			hub.Send(c, Event{Type: EventError, Message: "malformed message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if err := hub.Subscribe(c, msg.Topic); err != nil {
				text := "subscribe failed"
				if errors.Is(err, ErrInvalidTopic) {
					text = "invalid topic: expected logs:<jobId>"
				}
				hub.Send(c, Event{Type: EventError, Topic: msg.Topic, Message: text})
				continue
			}
			hub.Send(c, Event{Type: EventSubscribed, Topic: msg.Topic})
		case "unsubscribe":
			hub.Unsubscribe(c, msg.Topic)
			hub.Send(c, Event{Type: EventUnsubscribed, Topic: msg.Topic})
		default:
			hub.Send(c, Event{Type: EventError, Message: "unknown message type"})
		}
	}
}

// writePump is the only writer on conn.
func writePump(conn *websocket.Conn, c *Client, opts HandlerOptions) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection closed by server"),
				time.Now().Add(opts.WriteWait))
			return
		}
	}
}
