package notifier

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// inboundMessage is the shape of every client->server frame on the push
// channel: an auth handshake or a subscribe/unsubscribe request (spec
// §6.2).
type inboundMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel,omitempty"`
	Key     string `json:"key,omitempty"`
}

// Hub owns the WebSocket upgrade handler for the push channel and the
// bearer token it requires of the handshake's first frame.
type Hub struct {
	registry  *Registry
	authToken string
	log       *zap.SugaredLogger
}

// NewHub constructs a Hub publishing through registry. authToken is the
// bearer token every connection's first frame must present; an empty
// authToken disables the check (local development only).
func NewHub(registry *Registry, authToken string) *Hub {
	return &Hub{registry: registry, authToken: authToken, log: zap.L().Sugar().Named("notifier.ws")}
}

// ServeHTTP upgrades the connection, authenticates the handshake frame,
// then pumps subscription requests in and queued messages out until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	listenerID := uuid.New().String()
	if !h.authenticate(conn) {
		h.writeError(conn, "authentication failed")
		return
	}

	listener := h.registry.Connect(listenerID)
	defer h.registry.Disconnect(listenerID)

	done := make(chan struct{})
	go h.readPump(conn, listenerID, done)
	h.writePump(conn, listener, done)
}

func (h *Hub) authenticate(conn *websocket.Conn) bool {
	if h.authToken == "" {
		return true
	}
	var msg inboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return false
	}
	return msg.Type == "auth" && msg.Token == h.authToken
}

func (h *Hub) readPump(conn *websocket.Conn, listenerID string, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			h.registry.Subscribe(listenerID, Channel(msg.Channel), msg.Key)
		case "unsubscribe":
			h.registry.Unsubscribe(listenerID, Channel(msg.Channel), msg.Key)
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, listener *Listener, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-listener.Messages():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			raw, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeError(conn *websocket.Conn, text string) {
	raw, err := json.Marshal(Message{Type: MessageError, Error: text, SentAt: time.Now()})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}
