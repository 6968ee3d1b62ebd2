package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/httpx"
)

// ClientIDHeader identifies the client on every request
const ClientIDHeader = "X-Client-Id"

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client (the SDK, curl, tests)
		if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		return set[origin] || set["*"]
	}
}

// clientMessage is what clients send over the socket
type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

// HandleWebSocket upgrades the request and serves one real-time connection
// until it closes or expires.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = r.Header.Get(ClientIDHeader)
	}
	if clientID == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "clientId is required")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	now := h.now()
	c := &connection{
		record: ConnectionRecord{
			ConnectionID: uuid.NewString(),
			ClientID:     clientID,
			ConnectedAt:  now,
			ExpiresAt:    now.Add(h.ttl),
		},
		ws: ws,
	}
	if !h.enqueue(c, true) {
		ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.enqueue(c, false)
	}()

	if err := c.send(NewEvent(EventClientConnected, map[string]interface{}{
		"connectionId": c.record.ConnectionID,
		"clientId":     clientID,
		"expiresAt":    c.record.ExpiresAt.UnixMilli(),
	})); err != nil {
		return
	}

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("client", clientID).Warn("WebSocket error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(config.WSReadDeadline))

		if err := h.handleMessage(c, data); err != nil {
			return
		}
	}
}

func (h *Hub) handleMessage(c *connection, data []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.send(NewEvent(EventSyncStatus, map[string]interface{}{"error": "invalid message"}))
	}

	switch msg.Action {
	case "ping":
		return c.send(NewEvent(EventSyncStatus, map[string]interface{}{"pong": true}))
	case "subscribe":
		h.setTopics(c, msg.Topics)
		return c.send(NewEvent(EventSyncStatus, map[string]interface{}{"subscribed": msg.Topics}))
	default:
		return c.send(NewEvent(EventSyncStatus, map[string]interface{}{"error": "unknown action " + msg.Action}))
	}
}
