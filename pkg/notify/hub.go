package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
)

// socket is the part of *websocket.Conn the hub writes to
type socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type connection struct {
	record ConnectionRecord
	ws     socket

	// gorilla allows one concurrent writer per connection
	writeMu sync.Mutex
}

func (c *connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return c.ws.WriteMessage(messageType, data)
}

func (c *connection) send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

type membership struct {
	conn *connection
	join bool
}

type delivery struct {
	clientIDs []string
	message   []byte
}

// HubConfig configures a Hub
type HubConfig struct {
	// TTL bounds a connection's lifetime; expired sockets are closed and
	// clients reconnect. Zero uses config.WSConnectionTTL.
	TTL time.Duration

	// AllowedOrigins for browser clients, in addition to same-origin
	AllowedOrigins []string
}

// Hub tracks live connections per client and pushes events to them.
type Hub struct {
	conns    map[string]*connection            // by connection id
	byClient map[string]map[string]*connection // client id -> connection id -> conn

	// register and unregister share one channel so they stay ordered
	membership chan membership
	deliveries chan delivery
	done       chan struct{}

	ttl      time.Duration
	upgrader websocket.Upgrader
	now      func() time.Time

	mu sync.RWMutex
}

// NewHub creates a new notification hub
func NewHub(cfg HubConfig) *Hub {
	if cfg.TTL <= 0 {
		cfg.TTL = config.WSConnectionTTL
	}
	h := &Hub{
		conns:      make(map[string]*connection),
		byClient:   make(map[string]map[string]*connection),
		membership: make(chan membership, config.WSChannelBuffer),
		deliveries: make(chan delivery, config.WSNotifyBuffer),
		done:       make(chan struct{}),
		ttl:        cfg.TTL,
		now:        time.Now,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
		ReadBufferSize:  config.WSReadBufferSize,
		WriteBufferSize: config.WSWriteBufferSize,
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	expiry := time.NewTicker(config.WSExpiryCheckEvery)
	defer expiry.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.conns {
				c.ws.Close()
			}
			h.conns = make(map[string]*connection)
			h.byClient = make(map[string]map[string]*connection)
			h.mu.Unlock()
			return
		case m := <-h.membership:
			if m.join {
				h.add(m.conn)
			} else {
				h.drop(m.conn, "closed")
			}
		case d := <-h.deliveries:
			h.deliver(d)
		case <-expiry.C:
			h.expire()
		}
	}
}

func (h *Hub) add(c *connection) {
	h.mu.Lock()
	h.conns[c.record.ConnectionID] = c
	set, ok := h.byClient[c.record.ClientID]
	if !ok {
		set = make(map[string]*connection)
		h.byClient[c.record.ClientID] = set
	}
	set[c.record.ConnectionID] = c
	total := len(h.conns)
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"client":     c.record.ClientID,
		"connection": c.record.ConnectionID,
		"total":      total,
	}).Info("Real-time client connected")
}

// drop removes and closes c. Safe to call more than once.
func (h *Hub) drop(c *connection, reason string) {
	h.mu.Lock()
	if _, ok := h.conns[c.record.ConnectionID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.record.ConnectionID)
	if set := h.byClient[c.record.ClientID]; set != nil {
		delete(set, c.record.ConnectionID)
		if len(set) == 0 {
			delete(h.byClient, c.record.ClientID)
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	c.ws.Close()
	log.WithFields(log.Fields{
		"client":     c.record.ClientID,
		"connection": c.record.ConnectionID,
		"reason":     reason,
		"total":      total,
	}).Info("Real-time client disconnected")
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	var targets []*connection
	seen := make(map[string]bool)
	for _, id := range d.clientIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, c := range h.byClient[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	// A failed write means the channel is gone; forget it (lazy cleanup).
	for _, c := range targets {
		if err := c.write(websocket.TextMessage, d.message); err != nil {
			log.WithError(err).WithField("connection", c.record.ConnectionID).Debug("Notify write failed")
			h.drop(c, "write failed")
		}
	}
}

func (h *Hub) expire() {
	now := h.now()
	h.mu.RLock()
	var expired []*connection
	for _, c := range h.conns {
		if now.After(c.record.ExpiresAt) {
			expired = append(expired, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range expired {
		h.drop(c, "expired")
	}
}

// Notify queues event for every live connection of clientIDs. It never
// blocks: when the queue is full the event is dropped, since clients catch
// up by polling.
func (h *Hub) Notify(clientIDs []string, event Event) {
	if len(clientIDs) == 0 {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = h.now().UnixMilli()
	}
	message, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Warn("Failed to encode notification")
		return
	}

	select {
	case h.deliveries <- delivery{clientIDs: clientIDs, message: message}:
	default:
		log.WithField("type", event.Type).Warn("Notification queue full, dropping event")
	}
}

// Connections returns the live connection records of clientID
func (h *Hub) Connections(clientID string) []ConnectionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []ConnectionRecord
	for _, c := range h.byClient[clientID] {
		out = append(out, c.record)
	}
	return out
}

// HasClients returns true if there are any live connections
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns) > 0
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// enqueue hands a membership change to the loop unless the hub has stopped
func (h *Hub) enqueue(c *connection, join bool) bool {
	select {
	case h.membership <- membership{conn: c, join: join}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) setTopics(c *connection, topics []string) {
	h.mu.Lock()
	c.record.Topics = append([]string(nil), topics...)
	h.mu.Unlock()
}
