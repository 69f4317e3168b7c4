package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/memoir/internal/notify"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
)

// subscriber is one live event stream; MockClient implements it in tests.
type subscriber interface {
	outbox() chan []byte
	owner() string
	hangup()
}

// WebSocketHub fans spool events out to connected clients. A client that
// connects with ?owner_id=X receives events for X plus ownerless pipeline
// events. A client whose outbox is full is disconnected.
type WebSocketHub struct {
	origins []string
	events  chan notify.Event
	joins   chan subscriber
	leaves  chan subscriber

	mu   sync.Mutex
	subs map[subscriber]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewWebSocketHub creates a hub. origins are host patterns
// ("localhost:6464"); requests without an Origin header are always accepted.
func NewWebSocketHub(origins []string) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		origins: origins,
		events:  make(chan notify.Event, outboxSize),
		joins:   make(chan subscriber),
		leaves:  make(chan subscriber),
		subs:    make(map[subscriber]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run owns subscription changes and delivery until Stop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case s := <-h.joins:
			h.add(s)
		case s := <-h.leaves:
			h.remove(s)
		case evt := <-h.events:
			h.fanout(evt)
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop disconnects every client. Safe to call more than once.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		n := len(h.subs)
		for s := range h.subs {
			close(s.outbox())
			s.hangup()
		}
		h.subs = make(map[subscriber]struct{})
		h.mu.Unlock()
		log.Printf("[ws.stop] clients=%d", n)
	})
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast queues evt without blocking; it is dropped when the hub is
// backed up.
func (h *WebSocketHub) Broadcast(evt notify.Event) {
	select {
	case h.events <- evt:
	default:
		log.Printf("WARNING: [ws.drop] type=%s record=%s", evt.Type, evt.RecordID)
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(s subscriber) {
	select {
	case h.joins <- s:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(s subscriber) {
	select {
	case h.leaves <- s:
	case <-h.ctx.Done():
	}
}

func (h *WebSocketHub) add(s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		s.hangup()
		return
	}
	h.subs[s] = struct{}{}
	log.Printf("[ws.connect] owner=%q clients=%d", s.owner(), len(h.subs))
}

func (h *WebSocketHub) remove(s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.outbox())
	log.Printf("[ws.disconnect] owner=%q clients=%d", s.owner(), len(h.subs))
}

func (h *WebSocketHub) fanout(evt notify.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("ERROR: [ws.encode] type=%s error=%v", evt.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !wants(s.owner(), evt) {
			continue
		}
		select {
		case s.outbox() <- data:
		default:
			delete(h.subs, s)
			close(s.outbox())
			log.Printf("WARNING: [ws.evict] owner=%q reason=outbox_full", s.owner())
		}
	}
}

func wants(owner string, evt notify.Event) bool {
	return owner == "" || evt.OwnerID == "" || owner == evt.OwnerID
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept has already written the 403 or 400.
		log.Printf("WARNING: [ws.reject] remote=%s error=%v", r.RemoteAddr, err)
		return
	}

	c := &conn{
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, outboxSize),
		ownerID: r.URL.Query().Get("owner_id"),
	}
	h.Register(c)
	go c.writeLoop()
	c.readLoop()
}

// conn is a subscriber backed by a websocket connection.
type conn struct {
	hub     *WebSocketHub
	ws      *websocket.Conn
	send    chan []byte
	ownerID string
}

func (c *conn) outbox() chan []byte { return c.send }
func (c *conn) owner() string       { return c.ownerID }

func (c *conn) hangup() {
	_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
}

func (c *conn) writeLoop() {
	defer c.hub.Unregister(c)
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(c.hub.ctx, writeTimeout)
		err := c.ws.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			log.Printf("WARNING: [ws.write] owner=%q error=%v", c.ownerID, err)
			_ = c.ws.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// readLoop discards client frames; it returns when the peer disconnects.
func (c *conn) readLoop() {
	defer c.hub.Unregister(c)
	for {
		if _, _, err := c.ws.Read(c.hub.ctx); err != nil {
			return
		}
	}
}

// MockClient is an in-memory subscriber for tests.
type MockClient struct {
	SendChan chan []byte
	Owner    string
}

func (m *MockClient) outbox() chan []byte { return m.SendChan }
func (m *MockClient) owner() string       { return m.Owner }
func (m *MockClient) hangup()             {}
