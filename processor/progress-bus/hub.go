package progressbus

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// wsClient is one connected WebSocket session bound to a user.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSClient(userID string, conn *websocket.Conn) *wsClient {
	return &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
	}
}

// trySend queues a frame without blocking. Returns false when the
// session is closed or its buffer is full.
func (c *wsClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once. The write pump exits when
// the channel closes and tears down the connection.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// hub tracks connections per user. Events route only to the sessions of
// the user they belong to.
type hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*wsClient]struct{}
	total  int
	max    int
}

func newHub(maxConnections int) *hub {
	return &hub{
		byUser: make(map[string]map[*wsClient]struct{}),
		max:    maxConnections,
	}
}

// add registers a client, rejecting it when the connection cap is hit.
func (h *hub) add(c *wsClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.total >= h.max {
		return fmt.Errorf("connection limit %d reached", h.max)
	}

	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	h.total++
	return nil
}

// remove drops a client. Removing an unknown client is a no-op.
func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.byUser[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	h.total--
	if len(set) == 0 {
		delete(h.byUser, c.userID)
	}
}

// sendToUser delivers data to every session of one user. Sessions whose
// send buffer is full are dropped rather than allowed to stall the bus.
// Returns delivered count and the clients that were evicted.
func (h *hub) sendToUser(userID string, data []byte) (int, []*wsClient) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var evicted []*wsClient
	for _, c := range targets {
		if c.trySend(data) {
			delivered++
		} else {
			evicted = append(evicted, c)
		}
	}

	for _, c := range evicted {
		h.remove(c)
		c.close()
	}
	return delivered, evicted
}

// connections returns the total connection count.
func (h *hub) connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// userConnections returns the session count for one user.
func (h *hub) userConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// closeAll tears down every session, typically at shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, h.total)
	for _, set := range h.byUser {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.byUser = make(map[string]map[*wsClient]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
