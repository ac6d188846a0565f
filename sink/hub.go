package sink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/bluecore/logger"
)

const (
	hubQueueSize    = 256
	hubWriteTimeout = 100 * time.Millisecond
)

// Hub broadcasts notifications to websocket clients. Notify only enqueues;
// Run performs the writes so the core never waits on a slow client.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	queue    chan []byte
	upgrader websocket.Upgrader
}

// NewHub creates a hub with an empty client set
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		queue:   make(chan []byte, hubQueueSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Notify encodes n and queues it for broadcast, dropping it when the queue is full.
func (h *Hub) Notify(n Notification) {
	data, err := n.MarshalJSON()
	if err != nil {
		logger.Warn("hub", "failed to encode %s: %v", n.Kind, err)
		return
	}
	select {
	case h.queue <- data:
	default:
		logger.Warn("hub", "broadcast queue full, dropping %s", n.Kind)
	}
}

// Run broadcasts queued notifications until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case data := <-h.queue:
			h.broadcast(data)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("hub", "failed to upgrade connection: %v", err)
		return
	}
	h.AddClient(conn)
	go h.readLoop(conn)
}

// readLoop discards client frames and unregisters the client when it goes away.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.RemoveClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	logger.Debug("hub", "client %s connected (%d total)", conn.RemoteAddr(), len(h.clients))
}

func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failed {
		logger.Debug("hub", "dropping client %s after failed write", conn.RemoteAddr())
		h.RemoveClient(conn)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
