package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/meshtalk/meshtalk-node/pkg/network"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local frontends connect from file:// or dev servers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// noticeHub fans node notices out to every connected websocket. The
// node's notice channel has a single consumer, so the hub is the one
// place that drains it.
type noticeHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan network.Notice
}

func newNoticeHub() *noticeHub {
	return &noticeHub{clients: make(map[*wsClient]struct{})}
}

// pump drains the node's notice channel into all clients
func (h *noticeHub) pump(ctx context.Context, notices <-chan network.Notice) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case nt, ok := <-notices:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(nt)
		}
	}
}

func (h *noticeHub) broadcast(nt network.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- nt:
		default:
			// Slow client: drop it rather than stall the pump.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *noticeHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *noticeHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *noticeHub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// handleWebSocket upgrades and streams notices as JSON
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan network.Notice, 64),
	}
	s.hub.add(client)

	go client.writeLoop()
	go client.readLoop(s.hub)
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case nt, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(wsWriteTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(nt); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to notice disconnects
func (c *wsClient) readLoop(h *noticeHub) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
