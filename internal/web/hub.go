package web

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ggstation/internal/sink"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 64
	writeWait         = 5 * time.Second
)

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  socketBufferSize,
	WriteBufferSize: socketBufferSize,
	// Dashboards are served from other origins on the bench LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams every update to the connected /ws clients as JSON text frames.
// It implements sink.Sink. A client that cannot keep up misses messages; it
// is never allowed to stall ingest.
type Hub struct {
	forward chan []byte
	join    chan *client
	leave   chan *client
	quit    chan struct{}
	done    chan struct{}

	clients  atomic.Int64
	dropped  atomic.Uint64
	quitOnce sync.Once
}

type client struct {
	socket *websocket.Conn
	send   chan []byte
}

func NewHub() *Hub {
	return &Hub{
		forward: make(chan []byte, messageBufferSize),
		join:    make(chan *client),
		leave:   make(chan *client),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run owns the client set until ctx is done or Close is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	clients := make(map[*client]bool)
	defer func() {
		for c := range clients {
			close(c.send)
		}
		h.clients.Store(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return
		case c := <-h.join:
			clients[c] = true
			h.clients.Store(int64(len(clients)))
			log.Printf("ws client joined remote=%s clients=%d", c.socket.RemoteAddr(), len(clients))
		case c := <-h.leave:
			if clients[c] {
				delete(clients, c)
				close(c.send)
				h.clients.Store(int64(len(clients)))
				log.Printf("ws client left remote=%s clients=%d", c.socket.RemoteAddr(), len(clients))
			}
		case msg := <-h.forward:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

// Publish queues an update for all clients without blocking.
func (h *Hub) Publish(u sink.Update) error {
	payload, err := sink.FormatPayload(u)
	if err != nil {
		return err
	}
	select {
	case h.forward <- payload:
	case <-h.quit:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() error {
	h.quitOnce.Do(func() { close(h.quit) })
	return nil
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int { return int(h.clients.Load()) }

// Dropped counts messages not delivered to a slow client or a full hub.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("ws upgrade failed remote=%s: %v", req.RemoteAddr, err)
		return
	}
	c := &client{socket: socket, send: make(chan []byte, messageBufferSize)}

	select {
	case h.join <- c:
	case <-h.quit:
		_ = socket.Close()
		return
	case <-h.done:
		_ = socket.Close()
		return
	}
	go c.write()
	c.read()

	select {
	case h.leave <- c:
	case <-h.done:
	}
}

// read drains client frames so control messages are processed, and returns
// when the peer goes away.
func (c *client) read() {
	defer c.socket.Close()
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()
	for msg := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}
