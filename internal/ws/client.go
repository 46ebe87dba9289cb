package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yyrichy/easyboard/internal/ratelimit"
	"github.com/yyrichy/easyboard/internal/room"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	handshakeTimeout  = 10 * time.Second
	maxMessageSize    = 1024 * 1024
	sendBufferSize    = 512
	messagesPerSecond = 100
	messageBurst      = 200
)

// Fallback room when the request path carries no name.
const DefaultRoom = "default"

var upgrader = websocket.Upgrader{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: handshakeTimeout,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client bridges one WebSocket connection to its room. It implements
// room.Conn; the room talks to it only through the buffered send
// channel, so room handling never blocks on a slow peer.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	registry    *room.Registry
	room        *room.Room
	rateLimiter *ratelimit.Limiter
}

func (c *Client) ID() string {
	return c.id
}

// Send queues a message without blocking. A full buffer reports
// failure and closes the transport so the read pump tears the
// connection down.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.conn.Close()
		return false
	}
}

// RoomName extracts the room from the first path segment, per the wire
// contract. "/" and "//draw" both fall back to the default room.
func RoomName(path string) string {
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if segment != "" {
			return segment
		}
		break
	}
	return DefaultRoom
}

// ServeWs upgrades the request and attaches the connection to its room.
func ServeWs(registry *room.Registry, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		registry:    registry,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}
	client.room = registry.Connect(RoomName(r.URL.Path), client)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.registry.Disconnect(c.room, c)
		c.conn.Close()
		close(c.send)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			log.Printf("Rate limit exceeded for client %s in room %s, dropping frame", c.id, c.room.Name())
			continue
		}

		c.room.HandleFrame(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
