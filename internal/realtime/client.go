package realtime

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// pingInterval and pongWait bound the websocket keepalive exchange.
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Client represents a single WebSocket connection of one participant.
// Room membership, identity and heartbeat state are mutated by the relay
// and read concurrently by the liveness monitor.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan Message
	logger *zap.Logger

	// allowedRoom is the room a guest token grants. Set once before the
	// pumps start; empty for host connections, which carry no token.
	allowedRoom string

	mu            sync.Mutex
	roomID        string
	userID        string
	role          string
	isRecording   bool
	lastHeartbeat time.Time
	connectedAt   time.Time

	// closed marks the send side unusable; torndown guarantees the
	// leave/timeout teardown path runs at most once per connection.
	closed   atomic.Bool
	torndown atomic.Bool
}

// newClient creates a client with heartbeat state initialized to now, so a
// connection that never sends a heartbeat still times out eventually.
func newClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	now := time.Now()
	return &Client{
		ID:            uuid.New().String(),
		conn:          conn,
		send:          make(chan Message, sendBuffer),
		logger:        logger,
		role:          "guest",
		lastHeartbeat: now,
		connectedAt:   now,
	}
}

// Room returns the room this connection currently belongs to ("" if none).
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// UserID returns the participant id last reported by the client.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Role returns the participant role (host or guest).
func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Heartbeat records a keepalive from the client, refreshing identity and
// the liveness deadline.
func (c *Client) Heartbeat(userID, role string, isRecording bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID != "" {
		c.userID = userID
	}
	if role != "" {
		c.role = role
	}
	c.isRecording = isRecording
	c.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time of the most recent heartbeat (or connect).
func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// ParticipantInfo is a point-in-time view of a connection for room stats.
type ParticipantInfo struct {
	SocketID      string    `json:"socket_id"`
	UserID        string    `json:"user_id"`
	Role          string    `json:"user_type"`
	IsRecording   bool      `json:"is_recording"`
	ConnectedAt   time.Time `json:"connection_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Info snapshots the connection state.
func (c *Client) Info() ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ParticipantInfo{
		SocketID:      c.ID,
		UserID:        c.userID,
		Role:          c.role,
		IsRecording:   c.isRecording,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
	}
}

// trySend queues a message for delivery. It fails when the connection is
// closed or the send buffer is full; the caller prunes such connections.
func (c *Client) trySend(msg Message) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend marks the send side closed. Safe to call more than once.
func (c *Client) closeSend() {
	c.closed.Store(true)
}

// ServeWS handles the WebSocket upgrade and runs the client loop. An
// optional guest token in the query is validated against validateToken
// when supplied; host connections join without one.
func ServeWS(relay *Relay, logger *zap.Logger, validateToken func(token string) (roomID string, err error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var allowedRoom string
		if token := ctx.Query("token"); token != "" && validateToken != nil {
			roomID, err := validateToken(token)
			if err != nil {
				ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			allowedRoom = roomID
		}
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		c := newClient(conn, logger)
		c.allowedRoom = allowedRoom
		c.trySend(NewMessage("connected", gin.H{"status": "connected"}))
		go c.writePump()
		c.readPump(relay)
	}
}

func (c *Client) readPump(relay *Relay) {
	defer func() {
		relay.Disconnect(c, ReasonClientDisconnect)
		c.closeSend()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		relay.Handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.closeSend()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}
