package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/rs/zerolog"
)

// Client represents one signaling connection. ID is the connection id
// exposed to other participants; it is never reused across reconnects.
type Client struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	UserID    uuid.UUID
	Email     string
	Role      string // "client" or "lawyer", derived from session ownership
	Conn      *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	draining  chan struct{}
	drainOnce sync.Once
	metrics   *Metrics
	log       zerolog.Logger

	mu        sync.Mutex
	room      *Room
	hasVideo  bool
	hasAudio  bool
	sharing   bool
	msgCount  int
	lastReset time.Time
}

// ClientInfo is the authenticated identity of a new connection.
type ClientInfo struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Email     string
	Role      string
}

// NewClient wraps conn; conn may be nil for in-process clients.
func NewClient(conn *websocket.Conn, info ClientInfo, metrics *Metrics, log zerolog.Logger) *Client {
	id := uuid.New()
	return &Client{
		ID:        id,
		SessionID: info.SessionID,
		UserID:    info.UserID,
		Email:     info.Email,
		Role:      info.Role,
		Conn:      conn,
		send:      make(chan []byte, config.ClientSendBufferSize),
		done:      make(chan struct{}),
		draining:  make(chan struct{}),
		metrics:   metrics,
		log: log.With().
			Str("connection_id", id.String()).
			Str("session_id", info.SessionID.String()).
			Str("user_id", info.UserID.String()).
			Logger(),
		hasVideo:  true,
		hasAudio:  true,
		lastReset: time.Now(),
	}
}

// Participant returns the roster entry for this connection.
func (c *Client) Participant() models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	return models.Participant{
		UserID:          c.UserID.String(),
		Email:           c.Email,
		ConnectionID:    c.ID.String(),
		HasVideo:        c.hasVideo,
		HasAudio:        c.hasAudio,
		IsScreenSharing: c.sharing,
	}
}

// Send queues an event. A client whose buffer is full is disconnected
// instead of silently losing messages.
func (c *Client) Send(messageType string, payload interface{}) bool {
	data, err := EncodeMessage(messageType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", messageType).Msg("failed to encode message")
		return false
	}
	return c.SendRaw(data)
}

// SendRaw queues an already encoded message.
func (c *Client) SendRaw(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn().Err(ErrSendBufferFull).Msg("closing slow client")
		if c.metrics != nil {
			c.metrics.IncrementBroadcastErrors()
		}
		go c.Close()
		return false
	}
}

// SendError reports a protocol error to this connection only.
func (c *Client) SendError(err error) {
	if c.metrics != nil {
		c.metrics.IncrementProtocolErrors()
	}
	c.Send(dtos.EventError, dtos.ErrorPayload{Message: err.Error(), Code: errorCode(err)})
}

// Outbound exposes the queued messages for in-process transports.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the client connection. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// Drain closes the connection once every queued message and a close frame
// have been written. Without a connection it is Close.
func (c *Client) Drain() {
	if c.Conn == nil {
		c.Close()
		return
	}
	c.drainOnce.Do(func() { close(c.draining) })
}

func (c *Client) isDraining() bool {
	select {
	case <-c.draining:
		return true
	default:
		return false
	}
}

// IsConnected checks if client is still connected
func (c *Client) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Allow applies the per-connection rate limit.
func (c *Client) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastReset) > config.RateLimitWindow {
		c.msgCount = 0
		c.lastReset = now
	}
	c.msgCount++
	return c.msgCount <= config.MaxMessagesPerSecond
}

func (c *Client) currentRoom() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

func (c *Client) setMedia(hasVideo, hasAudio bool) {
	c.mu.Lock()
	c.hasVideo = hasVideo
	c.hasAudio = hasAudio
	c.mu.Unlock()
}

func (c *Client) setSharing(sharing bool) {
	c.mu.Lock()
	c.sharing = sharing
	c.mu.Unlock()
}

// ReadPump reads messages from the connection and hands them to the hub.
// It returns when the connection fails or the client is closed; the caller
// must unregister the client afterwards.
func (c *Client) ReadPump(hub *Hub) {
	c.Conn.SetReadLimit(config.MaxMessageBytes)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
				if c.metrics != nil {
					c.metrics.IncrementConnectionErrors()
				}
			}
			return
		}

		// a replaced connection only waits for its close frame
		if c.isDraining() {
			continue
		}

		if !c.Allow() {
			if c.metrics != nil {
				c.metrics.IncrementRateLimitViolations()
			}
			c.SendError(ErrRateLimited)
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			c.SendError(err)
			continue
		}
		hub.Handle(c, msg)
	}
}

// WritePump writes queued messages and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
			if c.metrics != nil {
				c.metrics.IncrementMessagesSent()
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}

		case <-c.draining:
			c.flush()
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ErrConnectionReplaced.Error()))
			return

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued without waiting for more.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("flush failed")
				return
			}
			if c.metrics != nil {
				c.metrics.IncrementMessagesSent()
			}
		default:
			return
		}
	}
}
