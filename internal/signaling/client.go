// Package signaling is the participant side of the consultation signaling
// channel: one websocket to the coordinator carrying membership events and
// opaque negotiation payloads.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
	"github.com/rs/zerolog"
)

var (
	ErrClosed        = errors.New("signaling channel closed")
	ErrNotConnected  = errors.New("signaling channel not connected")
	ErrAlreadyOpen   = errors.New("signaling channel already connected")
	ErrRejected      = errors.New("signaling connection rejected")
	ErrSendQueueFull = errors.New("signaling send queue full")
)

const sendQueueSize = 64

// Handler receives the payload of one inbound event.
type Handler func(payload json.RawMessage)

type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Client is a single-use channel: once disconnected it cannot be reopened.
type Client struct {
	serverURL string
	sessionID string
	dialer    *websocket.Dialer
	log       zerolog.Logger

	mu           sync.Mutex
	handlers     map[string][]Handler
	onDisconnect func(error)
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closed       bool
	closeOnce    sync.Once
}

// New prepares a channel for one consultation. serverURL is the signaling
// endpoint, e.g. ws://host/api/ws/consultation.
func New(serverURL, sessionID string, log zerolog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		sessionID: sessionID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		log:      log.With().Str("component", "signaling").Str("session_id", sessionID).Logger(),
		handlers: make(map[string][]Handler),
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Connect dials the coordinator. The token travels in the query string.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.mu.Unlock()

	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("session_id", c.sessionID)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}
		return fmt.Errorf("could not reach signaling server: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn)

	c.log.Debug().Msg("connected")
	return nil
}

// On registers a handler for an event. Handlers run sequentially on the
// receive goroutine in arrival order and must not block.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnDisconnect is called once if the connection drops without Disconnect
// having been called.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Send queues an event. There is no delivery acknowledgment.
func (c *Client) Send(event string, payload interface{}) error {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(envelope{Type: event, Payload: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Disconnect flushes queued messages and closes the channel. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the channel is closed for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(config.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(config.PongTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(config.PongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(config.WriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(config.PongTimeout))

		var msg dtos.WebSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed message")
			continue
		}

		c.mu.Lock()
		handlers := append([]Handler(nil), c.handlers[msg.Type]...)
		c.mu.Unlock()

		if len(handlers) == 0 {
			c.log.Debug().Str("type", msg.Type).Msg("no handler for event")
		}
		for _, h := range handlers {
			h(msg.Payload)
		}
	}
}

// dropped handles the end of the read loop. A drop that was not caused by
// Disconnect is reported through OnDisconnect.
func (c *Client) dropped(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	notify := c.onDisconnect
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })

	if wasClosed {
		return
	}
	c.log.Warn().Err(err).Msg("connection lost")
	if notify != nil {
		notify(err)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case data := <-c.send:
			if err := write(data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			for drained := false; !drained; {
				select {
				case data := <-c.send:
					if err := write(data); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
