package websocket

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/rs/zerolog"
)

const reasonEndedByHost = "ended_by_host"

// RoomListener is notified of membership changes. Calls are made outside
// hub locks, one at a time per room, in the order the changes were applied
// to that room.
type RoomListener interface {
	ParticipantJoined(sessionID uuid.UUID, p models.Participant, present int)
	ParticipantLeft(sessionID uuid.UUID, p models.Participant, remaining int)
	MeetingEnded(sessionID uuid.UUID, endedBy uuid.UUID)
}

// Hub keeps one room per consultation session.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[uuid.UUID]*Room     // key: session_id
	ended      map[uuid.UUID]time.Time // sessions closed by the host
	maxPerRoom int
	listener   RoomListener
	metrics    *Metrics
	log        zerolog.Logger
}

// Room holds the live members of one session in join order.
type Room struct {
	SessionID uuid.UUID
	CreatedAt time.Time

	mu      sync.RWMutex
	members []*Client
	closed  bool

	notifyMu  sync.Mutex
	pending   []func(RoomListener)
	notifying bool
}

// NewHub creates a new WebSocket hub
func NewHub(maxPerRoom int, metrics *Metrics, log zerolog.Logger) *Hub {
	if maxPerRoom < 2 {
		maxPerRoom = config.DefaultMaxParticipantsPerRoom
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		rooms:      make(map[uuid.UUID]*Room),
		ended:      make(map[uuid.UUID]time.Time),
		maxPerRoom: maxPerRoom,
		metrics:    metrics,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// SetListener must be called before the hub serves connections.
func (h *Hub) SetListener(l RoomListener) {
	h.listener = l
}

func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Register counts a new connection.
func (h *Hub) Register(c *Client) {
	h.metrics.IncrementConnections()
	c.log.Debug().Msg("connection registered")
}

// Unregister removes the client from its room and closes it. Called once
// per connection when its read loop exits.
func (h *Hub) Unregister(c *Client) {
	h.Leave(c)
	if c.IsConnected() {
		c.Close()
	}
	h.metrics.DecrementConnections()
	c.log.Debug().Msg("connection unregistered")
}

// Handle dispatches one inbound message. Failures are reported to the
// sender as an error event.
func (h *Hub) Handle(c *Client, msg dtos.WebSocketMessage) {
	h.metrics.IncrementMessagesReceived()

	var err error
	switch msg.Type {
	case dtos.EventPing:
		c.Send(dtos.EventPong, nil)

	case dtos.EventJoinConsultation:
		var req dtos.JoinConsultationRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			if err = checkSession(c, req.SessionID); err == nil {
				err = h.Join(c)
			}
		}

	case dtos.EventLeaveConsultation:
		var req dtos.LeaveConsultationRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			if err = checkSession(c, req.SessionID); err == nil {
				h.Leave(c)
			}
		}

	case dtos.EventWebRTCSignal:
		var req dtos.WebRTCSignalRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			if err = checkSession(c, req.SessionID); err == nil {
				err = h.Relay(c, req.TargetConnectionID, req.Signal)
			}
		}

	case dtos.EventUpdateVideoSettings:
		var req dtos.UpdateVideoSettingsRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			if err = checkSession(c, req.SessionID); err == nil {
				err = h.UpdateSettings(c, req.HasVideo, req.HasAudio)
			}
		}

	case dtos.EventScreenShareRequest:
		var req dtos.ScreenShareRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			if err = checkSession(c, req.SessionID); err == nil {
				err = h.ScreenShare(c, req.IsSharing)
			}
		}

	case dtos.EventConsultationMessage:
		var req dtos.ConsultationMessageRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			if err = checkSession(c, req.SessionID); err == nil {
				err = h.Chat(c, req.Message)
			}
		}

	case dtos.EventMeetingControl:
		var req dtos.MeetingControlRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			if err = checkSession(c, req.SessionID); err == nil {
				err = h.EndMeeting(c)
			}
		}

	default:
		err = ErrUnknownEvent
	}

	if err != nil {
		c.log.Debug().Err(err).Str("type", msg.Type).Msg("request rejected")
		c.SendError(err)
	}
}

func checkSession(c *Client, sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil || id != c.SessionID {
		return ErrSessionMismatch
	}
	return nil
}

// Join adds c to its session's room. The joiner receives the roster of the
// other members before anyone learns about it, so no signal addressed to
// the new connection can precede its roster. An older connection of the
// same user is replaced.
func (h *Hub) Join(c *Client) error {
	if room := c.currentRoom(); room != nil {
		room.mu.RLock()
		c.Send(dtos.EventExistingParticipants, room.rosterExcept(c))
		room.mu.RUnlock()
		return nil
	}

	for {
		room, err := h.getOrCreateRoom(c.SessionID)
		if err != nil {
			return err
		}

		room.mu.Lock()
		if room.closed {
			room.mu.Unlock()
			h.dropRoom(room)
			continue
		}

		var evicted []*Client
		kept := room.members[:0]
		for _, m := range room.members {
			if m.UserID == c.UserID && m.ID != c.ID {
				evicted = append(evicted, m)
				continue
			}
			kept = append(kept, m)
		}
		room.members = kept

		var left []models.Participant
		for _, old := range evicted {
			old.setRoom(nil)
			p := old.Participant()
			room.broadcast(dtos.EventParticipantLeft, dtos.ParticipantLeftPayload{
				UserID:       p.UserID,
				ConnectionID: p.ConnectionID,
			}, nil)
			left = append(left, p)
			old.SendError(ErrConnectionReplaced)
			h.metrics.IncrementEvictions()
		}

		if len(room.members) >= h.maxPerRoom {
			h.queueLeft(room, left, len(room.members))
			room.mu.Unlock()
			h.closeEvicted(evicted)
			h.deliver(room)
			return ErrRoomFull
		}

		c.Send(dtos.EventExistingParticipants, room.rosterExcept(c))
		self := c.Participant()
		room.broadcast(dtos.EventParticipantJoined, self, c)
		room.members = append(room.members, c)
		c.setRoom(room)
		present := len(room.members)
		h.queueLeft(room, left, present)
		h.queue(room, func(l RoomListener) { l.ParticipantJoined(room.SessionID, self, present) })
		room.mu.Unlock()

		h.closeEvicted(evicted)
		h.log.Info().
			Str("session_id", c.SessionID.String()).
			Str("user_id", self.UserID).
			Str("connection_id", self.ConnectionID).
			Int("present", present).
			Msg("participant joined")

		h.deliver(room)
		return nil
	}
}

// closeEvicted lets replaced connections flush their notice before closing.
func (h *Hub) closeEvicted(evicted []*Client) {
	for _, old := range evicted {
		old.log.Info().Msg("connection replaced by a newer one")
		old.Drain()
	}
}

// queueLeft must be called with room.mu held.
func (h *Hub) queueLeft(room *Room, left []models.Participant, remaining int) {
	for _, p := range left {
		h.queue(room, func(l RoomListener) { l.ParticipantLeft(room.SessionID, p, remaining) })
	}
}

// queue records a listener call. Caller holds room.mu, so calls keep the
// order of the changes they describe.
func (h *Hub) queue(room *Room, fn func(RoomListener)) {
	if h.listener == nil {
		return
	}
	room.notifyMu.Lock()
	room.pending = append(room.pending, fn)
	room.notifyMu.Unlock()
}

// deliver runs queued listener calls without holding room.mu. While one
// goroutine is delivering, others leave their calls to it.
func (h *Hub) deliver(room *Room) {
	if h.listener == nil {
		return
	}
	room.notifyMu.Lock()
	if room.notifying {
		room.notifyMu.Unlock()
		return
	}
	room.notifying = true
	for len(room.pending) > 0 {
		fn := room.pending[0]
		room.pending = room.pending[1:]
		room.notifyMu.Unlock()
		fn(h.listener)
		room.notifyMu.Lock()
	}
	room.notifying = false
	room.notifyMu.Unlock()
}

func (h *Hub) getOrCreateRoom(sessionID uuid.UUID) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ended := h.ended[sessionID]; ended {
		return nil, ErrMeetingEnded
	}
	room, exists := h.rooms[sessionID]
	if !exists {
		room = &Room{SessionID: sessionID, CreatedAt: time.Now()}
		h.rooms[sessionID] = room
		h.metrics.IncrementRooms()
	}
	return room, nil
}

// dropRoom forgets a closed room if it is still the registered one.
func (h *Hub) dropRoom(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room.SessionID] == room {
		delete(h.rooms, room.SessionID)
		h.metrics.DecrementRooms()
	}
}

// Leave removes c from its room and tells the remaining members.
// Idempotent.
func (h *Hub) Leave(c *Client) {
	room := c.currentRoom()
	if room == nil {
		return
	}

	room.mu.Lock()
	idx := room.indexOf(c)
	if idx < 0 {
		room.mu.Unlock()
		return
	}
	room.members = append(room.members[:idx], room.members[idx+1:]...)
	c.setRoom(nil)

	p := c.Participant()
	room.broadcast(dtos.EventParticipantLeft, dtos.ParticipantLeftPayload{
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
	}, nil)

	remaining := len(room.members)
	if remaining == 0 {
		room.closed = true
	}
	h.queue(room, func(l RoomListener) { l.ParticipantLeft(room.SessionID, p, remaining) })
	room.mu.Unlock()

	if remaining == 0 {
		h.dropRoom(room)
	}

	h.log.Info().
		Str("session_id", room.SessionID.String()).
		Str("user_id", p.UserID).
		Str("connection_id", p.ConnectionID).
		Int("remaining", remaining).
		Msg("participant left")

	h.deliver(room)
}

// Relay forwards an opaque negotiation payload to another member of the
// sender's room.
func (h *Hub) Relay(c *Client, targetConnectionID string, signal []byte) error {
	room := c.currentRoom()
	if room == nil {
		return ErrNotJoined
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	var target *Client
	for _, m := range room.members {
		if m.ID.String() == targetConnectionID && m != c {
			target = m
			break
		}
	}
	if target == nil {
		return ErrClientNotFound
	}

	target.Send(dtos.EventWebRTCSignal, dtos.WebRTCSignalPayload{
		SourceConnectionID: c.ID.String(),
		SessionID:          c.SessionID.String(),
		Signal:             signal,
	})
	h.metrics.IncrementSignalsRelayed()
	return nil
}

// UpdateSettings stores the sender's media flags and announces them.
func (h *Hub) UpdateSettings(c *Client, hasVideo, hasAudio bool) error {
	room := c.currentRoom()
	if room == nil {
		return ErrNotJoined
	}
	c.setMedia(hasVideo, hasAudio)

	room.mu.RLock()
	room.broadcast(dtos.EventParticipantSettingsUpdated, dtos.ParticipantSettingsPayload{
		UserID:   c.UserID.String(),
		HasVideo: hasVideo,
		HasAudio: hasAudio,
	}, c)
	room.mu.RUnlock()
	return nil
}

// ScreenShare announces that the sender started or stopped sharing.
func (h *Hub) ScreenShare(c *Client, sharing bool) error {
	room := c.currentRoom()
	if room == nil {
		return ErrNotJoined
	}
	c.setSharing(sharing)

	room.mu.RLock()
	room.broadcast(dtos.EventScreenShareStarted, dtos.ScreenSharePayload{
		UserID:    c.UserID.String(),
		IsSharing: sharing,
	}, c)
	room.mu.RUnlock()
	return nil
}

// Chat relays a text message to every member, the sender included.
func (h *Hub) Chat(c *Client, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > config.MaxChatMessageLength {
		return ErrMessageTooLong
	}

	room := c.currentRoom()
	if room == nil {
		return ErrNotJoined
	}

	msg := models.RoomMessage{
		UserID:    c.UserID.String(),
		Email:     c.Email,
		Message:   text,
		Timestamp: time.Now().UTC(),
	}

	room.mu.RLock()
	room.broadcast(dtos.EventConsultationMessage, msg, nil)
	room.mu.RUnlock()

	h.metrics.IncrementChatMessages()
	return nil
}

// EndMeeting closes the room for everyone. Only the lawyer may end it,
// and the session cannot be re-entered afterwards.
func (h *Hub) EndMeeting(c *Client) error {
	if c.Role != models.RoleLawyer {
		return ErrNotHost
	}
	room := c.currentRoom()
	if room == nil {
		return ErrNotJoined
	}

	h.mu.Lock()
	room.mu.Lock()
	members := room.members
	room.members = nil
	room.closed = true
	if h.rooms[room.SessionID] == room {
		delete(h.rooms, room.SessionID)
		h.metrics.DecrementRooms()
	}
	h.pruneEnded()
	h.ended[room.SessionID] = time.Now()
	endedBy := c.UserID
	h.queue(room, func(l RoomListener) { l.MeetingEnded(room.SessionID, endedBy) })
	room.mu.Unlock()
	h.mu.Unlock()

	for _, m := range members {
		m.setRoom(nil)
		m.Send(dtos.EventMeetingEnded, dtos.MeetingEndedPayload{Reason: reasonEndedByHost})
	}
	h.metrics.IncrementMeetingsEnded()

	h.log.Info().
		Str("session_id", room.SessionID.String()).
		Str("ended_by", c.UserID.String()).
		Int("participants", len(members)).
		Msg("meeting ended by host")

	h.deliver(room)
	return nil
}

// pruneEnded forgets ended sessions older than the presence TTL. The
// session status in the database keeps rejecting them afterwards.
// Caller holds h.mu.
func (h *Hub) pruneEnded() {
	cutoff := time.Now().Add(-config.PresenceTTL)
	for id, at := range h.ended {
		if at.Before(cutoff) {
			delete(h.ended, id)
		}
	}
}

// Roster returns the members of a session's room in join order.
func (h *Hub) Roster(sessionID uuid.UUID) []models.Participant {
	h.mu.RLock()
	room := h.rooms[sessionID]
	h.mu.RUnlock()

	if room == nil {
		return []models.Participant{}
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.rosterExcept(nil)
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[uuid.UUID]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		room.mu.Lock()
		members := room.members
		room.members = nil
		room.closed = true
		room.mu.Unlock()

		for _, m := range members {
			m.setRoom(nil)
			m.Close()
		}
		h.metrics.DecrementRooms()
	}
	h.log.Info().Int("rooms", len(rooms)).Msg("hub shut down")
}

// rosterExcept lists members other than skip. Caller holds r.mu.
func (r *Room) rosterExcept(skip *Client) []models.Participant {
	roster := make([]models.Participant, 0, len(r.members))
	for _, m := range r.members {
		if m == skip {
			continue
		}
		roster = append(roster, m.Participant())
	}
	return roster
}

// broadcast sends to every member except skip. Caller holds r.mu.
func (r *Room) broadcast(messageType string, payload interface{}, skip *Client) {
	data, err := EncodeMessage(messageType, payload)
	if err != nil {
		return
	}
	for _, m := range r.members {
		if m == skip {
			continue
		}
		m.SendRaw(data)
	}
}

func (r *Room) indexOf(c *Client) int {
	for i, m := range r.members {
		if m == c {
			return i
		}
	}
	return -1
}
