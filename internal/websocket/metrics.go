package websocket

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Health thresholds for a single signaling node.
const (
	criticalConnections = 5000
	warningConnections  = 4000
	warningErrors       = 100
)

// Metrics tracks signaling server activity.
type Metrics struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	activeRooms       atomic.Int64

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	signalsRelayed   atomic.Int64
	chatMessages     atomic.Int64
	lastMessageTime  atomic.Int64

	connectionErrors    atomic.Int64
	broadcastErrors     atomic.Int64
	protocolErrors      atomic.Int64
	rateLimitViolations atomic.Int64
	evictions           atomic.Int64
	meetingsEnded       atomic.Int64

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
}

func (m *Metrics) DecrementConnections() { m.activeConnections.Add(-1) }
func (m *Metrics) IncrementRooms() { m.activeRooms.Add(1) }
func (m *Metrics) DecrementRooms() { m.activeRooms.Add(-1) }
func (m *Metrics) IncrementMessagesSent() { m.messagesSent.Add(1) }
func (m *Metrics) IncrementSignalsRelayed() { m.signalsRelayed.Add(1) }
func (m *Metrics) IncrementChatMessages() { m.chatMessages.Add(1) }
func (m *Metrics) IncrementConnectionErrors() { m.connectionErrors.Add(1) }
func (m *Metrics) IncrementBroadcastErrors() { m.broadcastErrors.Add(1) }
func (m *Metrics) IncrementProtocolErrors() { m.protocolErrors.Add(1) }
func (m *Metrics) IncrementEvictions() { m.evictions.Add(1) }
func (m *Metrics) IncrementMeetingsEnded() { m.meetingsEnded.Add(1) }
func (m *Metrics) IncrementRateLimitViolations() { m.rateLimitViolations.Add(1) }

func (m *Metrics) IncrementMessagesReceived() {
	m.messagesReceived.Add(1)
	m.lastMessageTime.Store(time.Now().Unix())
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	ActiveRooms       int64 `json:"active_rooms"`

	MessagesReceived  int64   `json:"messages_received"`
	MessagesSent      int64   `json:"messages_sent"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	SignalsRelayed    int64   `json:"signals_relayed"`
	ChatMessages      int64   `json:"chat_messages"`
	LastMessageTime   string  `json:"last_message_time"`

	ConnectionErrors    int64 `json:"connection_errors"`
	BroadcastErrors     int64 `json:"broadcast_errors"`
	ProtocolErrors      int64 `json:"protocol_errors"`
	RateLimitViolations int64 `json:"rate_limit_violations"`
	Evictions           int64 `json:"evictions"`
	MeetingsEnded       int64 `json:"meetings_ended"`

	UptimeSeconds int64  `json:"uptime_seconds"`
	MemoryUsageMB uint64 `json:"memory_usage_mb"`
	NumGoroutines int    `json:"num_goroutines"`
	HealthStatus  string `json:"health_status"`
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.startTime)
	received := m.messagesReceived.Load()

	lastMsg := "never"
	if ts := m.lastMessageTime.Load(); ts > 0 {
		lastMsg = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}

	var perSecond float64
	if secs := uptime.Seconds(); secs > 0 {
		perSecond = float64(received) / secs
	}

	return MetricsSnapshot{
		ActiveConnections:   m.activeConnections.Load(),
		TotalConnections:    m.totalConnections.Load(),
		ActiveRooms:         m.activeRooms.Load(),
		MessagesReceived:    received,
		MessagesSent:        m.messagesSent.Load(),
		MessagesPerSecond:   perSecond,
		SignalsRelayed:      m.signalsRelayed.Load(),
		ChatMessages:        m.chatMessages.Load(),
		LastMessageTime:     lastMsg,
		ConnectionErrors:    m.connectionErrors.Load(),
		BroadcastErrors:     m.broadcastErrors.Load(),
		ProtocolErrors:      m.protocolErrors.Load(),
		RateLimitViolations: m.rateLimitViolations.Load(),
		Evictions:           m.evictions.Load(),
		MeetingsEnded:       m.meetingsEnded.Load(),
		UptimeSeconds:       int64(uptime.Seconds()),
		MemoryUsageMB:       memStats.Alloc / 1024 / 1024,
		NumGoroutines:       runtime.NumGoroutine(),
		HealthStatus:        m.healthStatus(),
	}
}

func (m *Metrics) healthStatus() string {
	conns := m.activeConnections.Load()
	errs := m.connectionErrors.Load() + m.broadcastErrors.Load()

	switch {
	case conns > criticalConnections:
		return "critical"
	case conns > warningConnections || errs > warningErrors:
		return "warning"
	default:
		return "healthy"
	}
}
