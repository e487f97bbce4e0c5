package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Sameersah/talknshop/internal/domain"
)

// ErrConnectionLimit is returned by Connect when the manager is full.
var ErrConnectionLimit = errors.New("maximum concurrent connections reached")

const (
	connectedMessage = "Connected to TalknShop orchestrator"
	limitReason      = "Connection limit reached"
	// Close reasons longer than this are rejected by the protocol.
	maxCloseReason = 123
)

// Conn is the subset of *websocket.Conn used by the manager.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ManagerConfig tunes the connection manager.
type ManagerConfig struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	StaleTimeout      time.Duration
	WriteTimeout      time.Duration
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		CleanupInterval:   60 * time.Second,
		StaleTimeout:      300 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Connection is one live channel and its metadata.
type Connection struct {
	conn      Conn
	sessionID string
	userID    string

	connectedAt   time.Time
	lastHeartbeat atomic.Int64
	lastActivity  atomic.Int64
	msgCount      atomic.Int64
	errCount      atomic.Int64

	// writeMu keeps frames of one session in send order.
	writeMu sync.Mutex
	cancel  context.CancelFunc
	// stopped is closed when the heartbeat goroutine exits.
	stopped chan struct{}
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastActivity  time.Time `json:"last_activity"`
	Messages      int64     `json:"message_count"`
	Errors        int64     `json:"error_count"`
}

func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		SessionID:     c.sessionID,
		UserID:        c.userID,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: time.Unix(0, c.lastHeartbeat.Load()),
		LastActivity:  time.Unix(0, c.lastActivity.Load()),
		Messages:      c.msgCount.Load(),
		Errors:        c.errCount.Load(),
	}
}

// Manager tracks one live connection per session.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection

	heartbeats sync.WaitGroup
	stopOnce   sync.Once
	stop       chan struct{}
	cleanup    sync.WaitGroup
}

// NewManager creates a connection manager. Zero config fields take their
// defaults.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	def := DefaultManagerConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		conns:  make(map[string]*Connection),
		stop:   make(chan struct{}),
	}
}

// Connect registers conn for the session, starts its heartbeat and sends the
// connected event. A connection already registered for the session is
// closed and replaced.
func (m *Manager) Connect(conn Conn, sessionID, userID string) error {
	now := m.now()
	c := &Connection{
		conn:        conn,
		sessionID:   sessionID,
		userID:      userID,
		connectedAt: now,
		stopped:     make(chan struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	c.lastActivity.Store(now.UnixNano())

	m.mu.Lock()
	old, replacing := m.conns[sessionID]
	if !replacing && len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.logger.Warn("Connection limit reached",
			"session_id", sessionID,
			"user_id", userID,
			"max_connections", m.cfg.MaxConnections,
		)
		if err := conn.Close(websocket.StatusPolicyViolation, limitReason); err != nil {
			m.logger.Debug("Failed to close rejected connection", "session_id", sessionID, "error", err)
		}
		return ErrConnectionLimit
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	m.conns[sessionID] = c
	active := len(m.conns)
	m.mu.Unlock()

	if replacing {
		m.closeConnection(old, websocket.StatusNormalClosure, "session replaced")
	}

	m.heartbeats.Add(1)
	go m.heartbeat(hbCtx, c)

	m.logger.Info("WebSocket connection established",
		"session_id", sessionID,
		"user_id", userID,
		"active_connections", active,
	)

	return m.Send(context.Background(), sessionID, EventConnected, map[string]any{
		"session_id":  sessionID,
		"message":     connectedMessage,
		"server_time": now.UTC().Format(time.RFC3339),
	})
}

// Send delivers one event. A transport failure disconnects the session and
// returns an error wrapping domain.ErrChannel.
func (m *Manager) Send(ctx context.Context, sessionID string, typ EventType, data any) error {
	c := m.get(sessionID)
	if c == nil {
		return fmt.Errorf("%w: session %s not connected", domain.ErrChannel, sessionID)
	}
	return m.send(ctx, c, typ, data)
}

func (m *Manager) send(ctx context.Context, c *Connection, typ EventType, data any) error {
	now := m.now()
	payload, err := json.Marshal(newEnvelope(c.sessionID, typ, data, now))
	if err != nil {
		return fmt.Errorf("encode %s event: %w", typ, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, payload)
	c.writeMu.Unlock()

	if err != nil {
		c.errCount.Add(1)
		m.logger.Error("Failed to send WebSocket event",
			"session_id", c.sessionID,
			"event_type", typ,
			"error", err,
		)
		m.remove(c, "Send error: "+err.Error(), websocket.StatusInternalError)
		return fmt.Errorf("%w: send %s to %s: %w", domain.ErrChannel, typ, c.sessionID, err)
	}

	c.msgCount.Add(1)
	if typ != EventPing {
		c.lastActivity.Store(now.UnixNano())
	}
	if typ != EventPing && typ != EventToken {
		m.logger.Debug("Sent WebSocket event", "session_id", c.sessionID, "event_type", typ)
	}
	return nil
}

// BroadcastToUser sends an event to every session of a user and returns the
// number of successful sends.
func (m *Manager) BroadcastToUser(ctx context.Context, userID string, typ EventType, data any) int {
	sent := 0
	for _, sid := range m.UserSessions(userID) {
		if m.Send(ctx, sid, typ, data) == nil {
			sent++
		}
	}
	return sent
}

// UserSessions returns the connected sessions of a user.
func (m *Manager) UserSessions(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for sid, c := range m.conns {
		if c.userID == userID {
			out = append(out, sid)
		}
	}
	slices.Sort(out)
	return out
}

// Touch records inbound activity on a session.
func (m *Manager) Touch(sessionID string) {
	if c := m.get(sessionID); c != nil {
		c.lastActivity.Store(m.now().UnixNano())
	}
}

// Pong records a heartbeat reply. Heartbeats do not count as activity.
func (m *Manager) Pong(sessionID string) {
	if c := m.get(sessionID); c != nil {
		c.lastHeartbeat.Store(m.now().UnixNano())
	}
}

// Disconnect closes and forgets the session's connection. It is a no-op when
// the session is not connected.
func (m *Manager) Disconnect(sessionID, reason string) {
	if c := m.get(sessionID); c != nil {
		m.remove(c, reason, websocket.StatusNormalClosure)
	}
}

// release forgets conn if it is still the session's registered connection.
// The caller owns closing the socket.
func (m *Manager) release(sessionID string, conn Conn, reason string) {
	c := m.get(sessionID)
	if c == nil || c.conn != conn {
		return
	}
	if m.unregister(c) {
		c.cancel()
		m.logClosed(c, reason)
	}
}

func (m *Manager) remove(c *Connection, reason string, code websocket.StatusCode) {
	if !m.unregister(c) {
		return
	}
	m.closeConnection(c, code, reason)
	m.logClosed(c, reason)
}

func (m *Manager) unregister(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.sessionID] != c {
		return false
	}
	delete(m.conns, c.sessionID)
	return true
}

func (m *Manager) closeConnection(c *Connection, code websocket.StatusCode, reason string) {
	c.cancel()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	if err := c.conn.Close(code, reason); err != nil {
		m.logger.Debug("Failed to close websocket", "session_id", c.sessionID, "error", err)
	}
}

func (m *Manager) logClosed(c *Connection, reason string) {
	m.logger.Info("WebSocket connection closed",
		"session_id", c.sessionID,
		"user_id", c.userID,
		"reason", reason,
		"duration_seconds", m.now().Sub(c.connectedAt).Seconds(),
		"message_count", c.msgCount.Load(),
		"error_count", c.errCount.Load(),
		"active_connections", m.Count(),
	)
}

func (m *Manager) get(sessionID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[sessionID]
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// IsConnected reports whether the session has a live connection.
func (m *Manager) IsConnected(sessionID string) bool {
	return m.get(sessionID) != nil
}

// Info returns the metadata of a session's connection.
func (m *Manager) Info(sessionID string) (ConnectionInfo, bool) {
	c := m.get(sessionID)
	if c == nil {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Snapshot lists every live connection ordered by session ID.
func (m *Manager) Snapshot() []ConnectionInfo {
	m.mu.RLock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.info())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b ConnectionInfo) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

func (m *Manager) heartbeat(ctx context.Context, c *Connection) {
	defer m.heartbeats.Done()
	defer close(c.stopped)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Heartbeat stopped", "session_id", c.sessionID)
			return
		case <-ticker.C:
			err := m.send(ctx, c, EventPing, map[string]any{
				"timestamp": m.now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				// send already removed the connection.
				return
			}
		}
	}
}

// Sweep disconnects connections whose heartbeat is older than twice the
// heartbeat interval or whose last activity is older than the stale timeout.
// It returns the number of connections removed.
func (m *Manager) Sweep() int {
	now := m.now()
	overdue := 2 * m.cfg.HeartbeatInterval

	m.mu.RLock()
	var stale []*Connection
	for _, c := range m.conns {
		hb := now.Sub(time.Unix(0, c.lastHeartbeat.Load()))
		idle := now.Sub(time.Unix(0, c.lastActivity.Load()))
		if hb > overdue || idle > m.cfg.StaleTimeout {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		m.logger.Warn("Closing stale connection", "session_id", c.sessionID)
		m.remove(c, "Stale connection", websocket.StatusGoingAway)
	}
	if len(stale) > 0 {
		m.logger.Info("Cleaned up stale connections", "count", len(stale))
	}
	return len(stale)
}

// Start runs the periodic cleanup pass until ctx is done or Shutdown is
// called.
func (m *Manager) Start(ctx context.Context) {
	m.cleanup.Add(1)
	go func() {
		defer m.cleanup.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		m.logger.Info("Connection cleanup started", "interval", m.cfg.CleanupInterval)

		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stop:
				return
			case <-ctx.Done():
				m.logger.Info("Connection cleanup shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Shutdown stops the cleanup pass, disconnects every session and waits for
// the heartbeat goroutines to exit or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.cleanup.Wait()

	m.mu.RLock()
	all := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c)
	}
	m.mu.RUnlock()

	m.logger.Info("Shutting down connection manager", "active_connections", len(all))
	for _, c := range all {
		m.remove(c, "Server shutdown", websocket.StatusGoingAway)
	}

	done := make(chan struct{})
	go func() {
		m.heartbeats.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
