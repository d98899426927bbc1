package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/megillah-live/reader/go/internal/livesync"
	"github.com/megillah-live/reader/go/internal/livesync/arbiter"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/megillah-live/reader/go/internal/livesync/pending"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog/log"
)

// ErrNoSession is reported for session commands sent before create or join
var ErrNoSession = errors.New("no active session")

// ConnectionManager manages browser WebSocket connections. Each connection
// drives its own live-sync controller.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	records   store.RecordStore
	transport transport.Transport
}

// Connection is one browser tab
type Connection struct {
	ID          string
	Conn        *websocket.Conn
	Manager     *ConnectionManager
	ConnectedAt time.Time

	ctrl    *livesync.Controller
	pending *pending.MemoryStore
	ctx     context.Context
	cancel  context.CancelFunc

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	// announced is the session whose broadcasting start was already reported
	announced *livesync.Session
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool

	LiveSync livesync.Config
	Clock    clockwork.Clock
}

// ConnectionStats summarises open connections
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	Leaders            int            `json:"leaders"`
	Followers          int            `json:"followers"`
	SessionConnections map[string]int `json:"session_connections"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		LiveSync: livesync.DefaultConfig(),
		Clock:    clockwork.NewRealClock(),
	}
}

// NewConnectionManager creates a connection manager whose controllers share
// records and tr
func NewConnectionManager(config ConnectionConfig, records store.RecordStore, tr transport.Transport) *ConnectionManager {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:    config,
		records:   records,
		transport: tr,
	}
}

// Start blocks until ctx is done, then closes every connection
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	<-ctx.Done()
	log.Info().Msg("connection manager shutting down")
	cm.CloseAll()
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Manager:     cm,
		ConnectedAt: cm.config.Clock.Now(),
		pending:     pending.NewMemoryStore(),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, cm.config.SendBufferSize),
	}
	connection.ctrl = livesync.NewController(cm.records, cm.transport,
		livesync.WithClock(cm.config.Clock),
		livesync.WithConfig(cm.config.LiveSync),
		livesync.WithPendingStore(connection.pending),
		livesync.WithViewport(arbiter.ViewportFunc(connection.scrollTo)),
		livesync.WithHandlers(connection.handlers()),
	)

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// unregisterConnection removes conn and leaves its session. Safe to call more than once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	_, exists := cm.connections[conn]
	delete(cm.connections, conn)
	cm.mu.Unlock()

	if !exists {
		return
	}

	conn.shutdown()
	log.Info().
		Str("connection_id", conn.ID).
		Dur("connected_for", cm.config.Clock.Since(conn.ConnectedAt)).
		Msg("connection unregistered")
}

// CloseAll disconnects every browser
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections:   len(cm.connections),
		SessionConnections: make(map[string]int),
	}
	for conn := range cm.connections {
		sess := conn.ctrl.Session()
		if sess == nil {
			continue
		}
		stats.SessionConnections[sess.Code()]++
		if sess.IsLeader() {
			stats.Leaders++
		} else {
			stats.Followers++
		}
	}
	stats.ActiveSessions = len(stats.SessionConnections)
	return stats
}

func (c *Connection) shutdown() {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.sendMu.Unlock()

	c.cancel()
	c.ctrl.Close()
}

// emit queues an event for the browser. A connection whose buffer is full is closed.
func (c *Connection) emit(eventType EventType, payload any) {
	data, err := json.Marshal(Event{
		Type:    eventType,
		Payload: payload,
		SentAt:  c.Manager.config.Clock.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return
	}

	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	full := false
	select {
	case c.send <- data:
	default:
		full = true
	}
	c.sendMu.Unlock()

	if full {
		log.Warn().
			Str("connection_id", c.ID).
			Msg("connection send buffer full, closing connection")
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}
}

func (c *Connection) emitError(err error) {
	c.emit(EventError, ErrorPayload{Kind: errorKind(err), Message: livesync.UserMessage(err)})
}

func (c *Connection) scrollTo(req arbiter.ScrollRequest) {
	c.emit(EventScrollTo, ScrollToPayload{Verse: req.Verse, Margin: req.Margin, Smooth: req.Smooth})
}

func (c *Connection) handlers() livesync.Handlers {
	return livesync.Handlers{
		OnTimeUpdate: func(minutes float64) {
			c.emit(EventTime, events.TimePayload{Minutes: minutes})
		},
		OnWordHighlight: func(wordID string) {
			c.emit(EventHighlightWord, HighlightWordPayload{WordID: wordID})
		},
		OnVerseHighlight: func(verse events.VerseKey) {
			c.emit(EventHighlightVerse, HighlightVersePayload{Verse: verse})
		},
		OnSettingChange: func(key string, value any) {
			c.emit(EventSetting, events.SettingPayload{Key: key, Value: value})
		},
		OnError: func(err error) {
			c.emitError(err)
			c.emit(EventLeft, nil)
		},
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading commands from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
