package gateway

import (
	"context"
	"net/http"

	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog/log"
)

// Service is the reader gateway: browser WebSocket connections plus the session HTTP API
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	sessionHandler    *SessionHandler
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a gateway serving sessions from records over tr
func NewService(config Config, records store.RecordStore, tr transport.Transport) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, records, tr)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		sessionHandler:    NewSessionHandler(records),
	}
}

// Start runs the gateway until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting reader gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("reader gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and session HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.sessionHandler.RegisterRoutes(mux)
	log.Info().Msg("reader gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
