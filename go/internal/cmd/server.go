package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/megillah-live/reader/go/internal/gateway"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(services *Services, config *Config) *http.Server {
	mux := http.NewServeMux()

	c := gateway.NewCORS(config.allowedOrigins())

	// Register services
	services.Gateway.RegisterRoutes(mux)

	// Add health check endpoint
	setupHealthCheck(mux, services)

	// Wrap with CORS
	handler := c.Handler(mux)

	return &http.Server{
		Addr:        fmt.Sprintf(":%s", getEnv("PORT", "8080")),
		Handler:     h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	checker := gateway.NewHealthChecker(services.Gateway, 5*time.Second)
	if p, ok := services.Records.(store.Pinger); ok {
		checker.Add("records", p.Ping)
	}
	if p, ok := services.Transport.(transport.Pinger); ok {
		checker.Add("transport", p.Ping)
	}
	mux.Handle("/ready", checker)

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"service":     "megillah-live",
			"connections": services.Gateway.GetStats(),
		}); err != nil {
			log.Error().Err(err).Msg("failed to write info response")
		}
	})
}
