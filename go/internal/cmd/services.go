package main

import (
	"context"
	"fmt"

	"github.com/megillah-live/reader/go/internal/gateway"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Gateway   *gateway.Service
	Records   store.RecordStore
	Transport transport.Transport

	closers []func()
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	// Record store → transport → gateway
	records, closeRecords, err := setupRecordStore(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to set up record store: %w", err)
	}

	trCfg := config.transportConfig()
	tr, trCloser, err := transport.New(ctx, trCfg)
	if err != nil {
		closeRecords()
		return nil, fmt.Errorf("failed to set up %s transport: %w", trCfg.Driver, err)
	}
	log.Info().Str("driver", trCfg.Driver).Msg("live sync transport ready")

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ConnectionConfig.LiveSync = config.liveSyncConfig()
	gatewayConfig.ConnectionConfig.CheckOrigin = gateway.OriginChecker(config.allowedOrigins())
	if config.Gateway.MaxMessageSize > 0 {
		gatewayConfig.ConnectionConfig.MaxMessageSize = config.Gateway.MaxMessageSize
	}

	return &Services{
		Gateway:   gateway.NewService(gatewayConfig, records, tr),
		Records:   records,
		Transport: tr,
		closers: []func(){
			func() {
				if err := trCloser.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close transport")
				}
			},
			closeRecords,
		},
	}, nil
}

// Close releases the transport, then the record store
func (s *Services) Close() {
	for _, c := range s.closers {
		c()
	}
}
