package main

import (
	"context"
	"fmt"

	"github.com/fuelops/support-signaling/config"
	"github.com/fuelops/support-signaling/internal/handlers"
	"github.com/fuelops/support-signaling/internal/metrics"
	"github.com/fuelops/support-signaling/internal/redis"
	"github.com/fuelops/support-signaling/internal/rooms"
	"github.com/fuelops/support-signaling/internal/signaling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type env struct {
	cfg      *config.Config
	log      *zap.Logger
	hub      *signaling.Hub
	presence *redis.Presence
	registry *prometheus.Registry
}

func setupEnv(ctx context.Context, cfg *config.Config, log *zap.Logger) (*env, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := signaling.NewHub(rooms.NewDirectory(), log, metrics.NewRelay(registry), signaling.Options{
		SendBuffer:      cfg.WebSocket.SendBuffer,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		PongWait:        cfg.WebSocket.PongWait,
		PingInterval:    cfg.WebSocket.PingInterval(),
		WriteWait:       cfg.WebSocket.WriteWait,
	})

	e := &env{
		cfg:      cfg,
		log:      log,
		hub:      hub,
		registry: registry,
	}

	if cfg.Redis.Enabled() {
		presence, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			hub.Close()
			return nil, fmt.Errorf("failed to set up presence mirror: %w", err)
		}
		log.Info("Redis connection established", zap.String("host", cfg.Redis.Host))
		hub.UsePresence(presence)
		e.presence = presence
	}

	return e, nil
}

func (e *env) pingers() []handlers.Pinger {
	if e.presence == nil {
		return nil
	}
	return []handlers.Pinger{e.presence}
}

func (e *env) memberCounter() handlers.MemberCounter {
	if e.presence == nil {
		return nil
	}
	return e.presence
}

func (e *env) close() {
	e.hub.Close()

	if e.presence != nil {
		if err := e.presence.Close(); err != nil {
			e.log.Error("failed to close Redis connection", zap.Error(err))
		}
	}
}
