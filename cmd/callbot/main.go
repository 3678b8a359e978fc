// Command callbot is a headless support agent. It watches one call room,
// picks up every incoming call with synthetic media and goes back to
// watching when the call ends.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/fuelops/support-signaling/config"
	"github.com/fuelops/support-signaling/internal/call"
	"github.com/fuelops/support-signaling/internal/logger"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadCallbot()
	log := logger.Must(cfg.Environment, "callbot")
	defer log.Sync()

	kind, err := call.ParseKind(cfg.Kind)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot := newCallbot(cfg, kind, call.SyntheticSource{}, call.NewPionFactory(cfg.ICEServers), log)
	log.Info("starting call bot",
		zap.String("relay", cfg.SignalingURL),
		zap.String("room", cfg.Room),
		zap.String("kind", string(kind)),
	)

	if err := bot.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("call bot stopped", zap.Error(err))
	}
	log.Info("shutting down")
}
