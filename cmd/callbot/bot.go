package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fuelops/support-signaling/config"
	"github.com/fuelops/support-signaling/internal/call"
	"github.com/fuelops/support-signaling/internal/models"
	"github.com/fuelops/support-signaling/internal/signalclient"
	"go.uber.org/zap"
)

const rewatchDelay = time.Second

type callbot struct {
	cfg   *config.CallbotConfig
	opts  call.Options
	media call.MediaSource
	peers call.PeerFactory
	log   *zap.Logger

	mu      sync.Mutex
	session *call.Session
}

func newCallbot(cfg *config.CallbotConfig, kind call.Kind, media call.MediaSource, peers call.PeerFactory, log *zap.Logger) *callbot {
	return &callbot{
		cfg: cfg,
		opts: call.Options{
			Kind:           kind,
			RingTimeout:    cfg.RingTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
		},
		media: media,
		peers: peers,
		log:   log,
	}
}

// run answers calls until ctx is done or the relay connection is lost.
func (b *callbot) run(ctx context.Context) error {
	client, err := signalclient.Dial(ctx, b.cfg.SignalingURL, signalclient.Options{Token: b.cfg.Token}, b.log)
	if err != nil {
		return err
	}
	defer client.Close()
	b.log.Info("connected to relay", zap.String("conn", client.ConnectionID()))

	client.Start(b.dispatch, func(err error) {
		if s := b.current(); s != nil {
			s.TransportClosed(err)
		}
	})

	for {
		if err := b.answerOne(ctx, client); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Done():
			return fmt.Errorf("relay connection lost: %w", client.Err())
		case <-time.After(rewatchDelay):
		}
	}
}

// answerOne watches the room and handles a single call from invitation to end.
func (b *callbot) answerOne(ctx context.Context, client *signalclient.Client) error {
	s := call.NewSession(client, b.media, b.peers, b.log, b.opts)
	changes := make(chan call.Snapshot, 16)
	s.OnChange(func(snap call.Snapshot) {
		select {
		case changes <- snap:
		case <-ctx.Done():
		}
	})

	b.setCurrent(s)
	defer b.setCurrent(nil)

	if err := s.Watch(b.cfg.Room); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.Hangup()
			return ctx.Err()

		case snap := <-changes:
			switch snap.State {
			case call.RingingIncoming:
				b.log.Info("picking up", zap.String("inviter", snap.Inviter))
				// Accept blocks on media; changes must keep draining meanwhile.
				go b.accept(ctx, s)
			case call.Active:
				b.log.Info("call active", zap.Strings("participants", snap.Participants))
			case call.Ended:
				fields := []zap.Field{
					zap.Stringer("reason", snap.EndReason),
					zap.String("message", snap.EndReason.Message()),
					zap.Duration("duration", snap.Duration),
				}
				if snap.Err != nil {
					fields = append(fields, zap.Error(snap.Err))
				}
				b.log.Info("call finished", fields...)
				return nil
			}
		}
	}
}

func (b *callbot) accept(ctx context.Context, s *call.Session) {
	if err := s.Accept(ctx); err != nil && !errors.Is(err, call.ErrEnded) {
		b.log.Warn("failed to accept call", zap.Error(err))
	}
}

func (b *callbot) dispatch(msg models.ServerMessage) {
	if s := b.current(); s != nil {
		s.HandleMessage(msg)
	}
}

func (b *callbot) current() *call.Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.session
}

func (b *callbot) setCurrent(s *call.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.session = s
}
