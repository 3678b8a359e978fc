package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fuelops/support-signaling/config"
	"github.com/fuelops/support-signaling/internal/call"
	"github.com/fuelops/support-signaling/internal/handlers"
	"github.com/fuelops/support-signaling/internal/metrics"
	"github.com/fuelops/support-signaling/internal/models"
	"github.com/fuelops/support-signaling/internal/rooms"
	"github.com/fuelops/support-signaling/internal/signalclient"
	"github.com/fuelops/support-signaling/internal/signaling"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCallbotAnswersCalls(t *testing.T) {
	assert := assert.New(t)
	hub, url := createTestRelay(t)

	cfg := &config.CallbotConfig{
		SignalingURL:   url,
		Room:           "support-call-7",
		ConnectTimeout: time.Minute,
	}
	bot := newCallbot(cfg, call.KindAudio, call.SyntheticSource{}, stubPeerFactory{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.run(ctx) }()

	require.Eventually(t, func() bool { return hub.Directory().Exists(cfg.Room) }, 2*time.Second, 10*time.Millisecond)

	caller, err := signalclient.Dial(context.Background(), url, signalclient.Options{}, zap.NewNop())
	require.NoError(t, err)
	msgs := make(chan models.ServerMessage, 16)
	caller.Start(func(m models.ServerMessage) { msgs <- m }, nil)

	require.NoError(t, caller.JoinRoom(cfg.Room))
	joined, ok := receive(t, msgs).(models.RoomJoined)
	require.True(t, ok)
	require.Len(t, joined.Members, 1)
	botID := joined.Members[0]

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}
	require.NoError(t, caller.SendOffer(cfg.Room, offer))

	answer, ok := receive(t, msgs).(models.AnswerReceived)
	require.True(t, ok)
	assert.Equal(botID, answer.Sender)
	assert.Equal("answer-sdp", answer.Answer.SDP)

	// Hanging up sends the bot back to watching the room.
	require.NoError(t, caller.Close())
	assert.Eventually(func() bool {
		members := hub.Directory().Members(cfg.Room)
		return len(members) == 1 && members[0] != caller.ConnectionID() && bot.current() != nil && bot.current().State() == call.Idle
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop")
	}
}

func TestCallbotStopsWhenRelayGoesAway(t *testing.T) {
	hub, url := createTestRelay(t)
	cfg := &config.CallbotConfig{SignalingURL: url, Room: "support-call-8"}
	bot := newCallbot(cfg, call.KindAudio, call.SyntheticSource{}, stubPeerFactory{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- bot.run(context.Background()) }()
	require.Eventually(t, func() bool { return hub.Directory().Exists(cfg.Room) }, 2*time.Second, 10*time.Millisecond)

	hub.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bot did not stop")
	}
}

func TestCallbotKeepsWatchingWhileMediaIsPending(t *testing.T) {
	hub, url := createTestRelay(t)
	cfg := &config.CallbotConfig{SignalingURL: url, Room: "support-call-9"}
	media := &gatedSource{gate: make(chan struct{})}
	t.Cleanup(func() { close(media.gate) })
	bot := newCallbot(cfg, call.KindAudio, media, stubPeerFactory{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bot.run(ctx)
	require.Eventually(t, func() bool { return hub.Directory().Exists(cfg.Room) }, 2*time.Second, 10*time.Millisecond)
	first := bot.current()

	caller, err := signalclient.Dial(context.Background(), url, signalclient.Options{}, zap.NewNop())
	require.NoError(t, err)
	caller.Start(func(models.ServerMessage) {}, nil)
	require.NoError(t, caller.JoinRoom(cfg.Room))

	// The bot is stuck acquiring media when the caller gives up.
	require.Eventually(t, func() bool { return first.State() == call.RingingIncoming }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, media.pending, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, caller.Close())

	assert.Eventually(t, func() bool {
		s := bot.current()
		return first.State() == call.Ended && s != nil && s != first && s.State() == call.Idle
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, call.ReasonRemoteHangup, first.Snapshot().EndReason)
}

// ---- Test utils ----

// gatedSource holds every acquisition until gate is closed, like a permission
// prompt nobody answers.
type gatedSource struct {
	gate    chan struct{}
	mu      sync.Mutex
	waiting int
}

func (g *gatedSource) Acquire(context.Context, call.Kind) (call.LocalMedia, error) {
	g.mu.Lock()
	g.waiting++
	g.mu.Unlock()

	<-g.gate
	return nil, call.ErrPermissionDenied
}

func (g *gatedSource) pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.waiting > 0
}

func createTestRelay(t *testing.T) (*signaling.Hub, string) {
	gin.SetMode(gin.TestMode)
	hub := signaling.NewHub(rooms.NewDirectory(), zap.NewNop(), metrics.NewRelay(nil), signaling.DefaultOptions())

	router := gin.New()
	router.GET("/ws", handlers.HandleSignaling(hub, zap.NewNop()))
	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	return hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func receive(t *testing.T, msgs <-chan models.ServerMessage) models.ServerMessage {
	select {
	case m := <-msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

type stubPeerFactory struct{}

func (stubPeerFactory) NewPeer(call.PeerHandlers) (call.Peer, error) {
	return stubPeer{}, nil
}

type stubPeer struct{}

func (stubPeer) AddLocalMedia(call.LocalMedia) error { return nil }

func (stubPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (stubPeer) AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (stubPeer) AcceptAnswer(webrtc.SessionDescription) error { return nil }
func (stubPeer) AddCandidate(webrtc.ICECandidateInit) error { return nil }
func (stubPeer) Close() error { return nil }
