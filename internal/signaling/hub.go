// Package signaling relays WebRTC call-setup messages between clients that
// share a room. No media flows through it and nothing is persisted: every
// message is delivered at most once, and undeliverable messages are dropped.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fuelops/support-signaling/internal/metrics"
	"github.com/fuelops/support-signaling/internal/models"
	"github.com/fuelops/support-signaling/internal/rooms"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Presence observes membership changes, e.g. to mirror them into Redis.
type Presence interface {
	Joined(ctx context.Context, roomID, connID string) error
	Left(ctx context.Context, roomID, connID string) error
}

type presenceUpdate struct {
	roomID string
	connID string
	joined bool
}

// Options tunes per-connection behaviour.
type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	PongWait        time.Duration
	PingInterval    time.Duration
	WriteWait       time.Duration
}

// DefaultOptions mirror the timings of a typical browser websocket client.
func DefaultOptions() Options {
	return Options{
		SendBuffer:      256,
		MaxMessageBytes: 64 * 1024,
		PongWait:        60 * time.Second,
		PingInterval:    54 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

// Hub owns the connected clients and routes messages between them using the
// room directory.
type Hub struct {
	dir     *rooms.Directory
	log     *zap.Logger
	metrics *metrics.Relay
	opts    Options

	mu      sync.RWMutex
	clients map[string]*Client

	presence   Presence
	presenceCh chan presenceUpdate
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub creates a Hub over dir.
func NewHub(dir *rooms.Directory, log *zap.Logger, m *metrics.Relay, opts Options) *Hub {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = (opts.PongWait * 9) / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	return &Hub{
		dir:     dir,
		log:     log.Named("hub"),
		metrics: m,
		opts:    opts,
		clients: make(map[string]*Client),
		done:    make(chan struct{}),
	}
}

// UsePresence mirrors membership changes to p. Updates are applied in order
// by a single background goroutine so that message handling never waits on
// the mirror.
func (h *Hub) UsePresence(p Presence) {
	h.presence = p
	h.presenceCh = make(chan presenceUpdate, 1024)
	go h.presenceWorker()
}

// Directory exposes the room directory for read-only inspection.
func (h *Hub) Directory() *rooms.Directory {
	return h.dir
}

// Register adds a client that has no websocket attached. Messages for it are
// queued on its Send channel.
func (h *Hub) Register() *Client {
	return h.register(nil)
}

func (h *Hub) register(conn *websocket.Conn) *Client {
	c := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, h.opts.SendBuffer),
		hub:  h,
		conn: conn,
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.Connections.Set(float64(count))
	h.log.Debug("client connected", zap.String("conn", c.ID))

	h.send(c.ID, models.Connected{ConnectionID: c.ID})
	return c
}

// Connected reports whether connID is a live connection.
func (h *Hub) Connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[connID]
	return ok
}

// Handle decodes one inbound frame from connID and applies it. Frames that
// fail validation are answered with an error event and go no further.
func (h *Hub) Handle(connID string, raw []byte) {
	msg, err := models.DecodeClientMessage(raw)
	if err != nil {
		var decodeErr *models.DecodeError
		event := models.Event("")
		if errors.As(err, &decodeErr) {
			event = decodeErr.Event
		}
		h.metrics.InvalidMessages.WithLabelValues(string(event)).Inc()
		h.log.Info("rejected message", zap.String("conn", connID), zap.Error(err))
		h.send(connID, models.ErrorNotice{For: event, Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case models.JoinRoom:
		h.Join(connID, m.RoomID)
	case models.LeaveRoom:
		h.Leave(connID, m.RoomID)
	case models.SendOffer:
		h.RelayOffer(connID, m.Target, m.Offer)
	case models.SendAnswer:
		h.RelayAnswer(connID, m.Target, m.Answer)
	case models.SendIceCandidate:
		h.RelayIceCandidate(connID, m.Target, *m.Candidate)
	case models.RejectCall:
		h.RelayCallRejected(connID, m.Target)
	}
}

// Join adds connID to roomID and tells the other members about it.
func (h *Hub) Join(connID, roomID string) {
	if !h.Connected(connID) {
		return
	}

	others, added := h.dir.Join(connID, roomID)
	if added {
		h.metrics.Rooms.Set(float64(h.dir.RoomCount()))
		h.enqueuePresence(presenceUpdate{roomID: roomID, connID: connID, joined: true})
	}
	h.log.Info("joined room",
		zap.String("conn", connID),
		zap.String("room", roomID),
		zap.Int("others", len(others)),
	)

	h.send(connID, models.RoomJoined{RoomID: roomID, Members: others})
	h.broadcast(others, models.UserConnected{RoomID: roomID, ConnectionID: connID})
}

// Leave removes connID from roomID and tells the remaining members.
func (h *Hub) Leave(connID, roomID string) {
	remaining, ok := h.dir.Leave(connID, roomID)
	if !ok {
		h.log.Debug("leave for room not joined", zap.String("conn", connID), zap.String("room", roomID))
		return
	}

	h.metrics.Rooms.Set(float64(h.dir.RoomCount()))
	h.enqueuePresence(presenceUpdate{roomID: roomID, connID: connID})
	h.log.Info("left room", zap.String("conn", connID), zap.String("room", roomID))

	h.broadcast(remaining, models.UserDisconnected{RoomID: roomID, ConnectionID: connID})
}

// Disconnect is an implicit leave of every room connID belongs to, followed
// by removal of the connection itself.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		close(c.Send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.Connections.Set(float64(count))

	left := h.dir.RemoveConnection(connID)
	h.metrics.Rooms.Set(float64(h.dir.RoomCount()))
	for roomID, remaining := range left {
		h.enqueuePresence(presenceUpdate{roomID: roomID, connID: connID})
		h.broadcast(remaining, models.UserDisconnected{RoomID: roomID, ConnectionID: connID})
	}

	h.log.Info("client disconnected", zap.String("conn", connID), zap.Int("rooms", len(left)))
}

// RelayOffer forwards an offer to every member of roomID except the sender.
func (h *Hub) RelayOffer(sender, roomID string, offer webrtc.SessionDescription) {
	msg := models.OfferReceived{Offer: offer, Sender: sender}
	if !h.dir.Exists(roomID) {
		h.drop(msg.Event(), metrics.DropNoRoom, zap.String("conn", sender), zap.String("room", roomID))
		return
	}

	others := h.dir.Others(roomID, sender)
	if len(others) == 0 {
		h.drop(msg.Event(), metrics.DropNoRecipients, zap.String("conn", sender), zap.String("room", roomID))
		return
	}
	h.broadcast(others, msg)
}

// RelayAnswer forwards an answer to one connection, wherever it is.
func (h *Hub) RelayAnswer(sender, target string, answer webrtc.SessionDescription) {
	h.unicast(target, models.AnswerReceived{Answer: answer, Sender: sender})
}

// RelayIceCandidate forwards a candidate to one connection.
func (h *Hub) RelayIceCandidate(sender, target string, candidate webrtc.ICECandidateInit) {
	h.unicast(target, models.IceCandidateReceived{Candidate: candidate, Sender: sender})
}

// RelayCallRejected tells target that its call was declined.
func (h *Hub) RelayCallRejected(sender, target string) {
	h.log.Info("call rejected", zap.String("conn", sender), zap.String("target", target))
	h.unicast(target, models.CallRejected{})
}

// Close disconnects every websocket client and stops background work.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (h *Hub) unicast(target string, msg models.ServerMessage) {
	if !h.send(target, msg) {
		h.drop(msg.Event(), metrics.DropNoTarget, zap.String("target", target))
	}
}

func (h *Hub) broadcast(targets []string, msg models.ServerMessage) {
	if len(targets) == 0 {
		return
	}

	data, err := models.Encode(msg)
	if err != nil {
		h.log.Error("failed to encode message", zap.Error(err))
		return
	}
	for _, id := range targets {
		h.deliver(id, msg.Event(), data)
	}
}

// send reports whether target was connected, not whether the message fit
// into its buffer.
func (h *Hub) send(target string, msg models.ServerMessage) bool {
	data, err := models.Encode(msg)
	if err != nil {
		h.log.Error("failed to encode message", zap.Error(err))
		return true
	}
	return h.deliver(target, msg.Event(), data)
}

func (h *Hub) deliver(target string, event models.Event, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[target]
	if !ok {
		return false
	}

	select {
	case c.Send <- data:
		h.metrics.MessagesRelayed.WithLabelValues(string(event)).Inc()
	default:
		h.drop(event, metrics.DropBufferFull, zap.String("target", target))
	}
	return true
}

func (h *Hub) drop(event models.Event, reason string, fields ...zap.Field) {
	h.metrics.MessagesDropped.WithLabelValues(string(event), reason).Inc()
	h.log.Debug("dropped message",
		append(fields, zap.String("event", string(event)), zap.String("reason", reason))...,
	)
}

func (h *Hub) enqueuePresence(u presenceUpdate) {
	if h.presenceCh == nil {
		return
	}

	select {
	case h.presenceCh <- u:
	case <-h.done:
	default:
		h.log.Warn("presence queue full, update dropped", zap.String("room", u.roomID), zap.String("conn", u.connID))
	}
}

func (h *Hub) presenceWorker() {
	for {
		select {
		case <-h.done:
			return
		case u := <-h.presenceCh:
			h.applyPresence(u)
		}
	}
}

func (h *Hub) applyPresence(u presenceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if u.joined {
		err = h.presence.Joined(ctx, u.roomID, u.connID)
	} else {
		err = h.presence.Left(ctx, u.roomID, u.connID)
	}
	if err != nil {
		h.log.Warn("failed to mirror presence", zap.String("room", u.roomID), zap.String("conn", u.connID), zap.Error(err))
	}
}
