// Package call implements the client side of a support call: a single state
// machine that drives media acquisition, the offer/answer exchange over the
// signaling relay and the peer connections to every remote participant.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fuelops/support-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// maxOrphanCandidates bounds the candidates queued per sender that has no
// peer connection yet.
const maxOrphanCandidates = 32

var (
	ErrInvalidState = errors.New("operation not allowed in current call state")
	ErrEnded        = errors.New("call ended")
)

// Signaler sends call-setup messages through the relay. Sends are
// fire-and-forget; an error means the message never left this process.
type Signaler interface {
	ConnectionID() string
	JoinRoom(roomID string) error
	LeaveRoom(roomID string) error
	SendOffer(roomID string, offer webrtc.SessionDescription) error
	SendAnswer(target string, answer webrtc.SessionDescription) error
	SendCandidate(target string, candidate webrtc.ICECandidateInit) error
	SendCallRejected(target string) error
}

// Options configure a Session.
type Options struct {
	Kind Kind
	// RingTimeout ends an unanswered ringing call. Zero disables it.
	RingTimeout time.Duration
	// ConnectTimeout ends a call that is accepted but never gets remote media.
	// Zero disables it.
	ConnectTimeout time.Duration
}

// DefaultOptions is an audio call that rings until someone acts.
func DefaultOptions() Options {
	return Options{
		Kind:           KindAudio,
		ConnectTimeout: 30 * time.Second,
	}
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	State   State
	Kind    Kind
	RoomID  string
	Inviter string
	// Participants are the remote connection ids with a peer connection.
	Participants  []string
	RemoteStreams []string
	StartedAt     time.Time
	Duration      time.Duration
	EndReason     EndReason
	Err           error
}

// Listener is notified of every state change, in order.
type Listener func(Snapshot)

type remote struct {
	id      string
	offerer string
	peer    Peer
	offer   *webrtc.SessionDescription

	remoteSet     bool
	remotePending []webrtc.ICECandidateInit
	localPending  []webrtc.ICECandidateInit
	streams       map[string]RemoteStream
}

// Session is one call from the local user's point of view. A session is used
// for a single call: once Ended it stays Ended.
//
// Offers are addressed to a room, so every member sees every offer. Members
// already in the call offer to each newcomer; a member ignores offers from
// participants it is already connected to. When two participants offer each
// other at once, the peer connection offered by the smaller connection id is
// kept on both sides.
type Session struct {
	signaler Signaler
	media    MediaSource
	peers    PeerFactory
	log      *zap.Logger
	opts     Options
	now      func() time.Time

	mu        sync.Mutex
	notifyMu  sync.Mutex
	listener  Listener
	events    []Snapshot
	state     State
	roomID    string
	joined    bool
	acquiring bool
	cancel    context.CancelFunc

	inviter      string
	inviteOffer  *webrtc.SessionDescription
	local        LocalMedia
	pending      *remote
	remotes      map[string]*remote
	orphans      map[string][]webrtc.ICECandidateInit
	ringTimer    *time.Timer
	connectTimer *time.Timer

	startedAt time.Time
	endedAt   time.Time
	reason    EndReason
	err       error
}

// NewSession creates an Idle session.
func NewSession(signaler Signaler, media MediaSource, peers PeerFactory, log *zap.Logger, opts Options) *Session {
	if opts.Kind == "" {
		opts.Kind = KindAudio
	}
	return &Session{
		signaler: signaler,
		media:    media,
		peers:    peers,
		log:      log.Named("call"),
		opts:     opts,
		now:      time.Now,
		remotes:  make(map[string]*remote),
		orphans:  make(map[string][]webrtc.ICECandidateInit),
	}
}

// OnChange registers the state change listener. The listener runs outside the
// session lock but must not call session methods other than Snapshot.
func (s *Session) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = l
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Watch joins roomID and waits there for an invitation.
func (s *Session) Watch(roomID string) error {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.state != Idle || s.joined {
		return ErrInvalidState
	}
	if err := s.signaler.JoinRoom(roomID); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	s.roomID = roomID
	s.joined = true
	s.log.Info("watching room", zap.String("room", roomID))
	return nil
}

// Dial starts an outgoing call into roomID. Local media is acquired before
// anything is sent to the relay; if acquisition fails or is abandoned the call
// ends without a single relay message.
func (s *Session) Dial(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if s.state != Idle || s.joined {
		s.mu.Unlock()
		return ErrInvalidState
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.acquiring = true
	s.roomID = roomID
	s.setStateLocked(RingingOutgoing)
	s.unlockAndNotify()

	local, err := s.media.Acquire(ctx, s.opts.Kind)
	cancel()

	s.mu.Lock()
	defer s.unlockAndNotify()

	s.acquiring = false
	s.cancel = nil
	if s.state != RingingOutgoing {
		if local != nil {
			local.Stop()
		}
		return ErrEnded
	}
	if err != nil {
		s.endLocked(reasonForMediaError(err), err)
		return fmt.Errorf("failed to acquire media: %w", err)
	}
	s.local = local

	if err := s.signaler.JoinRoom(roomID); err != nil {
		s.endLocked(ReasonTransportLost, err)
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	s.joined = true

	r, err := s.newRemoteLocked("", s.signaler.ConnectionID())
	if err != nil {
		s.endLocked(ReasonConnectFailed, err)
		return err
	}
	offer, err := r.peer.CreateOffer()
	if err != nil {
		r.peer.Close()
		s.endLocked(ReasonConnectFailed, err)
		return err
	}
	r.offer = &offer
	s.pending = r

	if err := s.signaler.SendOffer(roomID, offer); err != nil {
		s.endLocked(ReasonTransportLost, err)
		return fmt.Errorf("failed to send offer: %w", err)
	}
	s.startRingTimerLocked()
	s.log.Info("dialing", zap.String("room", roomID), zap.String("kind", string(s.opts.Kind)))
	return nil
}

// Accept picks up an incoming call. Media is acquired first; the inviter's
// offer, if it already arrived, is answered right after.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != RingingIncoming || s.acquiring {
		s.mu.Unlock()
		return ErrInvalidState
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.acquiring = true
	s.stopTimer(&s.ringTimer)
	s.mu.Unlock()

	local, err := s.media.Acquire(ctx, s.opts.Kind)
	cancel()

	s.mu.Lock()
	defer s.unlockAndNotify()

	s.acquiring = false
	s.cancel = nil
	if s.state != RingingIncoming {
		if local != nil {
			local.Stop()
		}
		return ErrEnded
	}
	if err != nil {
		s.endLocked(reasonForMediaError(err), err)
		return fmt.Errorf("failed to acquire media: %w", err)
	}
	s.local = local
	s.enterConnectingLocked()

	if s.inviteOffer != nil {
		offer := *s.inviteOffer
		s.inviteOffer = nil
		s.answerLocked(s.inviter, offer)
	}
	s.log.Info("accepted call", zap.String("room", s.roomID), zap.String("inviter", s.inviter))
	return nil
}

// Reject declines an incoming call without touching any media device.
func (s *Session) Reject() error {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.state != RingingIncoming || s.acquiring {
		return ErrInvalidState
	}
	if err := s.signaler.SendCallRejected(s.inviter); err != nil {
		s.log.Warn("failed to send call rejection", zap.String("inviter", s.inviter), zap.Error(err))
	}
	s.endLocked(ReasonDeclined, nil)
	return nil
}

// Hangup ends the call from the local side. Before the call is active this
// cancels it, including a pending media permission prompt.
func (s *Session) Hangup() {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.state == Active {
		s.endLocked(ReasonLocalHangup, nil)
		return
	}
	s.endLocked(ReasonCancelled, nil)
}

// MediaFailed ends the call after an unrecoverable local media error, such
// as a permission revoked mid-call.
func (s *Session) MediaFailed(err error) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.endLocked(reasonForMediaError(err), err)
}

// TransportClosed ends the call when the relay connection is gone.
func (s *Session) TransportClosed(err error) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.joined = false
	s.endLocked(ReasonTransportLost, err)
}

// HandleMessage applies one relay event.
func (s *Session) HandleMessage(msg models.ServerMessage) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.state == Ended || !s.joined {
		return
	}

	switch m := msg.(type) {
	case models.UserConnected:
		if m.RoomID == s.roomID {
			s.userConnectedLocked(m.ConnectionID)
		}
	case models.UserDisconnected:
		if m.RoomID == s.roomID {
			s.userDisconnectedLocked(m.ConnectionID)
		}
	case models.OfferReceived:
		s.offerLocked(m.Sender, m.Offer)
	case models.AnswerReceived:
		s.answerReceivedLocked(m.Sender, m.Answer)
	case models.IceCandidateReceived:
		s.remoteCandidateLocked(m.Sender, m.Candidate)
	case models.CallRejected:
		s.rejectedLocked()
	case models.ErrorNotice:
		s.log.Warn("relay refused message", zap.String("event", string(m.For)), zap.String("message", m.Message))
	}
}

func (s *Session) userConnectedLocked(id string) {
	switch s.state {
	case Idle:
		s.inviteLocked(id)
	case RingingOutgoing:
		// Offers to a room only reach current members.
		if s.pending != nil && s.pending.offer != nil {
			s.log.Debug("resending offer", zap.String("peer", id))
			s.sendLocked("offer", s.signaler.SendOffer(s.roomID, *s.pending.offer))
		}
	case Connecting, Active:
		if _, ok := s.remotes[id]; ok {
			return
		}
		s.offerToLocked(id)
	}
}

func (s *Session) userDisconnectedLocked(id string) {
	if s.state == RingingIncoming && id == s.inviter {
		s.endLocked(ReasonRemoteHangup, nil)
		return
	}

	delete(s.orphans, id)
	if _, ok := s.remotes[id]; !ok {
		return
	}
	s.removeRemoteLocked(id)
	s.log.Info("participant left", zap.String("peer", id), zap.Int("remaining", len(s.remotes)))

	if s.lonelyLocked() {
		s.endLocked(ReasonRemoteHangup, nil)
	}
}

func (s *Session) offerLocked(sender string, offer webrtc.SessionDescription) {
	switch s.state {
	case Idle:
		s.inviteLocked(sender)
		s.inviteOffer = &offer
		return
	case RingingIncoming:
		if sender == s.inviter {
			s.inviteOffer = &offer
		}
		return
	}

	if r, ok := s.remotes[sender]; ok {
		if r.offerer == sender || s.signaler.ConnectionID() < sender {
			s.log.Debug("ignoring offer", zap.String("peer", sender))
			return
		}
		s.removeRemoteLocked(sender)
	}

	s.answerLocked(sender, offer)
	if s.state == RingingOutgoing {
		s.enterConnectingLocked()
	}
}

func (s *Session) answerReceivedLocked(sender string, answer webrtc.SessionDescription) {
	if r, ok := s.remotes[sender]; ok && !r.remoteSet && r.offerer != sender {
		if err := r.peer.AcceptAnswer(answer); err != nil {
			s.log.Warn("failed to apply answer", zap.String("peer", sender), zap.Error(err))
			s.failRemoteLocked(r, err)
			return
		}
		s.remoteSetLocked(r)
		return
	}

	if s.pending == nil {
		s.log.Debug("dropping answer without pending offer", zap.String("peer", sender))
		return
	}

	if existing, ok := s.remotes[sender]; ok {
		if existing.offerer <= s.signaler.ConnectionID() {
			s.log.Debug("dropping answer, peer connection already established", zap.String("peer", sender))
			s.pending.peer.Close()
			s.pending = nil
			return
		}
		s.removeRemoteLocked(sender)
	}

	r := s.pending
	s.pending = nil
	r.id = sender
	r.offer = nil
	s.remotes[sender] = r

	if err := r.peer.AcceptAnswer(answer); err != nil {
		s.log.Warn("failed to apply answer", zap.String("peer", sender), zap.Error(err))
		s.failRemoteLocked(r, err)
		return
	}
	for _, c := range r.localPending {
		s.sendLocked("ice-candidate", s.signaler.SendCandidate(sender, c))
	}
	r.localPending = nil
	s.remoteSetLocked(r)

	if s.state == RingingOutgoing {
		s.enterConnectingLocked()
	}
}

func (s *Session) remoteCandidateLocked(sender string, c webrtc.ICECandidateInit) {
	r, ok := s.remotes[sender]
	if !ok {
		s.orphanLocked(sender, c)
		return
	}
	if !r.remoteSet {
		r.remotePending = append(r.remotePending, c)
		return
	}
	if err := r.peer.AddCandidate(c); err != nil {
		s.log.Warn("failed to add candidate", zap.String("peer", sender), zap.Error(err))
	}
}

// orphanLocked keeps a candidate from a sender without a peer connection
// until one exists. Only the inviter can become a peer while ringing.
func (s *Session) orphanLocked(sender string, c webrtc.ICECandidateInit) {
	switch {
	case s.state == Idle, s.state == RingingIncoming && sender != s.inviter:
		s.log.Debug("dropping candidate from outside the call", zap.String("peer", sender))
		return
	case len(s.orphans[sender]) >= maxOrphanCandidates:
		s.log.Debug("dropping candidate, queue full", zap.String("peer", sender))
		return
	}
	s.orphans[sender] = append(s.orphans[sender], c)
}

func (s *Session) rejectedLocked() {
	switch s.state {
	case RingingOutgoing:
		s.endLocked(ReasonRejected, nil)
	case Connecting:
		// Someone else in the room already picked up.
		if len(s.remotes) > 0 {
			s.log.Debug("ignoring call rejection, call already answered", zap.Int("participants", len(s.remotes)))
			return
		}
		s.endLocked(ReasonRejected, nil)
	default:
		s.log.Debug("ignoring call rejection", zap.Stringer("state", s.state))
	}
}

func (s *Session) inviteLocked(inviter string) {
	s.inviter = inviter
	s.setStateLocked(RingingIncoming)
	s.startRingTimerLocked()
	s.log.Info("incoming call", zap.String("room", s.roomID), zap.String("inviter", inviter))
}

func (s *Session) enterConnectingLocked() {
	s.stopTimer(&s.ringTimer)
	s.setStateLocked(Connecting)
	if s.opts.ConnectTimeout > 0 {
		s.connectTimer = time.AfterFunc(s.opts.ConnectTimeout, func() {
			s.timeout(Connecting, ReasonConnectTimeout)
		})
	}
}

func (s *Session) startRingTimerLocked() {
	if s.opts.RingTimeout <= 0 {
		return
	}
	ringing := s.state
	s.ringTimer = time.AfterFunc(s.opts.RingTimeout, func() {
		s.timeout(ringing, ReasonRingTimeout)
	})
}

func (s *Session) timeout(state State, reason EndReason) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.state != state {
		return
	}
	s.log.Info("call timed out", zap.Stringer("state", state))
	s.endLocked(reason, nil)
}

func (s *Session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// offerToLocked opens a peer connection to a participant that joined after
// the call started.
func (s *Session) offerToLocked(id string) {
	r, err := s.newRemoteLocked(id, s.signaler.ConnectionID())
	if err != nil {
		s.log.Warn("failed to create peer connection", zap.String("peer", id), zap.Error(err))
		return
	}
	offer, err := r.peer.CreateOffer()
	if err != nil {
		r.peer.Close()
		s.log.Warn("failed to create offer", zap.String("peer", id), zap.Error(err))
		return
	}
	s.remotes[id] = r
	s.sendLocked("offer", s.signaler.SendOffer(s.roomID, offer))
}

func (s *Session) answerLocked(sender string, offer webrtc.SessionDescription) {
	r, err := s.newRemoteLocked(sender, sender)
	if err != nil {
		s.log.Warn("failed to create peer connection", zap.String("peer", sender), zap.Error(err))
		return
	}
	answer, err := r.peer.AcceptOffer(offer)
	if err != nil {
		r.peer.Close()
		s.log.Warn("failed to answer offer", zap.String("peer", sender), zap.Error(err))
		return
	}
	s.remotes[sender] = r
	s.sendLocked("answer", s.signaler.SendAnswer(sender, answer))
	s.remoteSetLocked(r)
}

// remoteSetLocked applies candidates that arrived before the remote
// description.
func (s *Session) remoteSetLocked(r *remote) {
	r.remoteSet = true

	queued := append(s.orphans[r.id], r.remotePending...)
	delete(s.orphans, r.id)
	r.remotePending = nil

	for _, c := range queued {
		if err := r.peer.AddCandidate(c); err != nil {
			s.log.Warn("failed to add candidate", zap.String("peer", r.id), zap.Error(err))
		}
	}
}

func (s *Session) newRemoteLocked(id, offerer string) (*remote, error) {
	r := &remote{
		id:      id,
		offerer: offerer,
		streams: make(map[string]RemoteStream),
	}
	p, err := s.peers.NewPeer(PeerHandlers{
		OnCandidate:    func(c webrtc.ICECandidateInit) { s.localCandidate(r, c) },
		OnRemoteStream: func(rs RemoteStream) { s.remoteStream(r, rs) },
		OnFailed:       func(err error) { s.peerFailed(r, err) },
	})
	if err != nil {
		return nil, err
	}
	r.peer = p

	if s.local != nil {
		if err := p.AddLocalMedia(s.local); err != nil {
			p.Close()
			return nil, err
		}
	}
	return r, nil
}

func (s *Session) localCandidate(r *remote, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Ended {
		return
	}
	if r == s.pending {
		r.localPending = append(r.localPending, c)
		return
	}
	if s.remotes[r.id] != r {
		return
	}
	s.sendLocked("ice-candidate", s.signaler.SendCandidate(r.id, c))
}

func (s *Session) remoteStream(r *remote, rs RemoteStream) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.state == Ended || s.remotes[r.id] != r {
		rs.Stop()
		return
	}
	r.streams[rs.ID()] = rs

	if s.state == Connecting {
		s.stopTimer(&s.connectTimer)
		s.startedAt = s.now()
		s.setStateLocked(Active)
		s.log.Info("call active", zap.String("room", s.roomID), zap.String("peer", r.id))
	}
}

func (s *Session) peerFailed(r *remote, err error) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.state == Ended {
		return
	}
	if r == s.pending {
		r.peer.Close()
		s.pending = nil
		if s.state == RingingOutgoing || s.lonelyLocked() {
			s.endLocked(ReasonConnectFailed, err)
		}
		return
	}
	if s.remotes[r.id] != r {
		return
	}
	s.failRemoteLocked(r, err)
}

func (s *Session) failRemoteLocked(r *remote, err error) {
	s.log.Warn("peer connection failed", zap.String("peer", r.id), zap.Error(err))
	s.removeRemoteLocked(r.id)
	if s.lonelyLocked() {
		s.endLocked(ReasonConnectFailed, err)
	}
}

// lonelyLocked reports whether a call that got past ringing has nobody left
// to talk to. An unanswered offer still counts while connecting.
func (s *Session) lonelyLocked() bool {
	switch s.state {
	case Connecting:
		return len(s.remotes) == 0 && s.pending == nil
	case Active:
		return len(s.remotes) == 0
	default:
		return false
	}
}

func (s *Session) removeRemoteLocked(id string) {
	r, ok := s.remotes[id]
	if !ok {
		return
	}
	delete(s.remotes, id)
	closeRemote(r)
}

func closeRemote(r *remote) {
	for _, rs := range r.streams {
		rs.Stop()
	}
	r.streams = nil
	r.peer.Close()
}

// endLocked moves the session to Ended and releases everything it holds.
func (s *Session) endLocked(reason EndReason, err error) {
	if s.state == Ended {
		return
	}

	s.stopTimer(&s.ringTimer)
	s.stopTimer(&s.connectTimer)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	for id := range s.remotes {
		s.removeRemoteLocked(id)
	}
	if s.pending != nil {
		s.pending.peer.Close()
		s.pending = nil
	}
	s.orphans = make(map[string][]webrtc.ICECandidateInit)
	s.inviteOffer = nil

	if s.joined {
		s.sendLocked("leave-room", s.signaler.LeaveRoom(s.roomID))
		s.joined = false
	}

	s.reason = reason
	s.err = err
	s.endedAt = s.now()
	s.setStateLocked(Ended)

	fields := []zap.Field{zap.String("room", s.roomID), zap.Stringer("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.log.Info("call ended", fields...)
}

func (s *Session) sendLocked(event string, err error) {
	if err != nil {
		s.log.Warn("failed to send", zap.String("event", event), zap.Error(err))
	}
}

func (s *Session) setStateLocked(state State) {
	s.log.Debug("state change", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
	s.events = append(s.events, s.snapshotLocked())
}

// unlockAndNotify releases the lock and delivers queued state changes. Taking
// notifyMu before releasing mu keeps deliveries in state order.
func (s *Session) unlockAndNotify() {
	events := s.events
	s.events = nil
	listener := s.listener
	if len(events) == 0 || listener == nil {
		s.mu.Unlock()
		return
	}

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, ev := range events {
		listener(ev)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         s.state,
		Kind:          s.opts.Kind,
		RoomID:        s.roomID,
		Inviter:       s.inviter,
		Participants:  make([]string, 0, len(s.remotes)),
		RemoteStreams: []string{},
		StartedAt:     s.startedAt,
		EndReason:     s.reason,
		Err:           s.err,
	}
	for id, r := range s.remotes {
		snap.Participants = append(snap.Participants, id)
		for streamID := range r.streams {
			snap.RemoteStreams = append(snap.RemoteStreams, streamID)
		}
	}
	sort.Strings(snap.Participants)
	sort.Strings(snap.RemoteStreams)

	if !s.startedAt.IsZero() {
		end := s.endedAt
		if end.IsZero() {
			end = s.now()
		}
		snap.Duration = end.Sub(s.startedAt)
	}
	return snap
}
