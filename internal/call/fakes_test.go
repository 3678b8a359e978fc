package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/fuelops/support-signaling/internal/models"
	"github.com/pion/webrtc/v4"
)

type fakeSignaler struct {
	id  string
	err error

	mu   sync.Mutex
	sent []models.ClientMessage
}

func newFakeSignaler(id string) *fakeSignaler {
	return &fakeSignaler{id: id}
}

func (f *fakeSignaler) ConnectionID() string { return f.id }

func (f *fakeSignaler) JoinRoom(roomID string) error {
	return f.record(models.JoinRoom{RoomID: roomID})
}

func (f *fakeSignaler) LeaveRoom(roomID string) error {
	return f.record(models.LeaveRoom{RoomID: roomID})
}

func (f *fakeSignaler) SendOffer(roomID string, offer webrtc.SessionDescription) error {
	return f.record(models.SendOffer{Target: roomID, Offer: offer})
}

func (f *fakeSignaler) SendAnswer(target string, answer webrtc.SessionDescription) error {
	return f.record(models.SendAnswer{Target: target, Answer: answer})
}

func (f *fakeSignaler) SendCandidate(target string, c webrtc.ICECandidateInit) error {
	return f.record(models.SendIceCandidate{Target: target, Candidate: &c})
}

func (f *fakeSignaler) SendCallRejected(target string) error {
	return f.record(models.RejectCall{Target: target})
}

func (f *fakeSignaler) record(m models.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSignaler) messages() []models.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]models.ClientMessage(nil), f.sent...)
}

func (f *fakeSignaler) events() []models.Event {
	var out []models.Event
	for _, m := range f.messages() {
		out = append(out, m.Event())
	}
	return out
}

type fakeLocalMedia struct {
	mu      sync.Mutex
	stopped int
}

func (m *fakeLocalMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeLocalMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped++
}

func (m *fakeLocalMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopped
}

// fakeMedia hands out fakeLocalMedia, fails with err, or blocks until the
// context is cancelled when block is set.
type fakeMedia struct {
	err   error
	block bool

	mu       sync.Mutex
	acquired []*fakeLocalMedia
	started  chan struct{}
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{started: make(chan struct{}, 8)}
}

func (f *fakeMedia) Acquire(ctx context.Context, kind Kind) (LocalMedia, error) {
	f.started <- struct{}{}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}

	m := &fakeLocalMedia{}
	f.mu.Lock()
	f.acquired = append(f.acquired, m)
	f.mu.Unlock()
	return m, nil
}

func (f *fakeMedia) all() []*fakeLocalMedia {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeLocalMedia(nil), f.acquired...)
}

type fakeStream struct {
	id string

	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// fakePeerFactory creates fakePeers. With linked set, peers behave like a
// working network: they emit two local candidates once a local description
// exists and a remote stream once the remote description is applied.
type fakePeerFactory struct {
	name   string
	linked bool

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeerFactory) NewPeer(h PeerHandlers) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := &fakePeer{
		name:   fmt.Sprintf("%s-peer-%d", f.name, len(f.peers)+1),
		h:      h,
		linked: f.linked,
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) all() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakePeer(nil), f.peers...)
}

func (f *fakePeerFactory) peer(i int) *fakePeer {
	return f.all()[i]
}

type fakePeer struct {
	name   string
	h      PeerHandlers
	linked bool

	mu         sync.Mutex
	media      []LocalMedia
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	emitted    []webrtc.ICECandidateInit
	closed     bool
}

func (p *fakePeer) AddLocalMedia(m LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.media = append(p.media, m)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.localSet()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.remoteSet(offer)
	p.localSet()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) AcceptAnswer(answer webrtc.SessionDescription) error {
	p.remoteSet(answer)
	return nil
}

func (p *fakePeer) AddCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}

func (p *fakePeer) localSet() {
	if !p.linked {
		return
	}

	cands := []webrtc.ICECandidateInit{
		{Candidate: "candidate:" + p.name + "-host"},
		{Candidate: "candidate:" + p.name + "-srflx"},
	}
	p.mu.Lock()
	p.emitted = append(p.emitted, cands...)
	p.mu.Unlock()

	go func() {
		for _, c := range cands {
			p.h.OnCandidate(c)
		}
	}()
}

func (p *fakePeer) remoteSet(sd webrtc.SessionDescription) {
	p.mu.Lock()
	p.remote = &sd
	p.mu.Unlock()

	if p.linked {
		go p.h.OnRemoteStream(&fakeStream{id: "stream-" + p.name})
	}
}

func (p *fakePeer) remoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remote
}

func (p *fakePeer) added() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) sentCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), p.emitted...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}
