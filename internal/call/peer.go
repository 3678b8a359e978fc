package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteStream is one track received from a remote participant.
type RemoteStream interface {
	ID() string
	Stop()
}

// PeerHandlers receive asynchronous peer connection events. They may be
// invoked from any goroutine, but never from inside a Peer method call.
type PeerHandlers struct {
	OnCandidate    func(webrtc.ICECandidateInit)
	OnRemoteStream func(RemoteStream)
	OnFailed       func(error)
}

// Peer is the media connection to one remote participant.
type Peer interface {
	AddLocalMedia(m LocalMedia) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the applied answer.
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddCandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// PeerFactory creates peers wired to handlers.
type PeerFactory interface {
	NewPeer(h PeerHandlers) (Peer, error)
}

// PionFactory creates pion peer connections.
type PionFactory struct {
	config webrtc.Configuration
}

// NewPionFactory configures peer connections with the given STUN/TURN urls.
func NewPionFactory(iceServers []string) *PionFactory {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{config: config}
}

func (f *PionFactory) NewPeer(h PeerHandlers) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnCandidate == nil {
			return
		}
		h.OnCandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go drainTrack(track)
		if h.OnRemoteStream != nil {
			h.OnRemoteStream(&pionStream{track: track, receiver: receiver})
		}
	})

	// Disconnected may recover on its own, Failed does not without an ICE restart.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed && h.OnFailed != nil {
			h.OnFailed(fmt.Errorf("peer connection %s", state))
		}
	})

	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddLocalMedia(m LocalMedia) error {
	for _, track := range m.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeer) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeer) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) AddCandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionStream struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	once     sync.Once
}

func (s *pionStream) ID() string {
	return s.track.StreamID() + "/" + s.track.ID()
}

func (s *pionStream) Stop() {
	s.once.Do(func() {
		_ = s.receiver.Stop()
	})
}

// drainTrack reads until the track ends so the receive buffers never fill up.
func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
