package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Capture failures a MediaSource reports. Each maps to its own end reason so
// the user can tell a refused permission from missing hardware.
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
)

// LocalMedia is captured local audio/video.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases the capture devices. It must be safe to call twice.
	Stop()
}

// MediaSource acquires local media. Acquire may block while the user decides
// on a permission prompt and must return when ctx is cancelled.
type MediaSource interface {
	Acquire(ctx context.Context, kind Kind) (LocalMedia, error)
}

func reasonForMediaError(err error) EndReason {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrDeviceBusy):
		return ReasonDeviceBusy
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonMediaError
	}
}

const streamIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces media without capture devices: an Opus track that
// carries silence and, for video calls, an idle VP8 track.
type SyntheticSource struct {
	// FrameInterval is the pacing of audio samples. Zero means 20ms.
	FrameInterval time.Duration
}

func (s SyntheticSource) Acquire(ctx context.Context, kind Kind) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID, err := randutil.GenerateCryptoRandomString(16, streamIDAlphabet)
	if err != nil {
		return nil, fmt.Errorf("failed to generate stream id: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	m := &syntheticMedia{
		tracks: []webrtc.TrackLocal{audio},
		done:   make(chan struct{}),
	}

	if kind == KindVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		m.tracks = append(m.tracks, video)
	}

	interval := s.FrameInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	go m.writeSilence(audio, interval)
	return m, nil
}

type syntheticMedia struct {
	tracks []webrtc.TrackLocal
	done   chan struct{}
	once   sync.Once
}

func (m *syntheticMedia) Tracks() []webrtc.TrackLocal {
	return m.tracks
}

func (m *syntheticMedia) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *syntheticMedia) writeSilence(track *webrtc.TrackLocalStaticSample, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			// Writes before the track is bound to a peer connection are no-ops.
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: interval}); err != nil {
				return
			}
		}
	}
}
