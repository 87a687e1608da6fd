package pion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/media"
)

// ErrNoDevice is returned by a Source that cannot capture the requested kind
var ErrNoDevice = errors.New("media: no capture device")

// Source supplies local tracks for a call. Hardware capture drivers plug in
// here; the engine only sees the resulting tracks.
type Source interface {
	Capture(ctx context.Context, kind domain.MediaKind) ([]*GatedTrack, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, kind domain.MediaKind) ([]*GatedTrack, error)

// Capture calls f
func (f SourceFunc) Capture(ctx context.Context, kind domain.MediaKind) ([]*GatedTrack, error) {
	return f(ctx, kind)
}

// GatedTrack is a sample track with an enabled flag. Disabled tracks stay
// negotiated but drop samples, which is how a muted microphone behaves.
type GatedTrack struct {
	*webrtc.TrackLocalStaticSample
	kind    media.TrackKind
	enabled atomic.Bool
	onStop  func()
	stop    sync.Once
}

// NewGatedTrack creates an enabled track for codec
func NewGatedTrack(kind media.TrackKind, codec webrtc.RTPCodecCapability, id, streamID string, onStop func()) (*GatedTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	g := &GatedTrack{TrackLocalStaticSample: track, kind: kind, onStop: onStop}
	g.enabled.Store(true)
	return g, nil
}

// WriteSample forwards the sample unless the track is disabled
func (g *GatedTrack) WriteSample(sample pionmedia.Sample) error {
	if !g.enabled.Load() {
		return nil
	}
	return g.TrackLocalStaticSample.WriteSample(sample)
}

// MediaKind returns audio or video
func (g *GatedTrack) MediaKind() media.TrackKind { return g.kind }

// SetEnabled flips the gate
func (g *GatedTrack) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

// IsEnabled reports the gate
func (g *GatedTrack) IsEnabled() bool { return g.enabled.Load() }

// Stop releases whatever feeds the track
func (g *GatedTrack) Stop() {
	g.stop.Do(func() {
		g.enabled.Store(false)
		if g.onStop != nil {
			g.onStop()
		}
	})
}

// SampleSource creates Opus and VP8 sample tracks that the host application
// feeds through WriteSample. It never touches a device.
type SampleSource struct {
	StreamID string
}

// Capture creates one audio track and, for video calls, one video track
func (s SampleSource) Capture(ctx context.Context, kind domain.MediaKind) ([]*GatedTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "peercall"
	}

	audio, err := NewGatedTrack(media.TrackAudio, opusCapability(), "audio", streamID, nil)
	if err != nil {
		return nil, err
	}
	tracks := []*GatedTrack{audio}

	if kind.HasVideo() {
		video, err := NewGatedTrack(media.TrackVideo, vp8Capability(), "video", streamID, nil)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

func opusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func vp8Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

// localStream implements media.LocalStream over gated tracks
type localStream struct {
	tracks []*GatedTrack
}

func (s *localStream) SetEnabled(kind media.TrackKind, enabled bool) bool {
	found := false
	for _, t := range s.tracks {
		if t.MediaKind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found
}

func (s *localStream) Enabled(kind media.TrackKind) bool {
	for _, t := range s.tracks {
		if t.MediaKind() == kind && t.IsEnabled() {
			return true
		}
	}
	return false
}

func (s *localStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
