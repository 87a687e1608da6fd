// Package pion implements the call media engine on top of pion/webrtc.
package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/media"
	"peercall-backend/pkg/logger"
)

// Config holds the transport settings shared by every engine of a factory
type Config struct {
	ICEServers          []webrtc.ICEServer
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	Source              Source
}

// Factory builds one webrtc.API and stamps out engines from it
type Factory struct {
	api    *webrtc.API
	cfg    Config
	source Source
}

// NewFactory registers the default codecs and interceptors
func NewFactory(cfg Config) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		settingEngine.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	source := cfg.Source
	if source == nil {
		source = SampleSource{}
	}
	return &Factory{api: api, cfg: cfg, source: source}, nil
}

// NewEngine creates a peer connection for one call attempt
func (f *Factory) NewEngine() (media.Engine, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newEngine(pc, f.source), nil
}

// Engine wraps a single webrtc.PeerConnection
type Engine struct {
	pc     *webrtc.PeerConnection
	source Source

	mu          sync.Mutex
	local       *localStream
	onTrack     func(media.RemoteStream)
	onCandidate func(domain.ICECandidate)
	onFailure   func(error)
	closed      bool

	failOnce  sync.Once
	closeOnce sync.Once
}

func newEngine(pc *webrtc.PeerConnection, source Source) *Engine {
	e := &Engine{pc: pc, source: source}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(candidateFromInit(c.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("Remote track received",
			zap.String("track_id", track.ID()),
			zap.String("codec", track.Codec().MimeType),
		)
		e.mu.Lock()
		fn := e.onTrack
		e.mu.Unlock()
		if fn != nil {
			fn(&remoteStream{track: track})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed {
			e.fail(fmt.Errorf("peer connection failed"))
		}
	})

	return e
}

func (e *Engine) fail(err error) {
	e.failOnce.Do(func() {
		e.mu.Lock()
		fn := e.onFailure
		closed := e.closed
		e.mu.Unlock()
		if fn != nil && !closed {
			fn(err)
		}
	})
}

// CaptureLocalMedia opens tracks from the source and attaches them
func (e *Engine) CaptureLocalMedia(ctx context.Context, kind domain.MediaKind) (media.LocalStream, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, media.ErrClosed
	}
	e.mu.Unlock()

	tracks, err := e.source.Capture(ctx, kind)
	if err != nil {
		return nil, err
	}
	stream := &localStream{tracks: tracks}

	for _, track := range tracks {
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("add %s track: %w", track.MediaKind(), err)
		}
		// Read incoming RTCP so interceptors (NACK, reports) keep working
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	e.mu.Lock()
	e.local = stream
	e.mu.Unlock()
	return stream, nil
}

// CreateOffer creates and applies the local offer
func (e *Engine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return descriptionFromPion(offer), nil
}

// CreateAnswer applies the remote offer, then creates and applies the answer
func (e *Engine) CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	if err := e.ApplyRemoteDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return descriptionFromPion(answer), nil
}

// ApplyRemoteDescription sets the peer's offer or answer
func (e *Engine) ApplyRemoteDescription(desc domain.SessionDescription) error {
	pionDesc, err := descriptionToPion(desc)
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddRemoteCandidate hands a peer candidate to ICE
func (e *Engine) AddRemoteCandidate(candidate domain.ICECandidate) error {
	if err := e.pc.AddICECandidate(candidateToInit(candidate)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (e *Engine) OnRemoteTrack(fn func(media.RemoteStream)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *Engine) OnLocalCandidate(fn func(domain.ICECandidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *Engine) OnFailure(fn func(error)) {
	e.mu.Lock()
	e.onFailure = fn
	e.mu.Unlock()
}

// Close stops local tracks and closes the peer connection. Idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		local := e.local
		e.onTrack, e.onCandidate, e.onFailure = nil, nil, nil
		e.mu.Unlock()

		if local != nil {
			local.Stop()
		}
		err = e.pc.Close()
	})
	return err
}

type remoteStream struct {
	track *webrtc.TrackRemote
}

func (r *remoteStream) ID() string { return r.track.ID() }

func (r *remoteStream) Kind() media.TrackKind {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return media.TrackVideo
	}
	return media.TrackAudio
}

func descriptionFromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func descriptionToPion(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}, nil
}

func candidateFromInit(init webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
