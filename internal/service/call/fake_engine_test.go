package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/media"
)

// fakeFactory hands out fakeEngines and counts what they were asked to do
type fakeFactory struct {
	mu         sync.Mutex
	engines    []*fakeEngine
	captureErr error
	answerErr  error
	candidates int  // local candidates emitted per negotiation step
	holdTrack  bool // remote tracks only arrive through fireTrack
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{candidates: 2}
}

func (f *fakeFactory) NewEngine() (media.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{
		id:         len(f.engines),
		captureErr: f.captureErr,
		answerErr:  f.answerErr,
		candidates: f.candidates,
		holdTrack:  f.holdTrack,
	}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *fakeFactory) captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.engines {
		n += int(e.captureCount.Load())
	}
	return n
}

type fakeEngine struct {
	id         int
	captureErr error
	answerErr  error
	candidates int
	holdTrack  bool

	mu           sync.Mutex
	onCandidate  func(domain.ICECandidate)
	onTrack      func(media.RemoteStream)
	onFailure    func(error)
	remote       []domain.ICECandidate
	remoteDesc   *domain.SessionDescription
	stream       *fakeStream
	captureCount atomic.Int32
	closeCount   atomic.Int32
}

func (e *fakeEngine) CaptureLocalMedia(_ context.Context, kind domain.MediaKind) (media.LocalStream, error) {
	e.captureCount.Add(1)
	if e.captureErr != nil {
		return nil, e.captureErr
	}
	s := &fakeStream{enabled: map[media.TrackKind]bool{media.TrackAudio: true}}
	if kind.HasVideo() {
		s.enabled[media.TrackVideo] = true
	}
	e.mu.Lock()
	e.stream = s
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) CreateOffer(context.Context) (domain.SessionDescription, error) {
	e.emitCandidates("offer")
	return domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0 offer-%d", e.id)}, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if e.answerErr != nil {
		return domain.SessionDescription{}, e.answerErr
	}
	e.mu.Lock()
	e.remoteDesc = &offer
	e.mu.Unlock()
	e.emitCandidates("answer")
	if !e.holdTrack {
		e.fireTrack()
	}
	return domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0 answer-%d", e.id)}, nil
}

func (e *fakeEngine) ApplyRemoteDescription(desc domain.SessionDescription) error {
	e.mu.Lock()
	e.remoteDesc = &desc
	e.mu.Unlock()
	if !e.holdTrack {
		e.fireTrack()
	}
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(c domain.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	e.remote = append(e.remote, c)
	return nil
}

func (e *fakeEngine) OnRemoteTrack(fn func(media.RemoteStream)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnLocalCandidate(fn func(domain.ICECandidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnFailure(fn func(error)) {
	e.mu.Lock()
	e.onFailure = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.closeCount.Add(1)
	return nil
}

// fail simulates the connection dropping irrecoverably
func (e *fakeEngine) fail(err error) {
	e.mu.Lock()
	fn := e.onFailure
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (e *fakeEngine) remoteCandidates() []domain.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ICECandidate(nil), e.remote...)
}

func (e *fakeEngine) localStream() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

func (e *fakeEngine) emitCandidates(step string) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn == nil {
		return
	}
	for i := 0; i < e.candidates; i++ {
		fn(domain.ICECandidate{Candidate: fmt.Sprintf("candidate:%d %s %d", e.id, step, i)})
	}
}

func (e *fakeEngine) fireTrack() {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	if fn != nil {
		fn(fakeRemote{id: fmt.Sprintf("remote-%d", e.id)})
	}
}

type fakeStream struct {
	mu        sync.Mutex
	enabled   map[media.TrackKind]bool
	stopCount int
}

func (s *fakeStream) SetEnabled(kind media.TrackKind, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enabled[kind]; !ok {
		return false
	}
	s.enabled[kind] = enabled
	return true
}

func (s *fakeStream) Enabled(kind media.TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopCount++
	s.mu.Unlock()
}

func (s *fakeStream) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

type fakeRemote struct{ id string }

func (r fakeRemote) ID() string            { return r.id }
func (r fakeRemote) Kind() media.TrackKind { return media.TrackAudio }
