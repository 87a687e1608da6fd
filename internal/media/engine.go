// Package media defines the peer connection engine contract used by call
// sessions. The pion subpackage provides the production implementation.
package media

import (
	"context"
	"errors"

	"peercall-backend/internal/domain"
)

// ErrClosed is returned by engine operations after Close
var ErrClosed = errors.New("media: engine closed")

// TrackKind is the kind of a media track
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalStream is the set of locally captured tracks attached to an engine
type LocalStream interface {
	// SetEnabled flips the enabled flag of every local track of kind and
	// reports whether any such track exists.
	SetEnabled(kind TrackKind, enabled bool) bool
	Enabled(kind TrackKind) bool
	// Stop releases the capture devices. Safe to call more than once.
	Stop()
}

// RemoteStream is media received from the peer
type RemoteStream interface {
	ID() string
	Kind() TrackKind
}

// Engine negotiates and carries one peer connection.
// Callbacks fire on engine goroutines; callers must hand them off.
type Engine interface {
	CaptureLocalMedia(ctx context.Context, kind domain.MediaKind) (LocalStream, error)
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// CreateAnswer applies the remote offer and returns the local answer.
	CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	ApplyRemoteDescription(desc domain.SessionDescription) error
	AddRemoteCandidate(candidate domain.ICECandidate) error
	OnRemoteTrack(fn func(RemoteStream))
	OnLocalCandidate(fn func(domain.ICECandidate))
	// OnFailure fires once when the connection fails irrecoverably.
	OnFailure(fn func(error))
	Close() error
}

// Factory creates a fresh engine per call attempt
type Factory interface {
	NewEngine() (Engine, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func() (Engine, error)

// NewEngine calls f
func (f FactoryFunc) NewEngine() (Engine, error) {
	return f()
}
