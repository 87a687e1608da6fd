package pion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/media"
)

func newTestFactory(t *testing.T, source Source) *Factory {
	t.Helper()
	f, err := NewFactory(Config{Source: source})
	require.NoError(t, err)
	return f
}

func TestEngine_OfferAnswerNegotiation(t *testing.T) {
	f := newTestFactory(t, nil)
	ctx := context.Background()

	caller, err := f.NewEngine()
	require.NoError(t, err)
	defer caller.Close()
	callee, err := f.NewEngine()
	require.NoError(t, err)
	defer callee.Close()

	_, err = caller.CaptureLocalMedia(ctx, domain.MediaAudioVideo)
	require.NoError(t, err)
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=video"))

	_, err = callee.CaptureLocalMedia(ctx, domain.MediaAudioVideo)
	require.NoError(t, err)
	answer, err := callee.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	require.NoError(t, caller.ApplyRemoteDescription(answer))
}

func TestEngine_AudioOnlyCapture(t *testing.T) {
	f := newTestFactory(t, nil)
	engine, err := f.NewEngine()
	require.NoError(t, err)
	defer engine.Close()

	stream, err := engine.CaptureLocalMedia(context.Background(), domain.MediaAudio)
	require.NoError(t, err)

	assert.True(t, stream.Enabled(media.TrackAudio))
	assert.False(t, stream.SetEnabled(media.TrackVideo, false), "no video track on an audio call")

	assert.True(t, stream.SetEnabled(media.TrackAudio, false))
	assert.False(t, stream.Enabled(media.TrackAudio))
	assert.True(t, stream.SetEnabled(media.TrackAudio, true))
	assert.True(t, stream.Enabled(media.TrackAudio))
}

func TestEngine_CaptureFailure(t *testing.T) {
	denied := SourceFunc(func(ctx context.Context, kind domain.MediaKind) ([]*GatedTrack, error) {
		return nil, ErrNoDevice
	})
	f := newTestFactory(t, denied)
	engine, err := f.NewEngine()
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.CaptureLocalMedia(context.Background(), domain.MediaAudio)
	assert.True(t, errors.Is(err, ErrNoDevice))
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	stopped := 0
	source := SourceFunc(func(ctx context.Context, kind domain.MediaKind) ([]*GatedTrack, error) {
		track, err := NewGatedTrack(media.TrackAudio, opusCapability(), "audio", "test", func() { stopped++ })
		if err != nil {
			return nil, err
		}
		return []*GatedTrack{track}, nil
	})
	f := newTestFactory(t, source)
	engine, err := f.NewEngine()
	require.NoError(t, err)

	_, err = engine.CaptureLocalMedia(context.Background(), domain.MediaAudio)
	require.NoError(t, err)

	assert.NoError(t, engine.Close())
	assert.NoError(t, engine.Close())
	assert.Equal(t, 1, stopped)

	_, err = engine.CaptureLocalMedia(context.Background(), domain.MediaAudio)
	assert.ErrorIs(t, err, media.ErrClosed)
}

func TestDescriptionConversion(t *testing.T) {
	_, err := descriptionToPion(domain.SessionDescription{Type: "bogus"})
	assert.Error(t, err)

	desc, err := descriptionToPion(domain.SessionDescription{Type: "answer", SDP: "v=0"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDescription{Type: "answer", SDP: "v=0"}, descriptionFromPion(desc))
}

func TestCandidateConversion(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	c := domain.ICECandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	assert.Equal(t, c, candidateFromInit(candidateToInit(c)))
}
