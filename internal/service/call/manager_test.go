package call

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/signaling"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/resilience"
)

var (
	alice = domain.Participant{ID: "alice", Name: "Alice"}
	bob   = domain.Participant{ID: "bob", Name: "Bob"}
)

const waitFor = 2 * time.Second

func testOptions() Options {
	return Options{
		WriteTimeout: time.Second,
		Retry: resilience.Policy{
			BaseDelay:        time.Millisecond,
			MaxDelay:         5 * time.Millisecond,
			MaxElapsed:       50 * time.Millisecond,
			FailureThreshold: 1000,
			CoolDown:         time.Second,
		},
	}
}

type testPeer struct {
	m       *Manager
	engines *fakeFactory
	events  <-chan domain.CallEvent
}

func newPeer(t *testing.T, self domain.Participant, ch signaling.Channel, opts Options) *testPeer {
	t.Helper()
	engines := newFakeFactory()
	m, err := NewManager(self, ch, engines, opts)
	require.NoError(t, err)
	events, stop := m.Subscribe()
	t.Cleanup(func() {
		stop()
		_ = m.Close(context.Background())
	})
	return &testPeer{m: m, engines: engines, events: events}
}

// waitEvent skips events until one matches
func (p *testPeer) waitEvent(t *testing.T, typ domain.CallEventType) domain.CallEvent {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-p.events:
			require.True(t, ok, "event stream closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// noEvent fails if an event of typ arrives within d
func (p *testPeer) noEvent(t *testing.T, typ domain.CallEventType, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case ev := <-p.events:
			require.NotEqual(t, typ, ev.Type, "unexpected %s event", typ)
		case <-timeout:
			return
		}
	}
}

func bg() context.Context { return context.Background() }

func convKey(t *testing.T) string {
	k, err := domain.ConversationKey(alice.ID, bob.ID)
	require.NoError(t, err)
	return k
}

func watchBoth(t *testing.T, a, b *testPeer) {
	_, err := a.m.Watch(bg(), bob)
	require.NoError(t, err)
	_, err = b.m.Watch(bg(), alice)
	require.NoError(t, err)
}

func TestNewManager_Validation(t *testing.T) {
	ch := signaling.NewMemoryChannel()

	_, err := NewManager(domain.Participant{Name: "x"}, ch, newFakeFactory(), Options{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = NewManager(domain.Participant{ID: "x"}, ch, newFakeFactory(), Options{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = NewManager(alice, nil, newFakeFactory(), Options{})
	assert.Error(t, err)
}

func TestManager_PlaceAndAccept(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	snap, err := a.m.PlaceCall(bg(), bob, domain.MediaAudioVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOutgoingRinging, snap.State)
	assert.True(t, snap.Outgoing)
	assert.True(t, snap.AudioEnabled)
	assert.True(t, snap.VideoEnabled)

	incoming := b.waitEvent(t, domain.EventIncomingCall)
	assert.Equal(t, snap.CallID, incoming.CallID)
	assert.Equal(t, alice.ID, incoming.PeerID)
	assert.Equal(t, alice.Name, incoming.PeerName)
	assert.Equal(t, domain.MediaAudioVideo, incoming.MediaKind)

	snap, err = b.m.AcceptCall(bg(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, snap.State)
	assert.False(t, snap.Outgoing)

	a.waitEvent(t, domain.EventCallActive)
	b.waitEvent(t, domain.EventCallActive)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.PhaseActive, rec.Phase)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, "answer", rec.Answer.Type)

	// Each side ends up with the other side's candidates, applied in order
	require.Eventually(t, func() bool {
		return len(a.engines.last().remoteCandidates()) == 2 && len(b.engines.last().remoteCandidates()) == 2
	}, waitFor, 5*time.Millisecond)
	bRemote := b.engines.last().remoteCandidates()
	assert.Equal(t, "candidate:0 offer 0", bRemote[0].Candidate)
	assert.Equal(t, "candidate:0 offer 1", bRemote[1].Candidate)

	calls, err := a.m.Calls(bg())
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, bob.ID, calls[0].PeerID)
	assert.True(t, calls[0].RemoteTrack)
}

func TestManager_EndActiveCall(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)
	_, err = b.m.AcceptCall(bg(), alice.ID)
	require.NoError(t, err)
	a.waitEvent(t, domain.EventCallActive)

	require.NoError(t, b.m.EndCall(bg(), alice.ID))

	ended := b.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndLocalHangup, ended.Reason)
	ended = a.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndRemoteEnded, ended.Reason)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	assert.Nil(t, rec)

	snap, err := a.m.State(bg(), bob.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, snap.State)
	assert.False(t, snap.AudioEnabled)
}

func TestManager_CancelWhileRinging(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)

	require.NoError(t, a.m.EndCall(bg(), bob.ID))

	ended := b.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndRemoteCancelled, ended.Reason)
	assert.Zero(t, b.engines.count(), "a cancelled call never touches the recipient's media")

	_, err = b.m.AcceptCall(bg(), alice.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestManager_DeclineNeverCaptures(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudioVideo)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)

	require.NoError(t, b.m.DeclineCall(bg(), alice.ID))

	ended := b.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndDeclined, ended.Reason)
	ended = a.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndRemoteDeclined, ended.Reason)

	assert.Zero(t, b.engines.captures())
	assert.Equal(t, int32(1), a.engines.last().closeCount.Load())
	assert.Equal(t, 1, a.engines.last().localStream().stops())

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManager_DoubleEndCallReleasesOnce(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	require.NoError(t, a.m.EndCall(bg(), bob.ID))
	require.NoError(t, a.m.EndCall(bg(), bob.ID))

	engine := a.engines.last()
	assert.Equal(t, int32(1), engine.closeCount.Load())
	assert.Equal(t, 1, engine.localStream().stops())

	ended := a.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndLocalHangup, ended.Reason)
	a.noEvent(t, domain.EventCallEnded, 50*time.Millisecond)
}

func TestManager_Glare(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	first, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	// Bob calls back before or after seeing Alice's call; either way he
	// joins it instead of creating a second one
	snap, err := b.m.PlaceCall(bg(), alice, domain.MediaAudio)
	require.NoError(t, err)
	assert.Equal(t, first.CallID, snap.CallID)
	assert.Equal(t, domain.StateActive, snap.State)
	assert.False(t, snap.Outgoing)

	b.waitEvent(t, domain.EventGlare)
	a.waitEvent(t, domain.EventCallActive)
	b.waitEvent(t, domain.EventCallActive)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, first.CallID, rec.CallID)
	assert.Equal(t, domain.PhaseActive, rec.Phase)
}

func TestManager_GlareConcurrent(t *testing.T) {
	for i := 0; i < 20; i++ {
		ch := signaling.NewMemoryChannel()
		a := newPeer(t, alice, ch, testOptions())
		b := newPeer(t, bob, ch, testOptions())

		// Neither side watches yet, so each subscription's first delivery
		// is still queued when the calls collide
		start := make(chan struct{})
		errs := make(chan error, 2)
		go func() {
			<-start
			_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
			errs <- err
		}()
		go func() {
			<-start
			_, err := b.m.PlaceCall(bg(), alice, domain.MediaAudio)
			errs <- err
		}()
		close(start)
		require.NoError(t, <-errs)
		require.NoError(t, <-errs)

		require.Eventually(t, func() bool {
			sa, errA := a.m.State(bg(), bob.ID)
			sb, errB := b.m.State(bg(), alice.ID)
			return errA == nil && errB == nil &&
				sa.State == domain.StateActive && sb.State == domain.StateActive &&
				sa.CallID == sb.CallID
		}, waitFor, 5*time.Millisecond, "run %d: both sides should share one active call", i)

		a.noEvent(t, domain.EventCallEnded, 30*time.Millisecond)
		b.noEvent(t, domain.EventCallEnded, 30*time.Millisecond)

		sa, err := a.m.State(bg(), bob.ID)
		require.NoError(t, err)
		rec, err := ch.Get(bg(), convKey(t))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, sa.CallID, rec.CallID)
		assert.Equal(t, domain.PhaseActive, rec.Phase)
	}
}

func TestManager_PlaceCallWhileActive(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	_, err = a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))
	assert.Equal(t, 1, a.engines.count())
}

func TestManager_BusyWhenAnsweredElsewhere(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	k := convKey(t)
	offer := domain.SessionDescription{Type: "offer", SDP: "v=0"}
	require.NoError(t, ch.Create(bg(), k, &domain.CallRecord{
		CallID:        "other-device-call",
		Initiator:     alice.ID,
		InitiatorName: alice.Name,
		Recipient:     bob.ID,
		RecipientName: bob.Name,
		MediaKind:     domain.MediaAudio,
		Phase:         domain.PhaseRinging,
		Offer:         &offer,
	}))
	require.NoError(t, ch.Answer(bg(), k, "other-device-call", domain.SessionDescription{Type: "answer", SDP: "v=0"}))

	b := newPeer(t, bob, ch, testOptions())
	_, err := b.m.PlaceCall(bg(), alice, domain.MediaAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))

	ended := b.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndBusy, ended.Reason)

	rec, err := ch.Get(bg(), k)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "other-device-call", rec.CallID, "the foreign call is left alone")
}

func TestManager_StaleOwnRecordIsCleared(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	k := convKey(t)
	offer := domain.SessionDescription{Type: "offer", SDP: "v=0"}
	require.NoError(t, ch.Create(bg(), k, &domain.CallRecord{
		CallID:    "crashed-call",
		Initiator: alice.ID,
		Recipient: bob.ID,
		MediaKind: domain.MediaAudio,
		Phase:     domain.PhaseRinging,
		Offer:     &offer,
		CreatedAt: time.Now().Add(-10 * time.Minute).UnixMilli(),
	}))

	a := newPeer(t, alice, ch, testOptions())
	snap, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOutgoingRinging, snap.State)

	rec, err := ch.Get(bg(), k)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, snap.CallID, rec.CallID)
}

func TestManager_OtherDeviceCallIsLeftAlone(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a1 := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a1, b)

	first, err := a1.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	// A second device of Alice's while the first one is still ringing
	a2 := newPeer(t, alice, ch, testOptions())
	_, err = a2.m.PlaceCall(bg(), bob, domain.MediaAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))

	b.waitEvent(t, domain.EventIncomingCall)
	_, err = b.m.AcceptCall(bg(), alice.ID)
	require.NoError(t, err)
	a1.waitEvent(t, domain.EventCallActive)

	// And again once the call is up
	_, err = a2.m.PlaceCall(bg(), bob, domain.MediaAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))

	b.noEvent(t, domain.EventCallEnded, 50*time.Millisecond)
	snap, err := b.m.State(bg(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, snap.State)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, first.CallID, rec.CallID)
	assert.Equal(t, domain.PhaseActive, rec.Phase)
}

func TestManager_CallActiveWaitsForRemoteTrack(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	a.engines.holdTrack = true
	watchBoth(t, a, b)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)
	_, err = b.m.AcceptCall(bg(), alice.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := a.m.State(bg(), bob.ID)
		return err == nil && snap.State == domain.StateActive
	}, waitFor, 5*time.Millisecond)

	a.noEvent(t, domain.EventCallActive, 100*time.Millisecond)
	snap, err := a.m.State(bg(), bob.ID)
	require.NoError(t, err)
	assert.False(t, snap.RemoteTrack)

	a.engines.last().fireTrack()
	active := a.waitEvent(t, domain.EventCallActive)
	assert.Equal(t, domain.StateActive, active.State)
	a.noEvent(t, domain.EventCallActive, 50*time.Millisecond)
}

func TestManager_MediaFailureOnAccept(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	b.engines.captureErr = errors.New("camera busy")
	watchBoth(t, a, b)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudioVideo)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)

	_, err = b.m.AcceptCall(bg(), alice.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAcquisition))

	ended := b.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndMediaFailure, ended.Reason)
	ended = a.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndRemoteDeclined, ended.Reason)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int32(1), b.engines.last().closeCount.Load())
}

func TestManager_MediaFailureOnPlace(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	a.engines.captureErr = errors.New("no microphone")

	snap, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAcquisition))
	assert.Equal(t, domain.StateEnded, snap.State)
	assert.Equal(t, domain.EndMediaFailure, snap.EndReason)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	assert.Nil(t, rec, "nothing is published when capture fails")
}

// flakyAnswerChannel fails the first Answer write
type flakyAnswerChannel struct {
	*signaling.MemoryChannel
	failures atomic.Int32
}

func (c *flakyAnswerChannel) Answer(ctx context.Context, key, callID string, answer domain.SessionDescription) error {
	if c.failures.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return c.MemoryChannel.Answer(ctx, key, callID, answer)
}

func TestManager_AnswerFailureIsRetryable(t *testing.T) {
	mem := signaling.NewMemoryChannel()
	flaky := &flakyAnswerChannel{MemoryChannel: mem}
	flaky.failures.Store(1)

	a := newPeer(t, alice, mem, testOptions())
	b := newPeer(t, bob, flaky, testOptions())
	watchBoth(t, a, b)

	placed, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)

	_, err = b.m.AcceptCall(bg(), alice.ID)
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeSignalingWrite, appErr.Code)
	assert.True(t, appErr.Retryable)

	ended := b.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndSignalingFailure, ended.Reason)
	assert.True(t, ended.Retryable)

	// The record is untouched so the call surfaces again
	again := b.waitEvent(t, domain.EventIncomingCall)
	assert.Equal(t, placed.CallID, again.CallID)

	snap, err := b.m.AcceptCall(bg(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, snap.State)
	a.waitEvent(t, domain.EventCallActive)
}

func TestManager_Toggles(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	enabled, err := a.m.ToggleLocalAudio(bg(), bob.ID)
	require.NoError(t, err)
	assert.False(t, enabled)
	enabled, err = a.m.ToggleLocalAudio(bg(), bob.ID)
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = a.m.ToggleLocalVideo(bg(), bob.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	require.NoError(t, a.m.EndCall(bg(), bob.ID))
	_, err = a.m.ToggleLocalAudio(bg(), bob.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestManager_TombstonedRecordIgnored(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)

	stale, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)

	require.NoError(t, b.m.DeclineCall(bg(), alice.ID))
	a.waitEvent(t, domain.EventCallEnded)

	// A late copy of the declined call must not ring again
	require.NoError(t, ch.Create(bg(), convKey(t), stale))
	b.noEvent(t, domain.EventIncomingCall, 100*time.Millisecond)

	// Calling back clears the leftover and rings Alice
	snap, err := b.m.PlaceCall(bg(), alice, domain.MediaAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOutgoingRinging, snap.State)
	assert.NotEqual(t, stale.CallID, snap.CallID)

	incoming := a.waitEvent(t, domain.EventIncomingCall)
	assert.Equal(t, snap.CallID, incoming.CallID)
}

func TestManager_RingTimeout(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	opts := testOptions()
	opts.RingTimeout = 50 * time.Millisecond
	a := newPeer(t, alice, ch, opts)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	ended := a.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndTimeout, ended.Reason)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManager_EngineFailureEndsCall(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	b.waitEvent(t, domain.EventIncomingCall)
	_, err = b.m.AcceptCall(bg(), alice.ID)
	require.NoError(t, err)
	a.waitEvent(t, domain.EventCallActive)

	a.engines.last().fail(errors.New("ice failed"))

	ended := a.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndEngineFailure, ended.Reason)
	ended = b.waitEvent(t, domain.EventCallEnded)
	assert.Equal(t, domain.EndRemoteEnded, ended.Reason)
}

type MockCallLogRepository struct {
	mock.Mock
}

func (m *MockCallLogRepository) Create(ctx context.Context, entry *domain.CallLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyIncomingCall(ctx context.Context, record *domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func TestManager_CallLogAndPush(t *testing.T) {
	ch := signaling.NewMemoryChannel()

	logs := make(chan *domain.CallLog, 1)
	repo := new(MockCallLogRepository)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallLog")).
		Run(func(args mock.Arguments) { logs <- args.Get(1).(*domain.CallLog) }).
		Return(nil)

	pushed := make(chan *domain.CallRecord, 1)
	notifier := new(MockNotifier)
	notifier.On("NotifyIncomingCall", mock.Anything, mock.AnythingOfType("*domain.CallRecord")).
		Run(func(args mock.Arguments) { pushed <- args.Get(1).(*domain.CallRecord) }).
		Return(nil)

	opts := testOptions()
	opts.CallLog = repo
	opts.Notifier = notifier
	a := newPeer(t, alice, ch, opts)

	snap, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	select {
	case rec := <-pushed:
		assert.Equal(t, snap.CallID, rec.CallID)
		assert.Equal(t, bob.ID, rec.Recipient)
	case <-time.After(waitFor):
		t.Fatal("push notification not sent")
	}

	require.NoError(t, a.m.EndCall(bg(), bob.ID))

	select {
	case entry := <-logs:
		assert.Equal(t, snap.CallID, entry.CallID)
		assert.Equal(t, "outgoing", entry.Direction)
		assert.Equal(t, string(domain.EndLocalHangup), entry.EndReason)
		assert.Nil(t, entry.AnsweredAt)
	case <-time.After(waitFor):
		t.Fatal("call log not written")
	}
}

func TestManager_CloseEndsCalls(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	engines := newFakeFactory()
	m, err := NewManager(alice, ch, engines, testOptions())
	require.NoError(t, err)
	events, _ := m.Subscribe()

	_, err = m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)

	require.NoError(t, m.Close(bg()))
	require.NoError(t, m.Close(bg()))

	var reasons []domain.EndReason
	for ev := range events {
		if ev.Type == domain.EventCallEnded {
			reasons = append(reasons, ev.Reason)
		}
	}
	assert.Equal(t, []domain.EndReason{domain.EndShutdown}, reasons)

	rec, err := ch.Get(bg(), convKey(t))
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = m.PlaceCall(bg(), bob, domain.MediaAudio)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_Unwatch(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	a := newPeer(t, alice, ch, testOptions())
	b := newPeer(t, bob, ch, testOptions())
	watchBoth(t, a, b)

	require.NoError(t, b.m.Unwatch(bg(), alice.ID))

	_, err := a.m.PlaceCall(bg(), bob, domain.MediaAudio)
	require.NoError(t, err)
	b.noEvent(t, domain.EventIncomingCall, 100*time.Millisecond)
}
