package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/media"
	"peercall-backend/internal/signaling"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// errRecordConflict is returned by place when another record already occupies
// the conversation. The manager decides how to resolve it.
var errRecordConflict = errors.New("call record conflict")

// Session is one call attempt. All methods run on the manager loop.
type Session struct {
	m      *Manager
	key    string
	callID string
	peer   domain.Participant
	side   domain.Side
	kind   domain.MediaKind
	offer  *domain.SessionDescription
	state  domain.CallState

	engine media.Engine
	local  media.LocalStream
	buffer *CandidateBuffer

	pendingLocal  []domain.ICECandidate
	published     bool
	seen          bool // our own record has been delivered at least once
	remoteTrack   bool
	activeEmitted bool
	released      bool
	retryable     bool
	endReason     domain.EndReason
	ringTimer     *time.Timer

	startedAt  time.Time
	answeredAt time.Time
	endedAt    time.Time

	log *zap.Logger
}

func newOutgoingSession(m *Manager, key string, peer domain.Participant, kind domain.MediaKind) *Session {
	s := &Session{
		m:         m,
		key:       key,
		callID:    uuid.NewString(),
		peer:      peer,
		side:      domain.SideInitiator,
		kind:      kind,
		state:     domain.StateIdle,
		startedAt: time.Now(),
	}
	s.init()
	return s
}

// newIncomingSession builds a recipient session for rec. delivered reports
// whether rec came from the subscription; a record fetched with Get may be
// newer than deliveries still queued on the loop, so those are confirmed
// against the store until the subscription catches up.
func newIncomingSession(m *Manager, key string, rec *domain.CallRecord, delivered bool) *Session {
	offer := *rec.Offer
	s := &Session{
		m:         m,
		key:       key,
		callID:    rec.CallID,
		peer:      domain.Participant{ID: rec.Initiator, Name: rec.InitiatorName},
		side:      domain.SideRecipient,
		kind:      rec.MediaKind,
		offer:     &offer,
		state:     domain.StateIncomingRinging,
		published: true,
		seen:      delivered,
		startedAt: time.Now(),
	}
	s.init()
	s.observeCandidates(rec)
	return s
}

func (s *Session) init() {
	s.log = logger.ForCall(s.key, s.callID).With(zap.String("side", string(s.side)))
	s.buffer = NewCandidateBuffer(s.applyRemoteCandidate)
	metrics.CallSessionsActive.Inc()
}

func (s *Session) ended() bool {
	return s.state == domain.StateEnded
}

// place captures media, creates the offer and publishes a new record
func (s *Session) place() error {
	if s.state != domain.StateIdle {
		return apperrors.InvalidStateError("call was already placed")
	}
	s.setState(domain.StateOutgoingRinging)

	if err := s.openEngine(); err != nil {
		s.terminate(domain.EndEngineFailure, false)
		return apperrors.EngineError("Could not create peer connection", err)
	}

	stream, err := s.engine.CaptureLocalMedia(s.m.ctx, s.kind)
	if err != nil {
		s.log.Warn("Local media capture failed", zap.Error(err))
		s.terminate(domain.EndMediaFailure, false)
		return apperrors.MediaAcquisitionError(err)
	}
	s.local = stream

	offer, err := s.engine.CreateOffer(s.m.ctx)
	if err != nil {
		s.terminate(domain.EndEngineFailure, false)
		return apperrors.EngineError("Could not create offer", err)
	}

	rec := &domain.CallRecord{
		CallID:              s.callID,
		Initiator:           s.m.self.ID,
		InitiatorName:       s.m.self.Name,
		Recipient:           s.peer.ID,
		RecipientName:       s.peer.Name,
		MediaKind:           s.kind,
		Phase:               domain.PhaseRinging,
		Offer:               &offer,
		InitiatorCandidates: []domain.ICECandidate{},
		RecipientCandidates: []domain.ICECandidate{},
		CreatedAt:           time.Now().UnixMilli(),
	}

	if err := s.m.createRecord(s.key, rec); err != nil {
		if errors.Is(err, signaling.ErrRecordExists) {
			s.release()
			return errRecordConflict
		}
		// The write may have landed before the failure was reported
		s.published = true
		s.retryable = true
		s.terminate(domain.EndSignalingFailure, true)
		return apperrors.SignalingWriteError(err, true)
	}

	s.published = true
	metrics.CallPlacedTotal.WithLabelValues(string(s.kind)).Inc()
	s.log.Info("Call placed", zap.String("recipient", s.peer.ID), zap.String("media_kind", string(s.kind)))

	s.m.notifyIncoming(rec)
	s.flushLocalCandidates()
	return nil
}

// accept answers the ringing call
func (s *Session) accept() error {
	if s.state != domain.StateIncomingRinging {
		return apperrors.InvalidStateError(fmt.Sprintf("cannot accept a call in state %s", s.state))
	}

	if err := s.openEngine(); err != nil {
		s.terminate(domain.EndEngineFailure, true)
		return apperrors.EngineError("Could not create peer connection", err)
	}

	stream, err := s.engine.CaptureLocalMedia(s.m.ctx, s.kind)
	if err != nil {
		s.log.Warn("Local media capture failed", zap.Error(err))
		s.terminate(domain.EndMediaFailure, true)
		return apperrors.MediaAcquisitionError(err)
	}
	s.local = stream

	answer, err := s.engine.CreateAnswer(s.m.ctx, *s.offer)
	if err != nil {
		s.terminate(domain.EndEngineFailure, true)
		return apperrors.EngineError("Could not create answer", err)
	}
	if flushed, err := s.buffer.MarkReady(); err != nil {
		s.fail(err)
		return apperrors.EngineError("Could not apply remote candidate", err)
	} else if flushed > 0 {
		s.log.Debug("Flushed buffered remote candidates", zap.Int("count", flushed))
	}

	if err := s.m.writeAnswer(s.key, s.callID, answer); err != nil {
		if errors.Is(err, signaling.ErrRecordNotFound) {
			s.terminate(domain.EndRemoteCancelled, false)
			return apperrors.CallNotFoundError()
		}
		s.retryable = true
		s.terminate(domain.EndSignalingFailure, false)
		return apperrors.SignalingWriteError(err, true)
	}

	s.answeredAt = time.Now()
	s.setState(domain.StateActive)
	s.log.Info("Call accepted")
	s.flushLocalCandidates()
	s.maybeActive()
	return nil
}

// decline rejects a ringing call without touching media
func (s *Session) decline() error {
	if s.ended() {
		return nil
	}
	if s.state != domain.StateIncomingRinging {
		return apperrors.InvalidStateError(fmt.Sprintf("cannot decline a call in state %s", s.state))
	}
	s.terminate(domain.EndDeclined, true)
	return nil
}

// hangup ends the call from this side. Safe in every state.
func (s *Session) hangup(reason domain.EndReason) {
	s.terminate(reason, true)
}

// observe reconciles the session with the latest stored record
func (s *Session) observe(rec *domain.CallRecord) {
	if s.ended() || s.state == domain.StateIdle {
		return
	}

	if rec == nil || rec.CallID != s.callID {
		if !s.published || (!s.seen && s.stillPublished()) {
			return
		}
		reason := s.remoteEndReason()
		if rec != nil {
			reason = domain.EndSuperseded
		}
		s.terminate(reason, false)
		return
	}
	s.seen = true

	if s.side == domain.SideRecipient && s.state == domain.StateIncomingRinging && rec.Answer != nil {
		// Answered from another device of ours
		s.terminate(domain.EndSuperseded, false)
		return
	}

	if s.side == domain.SideInitiator && s.state == domain.StateOutgoingRinging && rec.Answer != nil {
		if err := s.engine.ApplyRemoteDescription(*rec.Answer); err != nil {
			s.fail(err)
			return
		}
		if _, err := s.buffer.MarkReady(); err != nil {
			s.fail(err)
			return
		}
		s.answeredAt = time.Now()
		s.setState(domain.StateActive)
		s.log.Info("Call answered")
		s.maybeActive()
	}

	s.observeCandidates(rec)
}

// stillPublished checks the store when a delivery that may predate the
// session's record shows some other record
func (s *Session) stillPublished() bool {
	rec, err := s.m.channel.Get(s.m.ctx, s.key)
	if err != nil {
		s.log.Warn("Could not confirm call record", zap.Error(err))
		return true
	}
	return rec != nil && rec.CallID == s.callID
}

func (s *Session) observeCandidates(rec *domain.CallRecord) {
	applied, buffered, err := s.buffer.Observe(rec.Candidates(s.side.Opposite()))
	if buffered > 0 {
		metrics.CallCandidatesTotal.WithLabelValues("remote", "buffered").Add(float64(buffered))
	}
	if applied > 0 {
		metrics.CallCandidatesTotal.WithLabelValues("remote", "immediate").Add(float64(applied))
	}
	if err != nil {
		s.fail(err)
	}
}

func (s *Session) applyRemoteCandidate(c domain.ICECandidate) error {
	if s.engine == nil {
		return media.ErrClosed
	}
	return s.engine.AddRemoteCandidate(c)
}

func (s *Session) onLocalCandidate(c domain.ICECandidate) {
	if s.ended() {
		return
	}
	if !s.published {
		s.pendingLocal = append(s.pendingLocal, c)
		metrics.CallCandidatesTotal.WithLabelValues("local", "queued").Inc()
		return
	}
	s.publishCandidate(c)
}

func (s *Session) flushLocalCandidates() {
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		if s.ended() {
			return
		}
		s.publishCandidate(c)
	}
}

func (s *Session) publishCandidate(c domain.ICECandidate) {
	err := s.m.appendCandidate(s.key, s.callID, s.side, c)
	switch {
	case err == nil:
		metrics.CallCandidatesTotal.WithLabelValues("local", "immediate").Inc()
	case errors.Is(err, signaling.ErrRecordNotFound):
		// The record is gone; the subscription will deliver the teardown
		s.log.Debug("Candidate dropped, call record no longer present")
	default:
		s.log.Warn("Failed to publish local candidate", zap.Error(err))
	}
}

func (s *Session) onRemoteTrack(stream media.RemoteStream) {
	if s.ended() {
		return
	}
	s.log.Debug("Remote track attached", zap.String("track_id", stream.ID()), zap.String("kind", string(stream.Kind())))
	s.remoteTrack = true
	s.maybeActive()
}

func (s *Session) onEngineFailure(err error) {
	if s.ended() {
		return
	}
	s.fail(err)
}

// maybeActive announces the call once it is answered and remote media flows
func (s *Session) maybeActive() {
	if s.activeEmitted || s.state != domain.StateActive || !s.remoteTrack {
		return
	}
	s.activeEmitted = true

	direction := "incoming"
	if s.side == domain.SideInitiator {
		direction = "outgoing"
	}
	metrics.CallActiveTotal.WithLabelValues(direction).Inc()
	metrics.CallSetupDuration.Observe(time.Since(s.startedAt).Seconds())
	s.m.emit(s.event(domain.EventCallActive))
}

func (s *Session) toggle(kind media.TrackKind) (bool, error) {
	if s.ended() {
		return false, apperrors.InvalidStateError("call has ended")
	}
	if s.local == nil {
		return false, apperrors.InvalidStateError("call has no local media yet")
	}
	enabled := !s.local.Enabled(kind)
	if !s.local.SetEnabled(kind, enabled) {
		return false, apperrors.InvalidStateError(fmt.Sprintf("call has no local %s track", kind))
	}
	return enabled, nil
}

func (s *Session) fail(err error) {
	s.log.Error("Media engine failure", zap.Error(err))
	s.terminate(domain.EndEngineFailure, true)
}

func (s *Session) remoteEndReason() domain.EndReason {
	switch s.state {
	case domain.StateIncomingRinging:
		return domain.EndRemoteCancelled
	case domain.StateOutgoingRinging:
		return domain.EndRemoteDeclined
	default:
		return domain.EndRemoteEnded
	}
}

// terminate moves to Ended, releases local resources, optionally clears the
// record and notifies the UI. Only the first call has any effect.
func (s *Session) terminate(reason domain.EndReason, clear bool) {
	if s.ended() {
		return
	}
	from := s.state
	s.state = domain.StateEnded
	s.endReason = reason
	s.endedAt = time.Now()
	s.release()

	if clear && s.published {
		if err := s.m.clearRecord(s.key, s.callID); err != nil {
			s.log.Error("Failed to clear call record", zap.Error(err))
		}
	}

	s.log.Info("Call ended",
		zap.String("from_state", string(from)),
		zap.String("reason", string(reason)),
	)
	ev := s.event(domain.EventCallEnded)
	ev.Reason = reason
	ev.Retryable = s.retryable
	s.m.emit(ev)
	s.m.sessionEnded(s)
}

// abandon ends the session without notifying the UI or touching the record
func (s *Session) abandon(reason domain.EndReason) {
	if s.ended() {
		return
	}
	s.state = domain.StateEnded
	s.endReason = reason
	s.endedAt = time.Now()
	s.release()
	s.m.sessionEnded(s)
}

func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.local != nil {
		s.local.Stop()
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.log.Warn("Engine close failed", zap.Error(err))
		}
	}
}

func (s *Session) openEngine() error {
	engine, err := s.m.engines.NewEngine()
	if err != nil {
		return err
	}
	s.engine = engine

	engine.OnLocalCandidate(func(c domain.ICECandidate) {
		s.m.post(func() { s.onLocalCandidate(c) })
	})
	engine.OnRemoteTrack(func(stream media.RemoteStream) {
		s.m.post(func() { s.onRemoteTrack(stream) })
	})
	engine.OnFailure(func(err error) {
		s.m.post(func() { s.onEngineFailure(err) })
	})
	return nil
}

func (s *Session) setState(state domain.CallState) {
	s.state = state
	s.m.emit(s.event(domain.EventStateChanged))
}

func (s *Session) event(t domain.CallEventType) domain.CallEvent {
	return domain.CallEvent{
		Type:            t,
		ConversationKey: s.key,
		CallID:          s.callID,
		PeerID:          s.peer.ID,
		PeerName:        s.peer.Name,
		MediaKind:       s.kind,
		State:           s.state,
		Timestamp:       time.Now(),
	}
}

func (s *Session) snapshot() domain.CallSnapshot {
	snap := domain.CallSnapshot{
		ConversationKey: s.key,
		CallID:          s.callID,
		PeerID:          s.peer.ID,
		PeerName:        s.peer.Name,
		State:           s.state,
		MediaKind:       s.kind,
		Outgoing:        s.side == domain.SideInitiator,
		RemoteTrack:     s.remoteTrack,
		EndReason:       s.endReason,
	}
	if s.local != nil && !s.ended() {
		snap.AudioEnabled = s.local.Enabled(media.TrackAudio)
		snap.VideoEnabled = s.local.Enabled(media.TrackVideo)
	}
	return snap
}

func (s *Session) callLog() *domain.CallLog {
	entry := &domain.CallLog{
		CallID:          s.callID,
		ConversationKey: s.key,
		MediaKind:       s.kind,
		EndReason:       string(s.endReason),
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
	}
	if s.side == domain.SideInitiator {
		entry.Direction = "outgoing"
		entry.InitiatorID, entry.RecipientID = s.m.self.ID, s.peer.ID
	} else {
		entry.Direction = "incoming"
		entry.InitiatorID, entry.RecipientID = s.peer.ID, s.m.self.ID
	}
	if !s.answeredAt.IsZero() {
		answered := s.answeredAt
		entry.AnsweredAt = &answered
		entry.Duration = int(s.endedAt.Sub(s.answeredAt).Seconds())
	}
	return entry
}
