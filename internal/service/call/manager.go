// Package call runs the call lifecycle for one local participant: it watches
// conversation documents, drives call sessions through their state machine
// and reports lifecycle events to the UI layer.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/media"
	"peercall-backend/internal/signaling"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/resilience"
)

// ErrManagerClosed is returned by every operation after Close
var ErrManagerClosed = errors.New("call manager closed")

// CallLogRepository stores the history entry of an ended call
type CallLogRepository interface {
	Create(ctx context.Context, entry *domain.CallLog) error
}

// IncomingCallNotifier wakes the recipient's devices for a new call
type IncomingCallNotifier interface {
	NotifyIncomingCall(ctx context.Context, record *domain.CallRecord) error
}

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	RingTimeout    time.Duration // 0 disables the outgoing ring timeout
	StaleRecordAge time.Duration // unanswered calls of ours older than this may be replaced
	EventBuffer    int
	TombstoneSize  int
	WriteTimeout   time.Duration
	Retry          resilience.Policy
	Backend        string // label for signaling metrics
	CallLog        CallLogRepository
	Notifier       IncomingCallNotifier
}

func (o *Options) setDefaults() {
	if o.StaleRecordAge <= 0 {
		o.StaleRecordAge = 2 * time.Minute
		if o.RingTimeout > o.StaleRecordAge {
			o.StaleRecordAge = o.RingTimeout
		}
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.TombstoneSize <= 0 {
		o.TombstoneSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry = resilience.DefaultPolicy()
	}
	if o.Retry.AttemptTimeout <= 0 {
		o.Retry.AttemptTimeout = o.WriteTimeout
	}
	if o.Backend == "" {
		o.Backend = "memory"
	}
}

// conversation is the manager's view of one conversation document
type conversation struct {
	key     string
	peer    domain.Participant
	sub     signaling.Subscription
	last    *domain.CallRecord
	session *Session
}

// Manager owns every call session of one local participant.
//
// A single loop goroutine runs user commands, subscription deliveries and
// engine callbacks one at a time, so sessions need no locking. Blocking work
// (capture, negotiation, store writes) runs on the loop; anything that
// arrives meanwhile is queued and handled in order afterwards.
type Manager struct {
	self    domain.Participant
	channel signaling.Channel
	engines media.Factory
	opts    Options
	retrier *resilience.Retrier
	events  *eventBroker

	ctx    context.Context
	cancel context.CancelFunc

	inboxMu sync.Mutex
	inbox   []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}

	// loop-owned
	convs      map[string]*conversation
	tombstones *lru.Cache[string, struct{}]
}

// NewManager starts the loop for self
func NewManager(self domain.Participant, channel signaling.Channel, engines media.Factory, opts Options) (*Manager, error) {
	if self.ID == "" {
		return nil, apperrors.MissingFieldError("participant id")
	}
	if self.Name == "" {
		return nil, apperrors.MissingFieldError("participant name")
	}
	if channel == nil || engines == nil {
		return nil, fmt.Errorf("call manager: signaling channel and engine factory are required")
	}
	opts.setDefaults()

	tombstones, err := lru.New[string, struct{}](opts.TombstoneSize)
	if err != nil {
		return nil, fmt.Errorf("call manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		self:       self,
		channel:    channel,
		engines:    engines,
		opts:       opts,
		retrier:    resilience.NewRetrier("signaling_"+opts.Backend, opts.Retry),
		events:     newEventBroker(opts.EventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		convs:      make(map[string]*conversation),
		tombstones: tombstones,
	}

	go m.run()

	return m, nil
}

// Self returns the local participant
func (m *Manager) Self() domain.Participant { return m.self }

// Subscribe returns a channel of call events and a function that stops it
func (m *Manager) Subscribe() (<-chan domain.CallEvent, func()) {
	return m.events.subscribe()
}

// Watch subscribes to the conversation with peer so incoming calls surface.
// It returns the conversation key.
func (m *Manager) Watch(ctx context.Context, peer domain.Participant) (string, error) {
	var key string
	err := m.do(ctx, func() error {
		conv, err := m.watch(peer)
		if err != nil {
			return err
		}
		key = conv.key
		return nil
	})
	return key, err
}

// Unwatch hangs up any live call with peer and stops watching the conversation
func (m *Manager) Unwatch(ctx context.Context, peerID string) error {
	return m.do(ctx, func() error {
		conv, ok := m.convs[peerID]
		if !ok {
			return nil
		}
		if s := conv.session; s != nil {
			s.hangup(domain.EndLocalHangup)
		}
		m.unwatch(conv)
		return nil
	})
}

// PlaceCall starts an outgoing call to peer
func (m *Manager) PlaceCall(ctx context.Context, peer domain.Participant, kind domain.MediaKind) (domain.CallSnapshot, error) {
	if !kind.Valid() {
		return domain.CallSnapshot{}, apperrors.ValidationError("media kind must be audio or video")
	}
	var snap domain.CallSnapshot
	err := m.do(ctx, func() error {
		s, err := m.placeCall(peer, kind)
		if s != nil {
			snap = s.snapshot()
		}
		return err
	})
	return snap, err
}

// AcceptCall answers the ringing call from peerID
func (m *Manager) AcceptCall(ctx context.Context, peerID string) (domain.CallSnapshot, error) {
	var snap domain.CallSnapshot
	err := m.do(ctx, func() error {
		conv, s := m.liveSession(peerID)
		if s == nil {
			return apperrors.CallNotFoundError()
		}
		err := s.accept()
		snap = s.snapshot()
		if err != nil && s.retryable {
			m.considerIncoming(conv)
		}
		return err
	})
	return snap, err
}

// DeclineCall rejects the ringing call from peerID
func (m *Manager) DeclineCall(ctx context.Context, peerID string) error {
	return m.do(ctx, func() error {
		conv, ok := m.convs[peerID]
		if !ok || conv.session == nil {
			return apperrors.CallNotFoundError()
		}
		return conv.session.decline()
	})
}

// EndCall hangs up the call with peerID. Ending an ended or absent call is a no-op.
func (m *Manager) EndCall(ctx context.Context, peerID string) error {
	return m.do(ctx, func() error {
		if _, s := m.liveSession(peerID); s != nil {
			s.hangup(domain.EndLocalHangup)
		}
		return nil
	})
}

// ToggleLocalAudio flips the microphone and returns whether it is now enabled
func (m *Manager) ToggleLocalAudio(ctx context.Context, peerID string) (bool, error) {
	return m.toggle(ctx, peerID, media.TrackAudio)
}

// ToggleLocalVideo flips the camera and returns whether it is now enabled
func (m *Manager) ToggleLocalVideo(ctx context.Context, peerID string) (bool, error) {
	return m.toggle(ctx, peerID, media.TrackVideo)
}

func (m *Manager) toggle(ctx context.Context, peerID string, kind media.TrackKind) (bool, error) {
	var enabled bool
	err := m.do(ctx, func() error {
		_, s := m.liveSession(peerID)
		if s == nil {
			return apperrors.CallNotFoundError()
		}
		var err error
		enabled, err = s.toggle(kind)
		return err
	})
	return enabled, err
}

// State returns the current or most recent call with peerID
func (m *Manager) State(ctx context.Context, peerID string) (domain.CallSnapshot, error) {
	var snap domain.CallSnapshot
	err := m.do(ctx, func() error {
		conv, ok := m.convs[peerID]
		if !ok || conv.session == nil {
			return apperrors.CallNotFoundError()
		}
		snap = conv.session.snapshot()
		return nil
	})
	return snap, err
}

// Calls lists the calls that have not ended
func (m *Manager) Calls(ctx context.Context) ([]domain.CallSnapshot, error) {
	var out []domain.CallSnapshot
	err := m.do(ctx, func() error {
		for _, conv := range m.convs {
			if s := conv.session; s != nil && !s.ended() {
				out = append(out, s.snapshot())
			}
		}
		return nil
	})
	return out, err
}

// Close hangs up live calls, stops all subscriptions and the loop
func (m *Manager) Close(ctx context.Context) error {
	err := m.do(ctx, func() error {
		for _, conv := range m.convs {
			if s := conv.session; s != nil {
				s.hangup(domain.EndShutdown)
			}
			m.unwatch(conv)
		}
		return nil
	})
	if errors.Is(err, ErrManagerClosed) {
		return nil
	}

	m.inboxMu.Lock()
	m.closed = true
	m.inboxMu.Unlock()
	m.cancel()
	<-m.done
	m.events.close()
	return err
}

// -- loop plumbing --

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		for {
			fn := m.next()
			if fn == nil {
				break
			}
			m.runSafely(fn)
		}
	}
}

func (m *Manager) next() func() {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	if len(m.inbox) == 0 {
		return nil
	}
	fn := m.inbox[0]
	m.inbox[0] = nil
	m.inbox = m.inbox[1:]
	return fn
}

func (m *Manager) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic in call manager loop",
				zap.String("user_id", m.self.ID),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// post queues fn for the loop. It never blocks, so engine and store
// callbacks may call it from any goroutine, the loop included.
func (m *Manager) post(fn func()) bool {
	m.inboxMu.Lock()
	if m.closed {
		m.inboxMu.Unlock()
		return false
	}
	m.inbox = append(m.inbox, fn)
	m.inboxMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for its result
func (m *Manager) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	posted := m.post(func() {
		err := error(apperrors.InternalError("call manager operation panicked"))
		defer func() { errc <- err }()
		err = fn()
	})
	if !posted {
		return ErrManagerClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerClosed
	}
}

// -- loop-owned logic --

func (m *Manager) watch(peer domain.Participant) (*conversation, error) {
	if conv, ok := m.convs[peer.ID]; ok {
		if peer.Name != "" {
			conv.peer.Name = peer.Name
		}
		return conv, nil
	}

	key, err := domain.ConversationKey(m.self.ID, peer.ID)
	if err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	conv := &conversation{key: key, peer: peer}
	peerID := peer.ID
	sub, err := m.channel.Subscribe(m.ctx, key, func(rec *domain.CallRecord) {
		m.post(func() { m.onRecord(peerID, rec) })
	})
	if err != nil {
		return nil, apperrors.WrapWithStatus(apperrors.ErrCodeServiceUnavail, "Could not subscribe to conversation", 503, err)
	}
	conv.sub = sub
	m.convs[peer.ID] = conv
	metrics.SignalingSubscriptionsActive.WithLabelValues(m.opts.Backend).Inc()

	logger.Info("Watching conversation",
		zap.String("user_id", m.self.ID),
		zap.String("conversation_key", key),
	)
	return conv, nil
}

func (m *Manager) unwatch(conv *conversation) {
	if conv.sub != nil {
		if err := conv.sub.Close(); err != nil {
			logger.Warn("Failed to close conversation subscription",
				zap.String("conversation_key", conv.key),
				zap.Error(err),
			)
		}
		metrics.SignalingSubscriptionsActive.WithLabelValues(m.opts.Backend).Dec()
	}
	delete(m.convs, conv.peer.ID)
}

func (m *Manager) liveSession(peerID string) (*conversation, *Session) {
	conv, ok := m.convs[peerID]
	if !ok || conv.session == nil || conv.session.ended() {
		return conv, nil
	}
	return conv, conv.session
}

func (m *Manager) placeCall(peer domain.Participant, kind domain.MediaKind) (*Session, error) {
	conv, err := m.watch(peer)
	if err != nil {
		return nil, err
	}

	if s := conv.session; s != nil && !s.ended() {
		if s.state == domain.StateIncomingRinging {
			// The peer's call reached us first; take it
			m.recordGlare(s)
			return s, s.accept()
		}
		return s, apperrors.CallInProgressError()
	}

	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		s := newOutgoingSession(m, conv.key, conv.peer, kind)
		conv.session = s

		err := s.place()
		if err == nil {
			m.startRingTimer(s)
			return s, nil
		}
		if !errors.Is(err, errRecordConflict) {
			return s, err
		}

		existing, getErr := m.channel.Get(m.ctx, conv.key)
		if getErr != nil {
			s.retryable = true
			s.terminate(domain.EndSignalingFailure, false)
			return s, apperrors.SignalingWriteError(getErr, true)
		}

		switch {
		case existing == nil:
			// Cleared between our create and read
			s.abandon(domain.EndSuperseded)

		case m.isIncomingFrom(existing, conv.peer.ID) && !m.tombstoned(existing.CallID):
			s.abandon(domain.EndGlare)
			in := newIncomingSession(m, conv.key, existing, false)
			conv.session = in
			conv.last = existing
			m.recordGlare(in)
			return in, in.accept()

		case m.tombstoned(existing.CallID) || m.abandonedRinging(existing):
			// Leftover from one of our earlier calls
			s.abandon(domain.EndSuperseded)
			logger.Warn("Clearing stale call record",
				zap.String("conversation_key", conv.key),
				zap.String("stale_call_id", existing.CallID),
			)
			if err := m.clearRecord(conv.key, existing.CallID); err != nil {
				return s, apperrors.SignalingWriteError(err, true)
			}

		default:
			s.terminate(domain.EndBusy, false)
			return s, apperrors.CallInProgressError()
		}
	}
	return conv.session, apperrors.CallInProgressError()
}

// abandonedRinging reports whether rec is a ringing call of ours that nobody
// can still be working on. Records from another device of ours are left
// alone until they are older than StaleRecordAge.
func (m *Manager) abandonedRinging(rec *domain.CallRecord) bool {
	if rec.Initiator != m.self.ID || rec.Phase != domain.PhaseRinging || rec.Answer != nil {
		return false
	}
	return time.Since(time.UnixMilli(rec.CreatedAt)) > m.opts.StaleRecordAge
}

func (m *Manager) isIncomingFrom(rec *domain.CallRecord, peerID string) bool {
	return rec.Recipient == m.self.ID &&
		rec.Initiator == peerID &&
		rec.Phase == domain.PhaseRinging &&
		rec.Answer == nil &&
		rec.Offer != nil
}

func (m *Manager) recordGlare(s *Session) {
	metrics.CallGlareTotal.Inc()
	s.log.Info("Simultaneous call resolved by accepting peer's call")
	m.emit(s.event(domain.EventGlare))
}

// onRecord routes a delivered record to the conversation's session
func (m *Manager) onRecord(peerID string, rec *domain.CallRecord) {
	conv, ok := m.convs[peerID]
	if !ok {
		return
	}
	conv.last = rec
	if rec != nil && rec.Initiator == peerID && rec.InitiatorName != "" {
		conv.peer.Name = rec.InitiatorName
	}

	if s := conv.session; s != nil && !s.ended() {
		s.observe(rec)
	}
	m.considerIncoming(conv)
}

// considerIncoming surfaces the last seen record as an incoming call when
// nothing else is going on in the conversation
func (m *Manager) considerIncoming(conv *conversation) {
	if s := conv.session; s != nil && !s.ended() {
		return
	}
	rec := conv.last
	if rec == nil || !m.isIncomingFrom(rec, conv.peer.ID) {
		return
	}
	if m.tombstoned(rec.CallID) {
		logger.Debug("Ignoring stale call record",
			zap.String("conversation_key", conv.key),
			zap.String("call_id", rec.CallID),
		)
		return
	}

	s := newIncomingSession(m, conv.key, rec, true)
	conv.session = s
	metrics.CallIncomingTotal.WithLabelValues(string(rec.MediaKind)).Inc()
	s.log.Info("Incoming call", zap.String("initiator", rec.Initiator))
	m.emit(s.event(domain.EventIncomingCall))
}

func (m *Manager) startRingTimer(s *Session) {
	if m.opts.RingTimeout <= 0 {
		return
	}
	s.ringTimer = time.AfterFunc(m.opts.RingTimeout, func() {
		m.post(func() {
			if s.state == domain.StateOutgoingRinging {
				s.hangup(domain.EndTimeout)
			}
		})
	})
}

func (m *Manager) tombstoned(callID string) bool {
	return m.tombstones.Contains(callID)
}

// sessionEnded runs once per session after it reached Ended
func (m *Manager) sessionEnded(s *Session) {
	metrics.CallSessionsActive.Dec()
	metrics.CallEndedTotal.WithLabelValues(string(s.endReason)).Inc()

	// A retryable failure leaves the record for the user to try again
	if !s.retryable {
		m.tombstones.Add(s.callID, struct{}{})
	}

	if m.opts.CallLog != nil && s.published {
		entry := s.callLog()
		repo := m.opts.CallLog
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
			defer cancel()
			if err := repo.Create(ctx, entry); err != nil {
				logger.Warn("Failed to write call log",
					zap.String("call_id", entry.CallID),
					zap.Error(err),
				)
			}
		}()
	}
}

func (m *Manager) notifyIncoming(rec *domain.CallRecord) {
	if m.opts.Notifier == nil {
		return
	}
	notifier := m.opts.Notifier
	record := rec.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
		defer cancel()
		if err := notifier.NotifyIncomingCall(ctx, record); err != nil {
			metrics.CallPushTotal.WithLabelValues("failure").Inc()
			logger.Warn("Incoming call push failed",
				zap.String("call_id", record.CallID),
				zap.Error(err),
			)
			return
		}
		metrics.CallPushTotal.WithLabelValues("success").Inc()
	}()
}

func (m *Manager) emit(ev domain.CallEvent) {
	m.events.publish(ev)
}

// -- signaling writes --

func (m *Manager) timed(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.SignalingOperationDuration.WithLabelValues(m.opts.Backend, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SignalingErrorsTotal.WithLabelValues(m.opts.Backend, operation).Inc()
	}
	return err
}

// createRecord retries transient failures. A retry that finds its own
// earlier write counts as success.
func (m *Manager) createRecord(key string, rec *domain.CallRecord) error {
	return m.timed("create", func() error {
		return m.retrier.Execute(m.ctx, "create", func(ctx context.Context) error {
			err := m.channel.Create(ctx, key, rec)
			if errors.Is(err, signaling.ErrRecordExists) {
				if existing, getErr := m.channel.Get(ctx, key); getErr == nil && existing != nil && existing.CallID == rec.CallID {
					return nil
				}
				return resilience.Permanent(err)
			}
			return err
		})
	})
}

func (m *Manager) appendCandidate(key, callID string, side domain.Side, c domain.ICECandidate) error {
	return m.timed("append_candidate", func() error {
		return m.retrier.Execute(m.ctx, "append_candidate", func(ctx context.Context) error {
			err := m.channel.AppendCandidate(ctx, key, callID, side, c)
			if errors.Is(err, signaling.ErrRecordNotFound) {
				return resilience.Permanent(err)
			}
			return err
		})
	})
}

func (m *Manager) clearRecord(key, callID string) error {
	return m.timed("clear", func() error {
		return m.retrier.Execute(m.ctx, "clear", func(ctx context.Context) error {
			return m.channel.Clear(ctx, key, callID)
		})
	})
}

// writeAnswer is attempted once; the caller surfaces failure to the user
func (m *Manager) writeAnswer(key, callID string, answer domain.SessionDescription) error {
	return m.timed("answer", func() error {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.WriteTimeout)
		defer cancel()
		return m.channel.Answer(ctx, key, callID, answer)
	})
}
