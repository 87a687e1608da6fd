package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
	"peercall-backend/internal/signaling"
	"peercall-backend/pkg/logger"
)

// Conversation documents are hashes at {prefix}:{conversationKey}. The call
// record lives in the call, call:id, call:answer and call:phase fields so the
// Lua scripts can guard writes without decoding JSON. Candidates of a call
// are lists at {hash}:call:{callId}:{side}. Every write publishes the call id
// on {hash}:events; subscribers re-read the record on each message.

var createScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'call:id') == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'call', ARGV[2], 'call:id', ARGV[1], 'call:phase', ARGV[3])
redis.call('PUBLISH', KEYS[2], ARGV[1])
return 1
`)

var appendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'call:id') ~= ARGV[1] then
  return 0
end
redis.call('RPUSH', KEYS[3], ARGV[2])
redis.call('PUBLISH', KEYS[2], ARGV[1])
return 1
`)

var answerScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'call:id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'call:answer', ARGV[2], 'call:phase', ARGV[3])
redis.call('PUBLISH', KEYS[2], ARGV[1])
return 1
`)

var clearScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'call:id')
if not current then
  return 0
end
if ARGV[1] ~= '' and current ~= ARGV[1] then
  return 0
end
redis.call('HDEL', KEYS[1], 'call', 'call:id', 'call:answer', 'call:phase')
redis.call('DEL', KEYS[1] .. ':call:' .. current .. ':initiator', KEYS[1] .. ':call:' .. current .. ':recipient')
redis.call('PUBLISH', KEYS[2], current)
return 1
`)

var readScript = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'call', 'call:id', 'call:answer', 'call:phase')
if not fields[2] then
  return {false, false, false, false, {}, {}}
end
local prefix = KEYS[1] .. ':call:' .. fields[2]
local initiator = redis.call('LRANGE', prefix .. ':initiator', 0, -1)
local recipient = redis.call('LRANGE', prefix .. ':recipient', 0, -1)
return {fields[1], fields[2], fields[3], fields[4], initiator, recipient}
`)

// SignalingRepository implements signaling.Channel on Redis
type SignalingRepository struct {
	client *database.RedisClient
	prefix string
}

// NewSignalingRepository creates a new SignalingRepository
func NewSignalingRepository(client *database.RedisClient, prefix string) *SignalingRepository {
	if prefix == "" {
		prefix = "chats"
	}
	return &SignalingRepository{client: client, prefix: prefix}
}

func (r *SignalingRepository) docKey(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

func (r *SignalingRepository) eventsKey(key string) string {
	return r.docKey(key) + ":events"
}

func (r *SignalingRepository) candidatesKey(key, callID string, side domain.Side) string {
	return fmt.Sprintf("%s:call:%s:%s", r.docKey(key), callID, side)
}

// Create writes the record if the conversation has none
func (r *SignalingRepository) Create(ctx context.Context, key string, record *domain.CallRecord) error {
	base := record.Clone()
	base.Answer = nil
	base.InitiatorCandidates = nil
	base.RecipientCandidates = nil
	payload, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("failed to encode call record: %w", err)
	}

	created, err := r.client.SafeEval(ctx, createScript,
		[]string{r.docKey(key), r.eventsKey(key)},
		record.CallID, string(payload), string(domain.PhaseRinging),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	if created == 0 {
		return signaling.ErrRecordExists
	}

	// Candidates collected before the record existed
	for _, side := range []domain.Side{domain.SideInitiator, domain.SideRecipient} {
		for _, c := range record.Candidates(side) {
			if err := r.AppendCandidate(ctx, key, record.CallID, side, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendCandidate pushes onto the candidate list of callID
func (r *SignalingRepository) AppendCandidate(ctx context.Context, key, callID string, side domain.Side, candidate domain.ICECandidate) error {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to encode candidate: %w", err)
	}
	ok, err := r.client.SafeEval(ctx, appendScript,
		[]string{r.docKey(key), r.eventsKey(key), r.candidatesKey(key, callID, side)},
		callID, string(payload),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to append candidate: %w", err)
	}
	if ok == 0 {
		return signaling.ErrRecordNotFound
	}
	return nil
}

// Answer stores the answer and marks the call active
func (r *SignalingRepository) Answer(ctx context.Context, key, callID string, answer domain.SessionDescription) error {
	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to encode answer: %w", err)
	}
	ok, err := r.client.SafeEval(ctx, answerScript,
		[]string{r.docKey(key), r.eventsKey(key)},
		callID, string(payload), string(domain.PhaseActive),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to write answer: %w", err)
	}
	if ok == 0 {
		return signaling.ErrRecordNotFound
	}
	return nil
}

// Clear removes the call fields and candidate lists
func (r *SignalingRepository) Clear(ctx context.Context, key, callID string) error {
	err := r.client.SafeEval(ctx, clearScript,
		[]string{r.docKey(key), r.eventsKey(key)},
		callID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear call record: %w", err)
	}
	return nil
}

// Get reads the record and both candidate lists atomically
func (r *SignalingRepository) Get(ctx context.Context, key string) (*domain.CallRecord, error) {
	vals, err := r.client.SafeEval(ctx, readScript, []string{r.docKey(key)}).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to read call record: %w", err)
	}
	return decodeRecord(vals)
}

// decodeRecord turns the read script reply into a record
func decodeRecord(vals []interface{}) (*domain.CallRecord, error) {
	if len(vals) != 6 {
		return nil, fmt.Errorf("unexpected call record reply of length %d", len(vals))
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, nil
	}

	var rec domain.CallRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode call record: %w", err)
	}
	if answer, ok := vals[2].(string); ok {
		var desc domain.SessionDescription
		if err := json.Unmarshal([]byte(answer), &desc); err != nil {
			return nil, fmt.Errorf("failed to decode answer: %w", err)
		}
		rec.Answer = &desc
	}
	if phase, ok := vals[3].(string); ok {
		rec.Phase = domain.CallPhase(phase)
	}

	var err error
	if rec.InitiatorCandidates, err = decodeCandidates(vals[4]); err != nil {
		return nil, err
	}
	if rec.RecipientCandidates, err = decodeCandidates(vals[5]); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeCandidates(v interface{}) ([]domain.ICECandidate, error) {
	items, _ := v.([]interface{})
	out := make([]domain.ICECandidate, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected candidate entry %T", item)
		}
		var c domain.ICECandidate
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			return nil, fmt.Errorf("failed to decode candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Subscribe listens on the conversation's events channel and re-reads the
// record on every message. Bursts may be coalesced into one delivery.
func (r *SignalingRepository) Subscribe(ctx context.Context, key string, fn signaling.Listener) (signaling.Subscription, error) {
	pubsub := r.client.SafeSubscribe(ctx, r.eventsKey(key))
	if pubsub == nil {
		return nil, database.ErrDegraded
	}
	// Wait for confirmation so no write between here and the read is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.eventsKey(key), err)
	}

	initial, err := r.Get(ctx, key)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		fn(initial)

		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				// Skip messages already covered by the next read
				drain(messages)
				rec, err := r.Get(subCtx, key)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					logger.Warn("Failed to re-read call record",
						zap.String("conversation_key", key),
						zap.Error(err),
					)
					continue
				}
				fn(rec)
			}
		}
	}()

	return sub, nil
}

func drain(messages <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

type subscription struct {
	once   sync.Once
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Close stops delivery and waits for an in-flight listener call
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}

var _ signaling.Channel = (*SignalingRepository)(nil)
