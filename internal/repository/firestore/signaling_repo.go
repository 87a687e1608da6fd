// Package firestore stores conversation documents in Cloud Firestore, the
// layout the web client uses: chats/{conversationKey} with the call record
// under the call field.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/signaling"
	"peercall-backend/pkg/logger"
)

const (
	fieldInitiatorCandidates = "initiatorCandidates"
	fieldRecipientCandidates = "recipientCandidates"
)

// SignalingRepository implements signaling.Channel on Firestore
type SignalingRepository struct {
	client     *firestore.Client
	collection string
}

// NewSignalingRepository creates a new SignalingRepository
func NewSignalingRepository(client *firestore.Client, collection string) *SignalingRepository {
	if collection == "" {
		collection = "chats"
	}
	return &SignalingRepository{client: client, collection: collection}
}

func (r *SignalingRepository) doc(key string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(key)
}

// Create writes the call field inside a transaction if it is empty
func (r *SignalingRepository) Create(ctx context.Context, key string, record *domain.CallRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	ref := r.doc(key)

	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.read(tx, ref)
		if err != nil {
			return err
		}
		if current != nil {
			return signaling.ErrRecordExists
		}
		return tx.Set(ref, map[string]interface{}{signaling.FieldCall: data}, firestore.Merge([]string{signaling.FieldCall}))
	})
}

// AppendCandidate adds to the side's array with arrayUnion
func (r *SignalingRepository) AppendCandidate(ctx context.Context, key, callID string, side domain.Side, candidate domain.ICECandidate) error {
	value, err := toMap(candidate)
	if err != nil {
		return err
	}
	field := fieldRecipientCandidates
	if side == domain.SideInitiator {
		field = fieldInitiatorCandidates
	}

	return r.guarded(ctx, key, callID, []firestore.Update{
		{Path: signaling.FieldCall + "." + field, Value: firestore.ArrayUnion(value)},
	})
}

// Answer sets the answer and moves the call to the active phase
func (r *SignalingRepository) Answer(ctx context.Context, key, callID string, answer domain.SessionDescription) error {
	value, err := toMap(answer)
	if err != nil {
		return err
	}
	return r.guarded(ctx, key, callID, []firestore.Update{
		{Path: signaling.FieldCall + ".answer", Value: value},
		{Path: signaling.FieldCall + ".phase", Value: string(domain.PhaseActive)},
	})
}

// Clear deletes the call field
func (r *SignalingRepository) Clear(ctx context.Context, key, callID string) error {
	ref := r.doc(key)
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.read(tx, ref)
		if err != nil {
			return err
		}
		if current == nil || (callID != "" && current.CallID != callID) {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: signaling.FieldCall, Value: firestore.Delete}})
	})
}

// guarded applies updates only while the stored record belongs to callID
func (r *SignalingRepository) guarded(ctx context.Context, key, callID string, updates []firestore.Update) error {
	ref := r.doc(key)
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.read(tx, ref)
		if err != nil {
			return err
		}
		if current == nil || current.CallID != callID {
			return signaling.ErrRecordNotFound
		}
		return tx.Update(ref, updates)
	})
}

func (r *SignalingRepository) read(tx *firestore.Transaction, ref *firestore.DocumentRef) (*domain.CallRecord, error) {
	snap, err := tx.Get(ref)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, fmt.Errorf("failed to read conversation %s: %w", ref.ID, err)
	}
	return recordFromSnapshot(snap)
}

// Get returns the current record or nil
func (r *SignalingRepository) Get(ctx context.Context, key string) (*domain.CallRecord, error) {
	snap, err := r.doc(key).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, fmt.Errorf("failed to read conversation %s: %w", key, err)
	}
	return recordFromSnapshot(snap)
}

// Subscribe follows the document with a snapshot listener. The first
// snapshot reflects the current state.
func (r *SignalingRepository) Subscribe(ctx context.Context, key string, fn signaling.Listener) (signaling.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	it := r.doc(key).Snapshots(subCtx)
	sub := &subscription{iter: it, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for {
			snap, err := it.Next()
			if err != nil {
				if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) || subCtx.Err() != nil {
					return
				}
				logger.Error("Conversation snapshot listener failed",
					zap.String("conversation_key", key),
					zap.Error(err),
				)
				return
			}
			rec, err := recordFromSnapshot(snap)
			if err != nil {
				logger.Warn("Skipping undecodable call record",
					zap.String("conversation_key", key),
					zap.Error(err),
				)
				continue
			}
			fn(rec)
		}
	}()

	return sub, nil
}

type subscription struct {
	once   sync.Once
	iter   *firestore.DocumentSnapshotIterator
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.iter.Stop()
		<-s.done
	})
	return nil
}

func recordFromSnapshot(snap *firestore.DocumentSnapshot) (*domain.CallRecord, error) {
	if snap == nil || !snap.Exists() {
		return nil, nil
	}
	return decodeRecord(snap.Data()[signaling.FieldCall])
}

// encodeRecord converts a record into the map Firestore stores. JSON tags
// define the field names shared with the web client.
func encodeRecord(record *domain.CallRecord) (map[string]interface{}, error) {
	rec := record.Clone()
	if rec.InitiatorCandidates == nil {
		rec.InitiatorCandidates = []domain.ICECandidate{}
	}
	if rec.RecipientCandidates == nil {
		rec.RecipientCandidates = []domain.ICECandidate{}
	}
	return toMap(rec)
}

// decodeRecord accepts the raw call field; nil and absent both mean no call
func decodeRecord(value interface{}) (*domain.CallRecord, error) {
	if value == nil {
		return nil, nil
	}
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("call field has unexpected type %T", value)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call field: %w", err)
	}
	var rec domain.CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode call field: %w", err)
	}
	if rec.CallID == "" {
		return nil, fmt.Errorf("call field has no callId")
	}
	return &rec, nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to convert %T: %w", v, err)
	}
	return out, nil
}

var _ signaling.Channel = (*SignalingRepository)(nil)
