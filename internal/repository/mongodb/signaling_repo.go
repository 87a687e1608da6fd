// Package mongodb stores conversation documents in a MongoDB collection,
// one document per conversation keyed by the conversation key.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/signaling"
	"peercall-backend/pkg/logger"
)

const (
	fieldCallID              = signaling.FieldCall + ".callId"
	fieldOffer               = signaling.FieldCall + ".offer"
	fieldAnswer              = signaling.FieldCall + ".answer"
	fieldPhase               = signaling.FieldCall + ".phase"
	fieldInitiatorCandidates = signaling.FieldCall + ".initiatorCandidates"
	fieldRecipientCandidates = signaling.FieldCall + ".recipientCandidates"
)

// conversationDoc is the part of a conversation document this package reads
type conversationDoc struct {
	ID   string             `bson:"_id"`
	Call *domain.CallRecord `bson:"call,omitempty"`
}

// SignalingRepository implements signaling.Channel on MongoDB
type SignalingRepository struct {
	coll *mongo.Collection
}

// NewSignalingRepository creates a new SignalingRepository
func NewSignalingRepository(coll *mongo.Collection) *SignalingRepository {
	return &SignalingRepository{coll: coll}
}

// Create sets the call field if it is empty, upserting the document.
// A populated call field makes the upsert collide on _id.
func (r *SignalingRepository) Create(ctx context.Context, key string, record *domain.CallRecord) error {
	rec := record.Clone()
	if rec.InitiatorCandidates == nil {
		rec.InitiatorCandidates = []domain.ICECandidate{}
	}
	if rec.RecipientCandidates == nil {
		rec.RecipientCandidates = []domain.ICECandidate{}
	}

	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: signaling.FieldCall, Value: nil}, // matches null and absent
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: signaling.FieldCall, Value: rec}}}}

	_, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return signaling.ErrRecordExists
		}
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// AppendCandidate pushes onto the side's candidate array of callID
func (r *SignalingRepository) AppendCandidate(ctx context.Context, key, callID string, side domain.Side, candidate domain.ICECandidate) error {
	field := fieldRecipientCandidates
	if side == domain.SideInitiator {
		field = fieldInitiatorCandidates
	}
	result, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: key}, {Key: fieldCallID, Value: callID}},
		bson.D{{Key: "$push", Value: bson.D{{Key: field, Value: candidate}}}},
	)
	if err != nil {
		return fmt.Errorf("failed to append candidate: %w", err)
	}
	if result.MatchedCount == 0 {
		return signaling.ErrRecordNotFound
	}
	return nil
}

// Answer stores the answer and marks the call active
func (r *SignalingRepository) Answer(ctx context.Context, key, callID string, answer domain.SessionDescription) error {
	result, err := r.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: key},
			{Key: fieldCallID, Value: callID},
			{Key: fieldOffer, Value: bson.D{{Key: "$exists", Value: true}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: fieldAnswer, Value: answer},
			{Key: fieldPhase, Value: domain.PhaseActive},
		}}},
	)
	if err != nil {
		return fmt.Errorf("failed to write answer: %w", err)
	}
	if result.MatchedCount == 0 {
		return signaling.ErrRecordNotFound
	}
	return nil
}

// Clear unsets the call field
func (r *SignalingRepository) Clear(ctx context.Context, key, callID string) error {
	filter := bson.D{{Key: "_id", Value: key}}
	if callID != "" {
		filter = append(filter, bson.E{Key: fieldCallID, Value: callID})
	}
	_, err := r.coll.UpdateOne(ctx, filter, bson.D{{Key: "$unset", Value: bson.D{{Key: signaling.FieldCall, Value: ""}}}})
	if err != nil {
		return fmt.Errorf("failed to clear call record: %w", err)
	}
	return nil
}

// Get returns the current record or nil
func (r *SignalingRepository) Get(ctx context.Context, key string) (*domain.CallRecord, error) {
	var doc conversationDoc
	err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation %s: %w", key, err)
	}
	return doc.Call, nil
}

// Subscribe opens a change stream on the document before reading it, so no
// write between the read and the first event is lost.
func (r *SignalingRepository) Subscribe(ctx context.Context, key string, fn signaling.Listener) (signaling.Subscription, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: key}}}},
	}
	cs, err := r.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream for %s: %w", key, err)
	}

	initial, err := r.Get(ctx, key)
	if err != nil {
		_ = cs.Close(context.Background())
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{stream: cs, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		fn(initial)

		for cs.Next(subCtx) {
			rec, err := decodeChange(cs.Current)
			if err != nil {
				logger.Warn("Skipping undecodable change event",
					zap.String("conversation_key", key),
					zap.Error(err),
				)
				continue
			}
			fn(rec)
		}
		if err := cs.Err(); err != nil && subCtx.Err() == nil {
			logger.Error("Conversation change stream failed",
				zap.String("conversation_key", key),
				zap.Error(err),
			)
		}
	}()

	return sub, nil
}

// changeEvent is the subset of a change stream event used here
type changeEvent struct {
	OperationType string           `bson:"operationType"`
	FullDocument  *conversationDoc `bson:"fullDocument"`
}

func decodeChange(raw bson.Raw) (*domain.CallRecord, error) {
	var ev changeEvent
	if err := bson.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}
	if ev.OperationType == "delete" || ev.FullDocument == nil {
		return nil, nil
	}
	return ev.FullDocument.Call, nil
}

type subscription struct {
	once   sync.Once
	stream *mongo.ChangeStream
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.stream.Close(context.Background())
	})
	return s.err
}

var _ signaling.Channel = (*SignalingRepository)(nil)
