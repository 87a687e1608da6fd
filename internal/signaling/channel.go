// Package signaling exposes the `call` field of a shared conversation
// document as a narrow read/write/subscribe channel. Backends live under
// internal/repository; the in-memory channel here serves tests and
// single-process deployments.
package signaling

import (
	"context"
	"errors"

	"peercall-backend/internal/domain"
)

// FieldCall is the document field holding the call record
const FieldCall = "call"

var (
	// ErrRecordExists is returned by Create when the conversation already has a call record
	ErrRecordExists = errors.New("signaling: call record already exists")
	// ErrRecordNotFound is returned when the record is absent or belongs to another call
	ErrRecordNotFound = errors.New("signaling: call record not found")
)

// Listener receives the full call record on every change, nil when cleared.
// Calls for one subscription are serialized.
type Listener func(record *domain.CallRecord)

// Subscription stops delivery when closed
type Subscription interface {
	Close() error
}

// Channel reads and writes the call record of conversation documents.
// Writes touch only the call field; all other document fields are left alone.
type Channel interface {
	// Create writes record iff the conversation has no call record.
	Create(ctx context.Context, key string, record *domain.CallRecord) error
	// AppendCandidate atomically appends to side's candidate sequence of callID.
	AppendCandidate(ctx context.Context, key, callID string, side domain.Side, candidate domain.ICECandidate) error
	// Answer sets the answer and phase=active on the record of callID.
	Answer(ctx context.Context, key, callID string, answer domain.SessionDescription) error
	// Clear removes the call record. An empty callID clears whatever is there;
	// otherwise only the record of callID is cleared. Clearing an absent
	// record is not an error.
	Clear(ctx context.Context, key, callID string) error
	// Get returns the current record or nil.
	Get(ctx context.Context, key string) (*domain.CallRecord, error)
	// Subscribe delivers the current record and then every change, in store
	// write order, until ctx is done or the subscription is closed.
	Subscribe(ctx context.Context, key string, fn Listener) (Subscription, error)
}
