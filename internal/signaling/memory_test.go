package signaling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
)

const testKey = "alice_bob"

func newRecord(callID string) *domain.CallRecord {
	return &domain.CallRecord{
		CallID:        callID,
		Initiator:     "alice",
		InitiatorName: "Alice",
		Recipient:     "bob",
		MediaKind:     domain.MediaAudio,
		Phase:         domain.PhaseRinging,
		Offer:         &domain.SessionDescription{Type: "offer", SDP: "v=0"},
	}
}

func TestMemoryChannel_CreateIsConditional(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	require.NoError(t, ch.Create(ctx, testKey, newRecord("c1")))
	err := ch.Create(ctx, testKey, newRecord("c2"))
	assert.ErrorIs(t, err, ErrRecordExists)

	rec, err := ch.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.CallID)
	assert.NotZero(t, rec.CreatedAt)
}

func TestMemoryChannel_AnswerRequiresMatchingCall(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	answer := domain.SessionDescription{Type: "answer", SDP: "v=0"}

	assert.ErrorIs(t, ch.Answer(ctx, testKey, "c1", answer), ErrRecordNotFound)

	require.NoError(t, ch.Create(ctx, testKey, newRecord("c1")))
	assert.ErrorIs(t, ch.Answer(ctx, testKey, "other", answer), ErrRecordNotFound)
	require.NoError(t, ch.Answer(ctx, testKey, "c1", answer))

	rec, _ := ch.Get(ctx, testKey)
	assert.Equal(t, domain.PhaseActive, rec.Phase)
	assert.Equal(t, "answer", rec.Answer.Type)
}

func TestMemoryChannel_ClearSemantics(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	// Absent record
	assert.NoError(t, ch.Clear(ctx, testKey, "c1"))

	require.NoError(t, ch.Create(ctx, testKey, newRecord("c1")))
	// Another call's clear leaves the record in place
	require.NoError(t, ch.Clear(ctx, testKey, "stale"))
	rec, _ := ch.Get(ctx, testKey)
	require.NotNil(t, rec)

	require.NoError(t, ch.Clear(ctx, testKey, "c1"))
	rec, _ = ch.Get(ctx, testKey)
	assert.Nil(t, rec)

	require.NoError(t, ch.Create(ctx, testKey, newRecord("c2")))
	require.NoError(t, ch.Clear(ctx, testKey, ""))
	rec, _ = ch.Get(ctx, testKey)
	assert.Nil(t, rec)
}

func TestMemoryChannel_ConcurrentAppendsAreNotLost(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	require.NoError(t, ch.Create(ctx, testKey, newRecord("c1")))

	const perSide = 50
	var wg sync.WaitGroup
	for _, side := range []domain.Side{domain.SideInitiator, domain.SideRecipient} {
		wg.Add(1)
		go func(side domain.Side) {
			defer wg.Done()
			for i := 0; i < perSide; i++ {
				c := domain.ICECandidate{Candidate: fmt.Sprintf("%s-%d", side, i)}
				assert.NoError(t, ch.AppendCandidate(ctx, testKey, "c1", side, c))
			}
		}(side)
	}
	wg.Wait()

	rec, _ := ch.Get(ctx, testKey)
	require.Len(t, rec.InitiatorCandidates, perSide)
	require.Len(t, rec.RecipientCandidates, perSide)
	for i := 0; i < perSide; i++ {
		assert.Equal(t, fmt.Sprintf("initiator-%d", i), rec.InitiatorCandidates[i].Candidate)
		assert.Equal(t, fmt.Sprintf("recipient-%d", i), rec.RecipientCandidates[i].Candidate)
	}
}

func TestMemoryChannel_AppendToMissingRecord(t *testing.T) {
	ch := NewMemoryChannel()
	err := ch.AppendCandidate(context.Background(), testKey, "c1", domain.SideInitiator, domain.ICECandidate{Candidate: "x"})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryChannel_SubscribeDeliversInWriteOrder(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []*domain.CallRecord
	sub, err := ch.Subscribe(ctx, testKey, func(rec *domain.CallRecord) {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, ch.Create(ctx, testKey, newRecord("c1")))
	require.NoError(t, ch.AppendCandidate(ctx, testKey, "c1", domain.SideInitiator, domain.ICECandidate{Candidate: "a"}))
	require.NoError(t, ch.Answer(ctx, testKey, "c1", domain.SessionDescription{Type: "answer"}))
	require.NoError(t, ch.Clear(ctx, testKey, "c1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Nil(t, seen[0], "initial snapshot of an empty document")
	assert.Equal(t, domain.PhaseRinging, seen[1].Phase)
	assert.Len(t, seen[2].InitiatorCandidates, 1)
	assert.Equal(t, domain.PhaseActive, seen[3].Phase)
	assert.Nil(t, seen[4])
}

func TestMemoryChannel_OtherFieldsUntouched(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	ch.SetField(testKey, "typing", map[string]bool{"alice": true})

	require.NoError(t, ch.Create(ctx, testKey, newRecord("c1")))
	require.NoError(t, ch.Clear(ctx, testKey, "c1"))

	v, ok := ch.Field(testKey, "typing")
	require.True(t, ok)
	assert.Equal(t, map[string]bool{"alice": true}, v)
}

func TestMemoryChannel_CloseStopsDelivery(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	sub, err := ch.Subscribe(ctx, testKey, func(*domain.CallRecord) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, ch.Create(ctx, testKey, newRecord("c1")))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
