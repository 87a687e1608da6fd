package signaling

import (
	"context"
	"sync"
	"time"

	"peercall-backend/internal/domain"
)

// MemoryChannel keeps conversation documents in process memory
type MemoryChannel struct {
	mu     sync.Mutex
	docs   map[string]*memoryDoc
	nextID int
}

type memoryDoc struct {
	call   *domain.CallRecord
	fields map[string]any
	subs   map[int]*mailbox
}

// NewMemoryChannel creates an empty in-memory store
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{docs: make(map[string]*memoryDoc)}
}

// doc must be called with mu held
func (m *MemoryChannel) doc(key string) *memoryDoc {
	d, ok := m.docs[key]
	if !ok {
		d = &memoryDoc{fields: make(map[string]any), subs: make(map[int]*mailbox)}
		m.docs[key] = d
	}
	return d
}

// publish must be called with mu held so mailboxes see write order
func (d *memoryDoc) publish() {
	for _, mb := range d.subs {
		mb.push(d.call.Clone())
	}
}

func (m *MemoryChannel) Create(ctx context.Context, key string, record *domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.doc(key)
	if d.call != nil {
		return ErrRecordExists
	}
	rec := record.Clone()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	d.call = rec
	d.publish()
	return nil
}

func (m *MemoryChannel) AppendCandidate(ctx context.Context, key, callID string, side domain.Side, candidate domain.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.doc(key)
	if d.call == nil || d.call.CallID != callID {
		return ErrRecordNotFound
	}
	switch side {
	case domain.SideInitiator:
		d.call.InitiatorCandidates = append(d.call.InitiatorCandidates, candidate)
	default:
		d.call.RecipientCandidates = append(d.call.RecipientCandidates, candidate)
	}
	d.publish()
	return nil
}

func (m *MemoryChannel) Answer(ctx context.Context, key, callID string, answer domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.doc(key)
	if d.call == nil || d.call.CallID != callID || d.call.Offer == nil {
		return ErrRecordNotFound
	}
	d.call.Answer = &answer
	d.call.Phase = domain.PhaseActive
	d.publish()
	return nil
}

func (m *MemoryChannel) Clear(ctx context.Context, key, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.doc(key)
	if d.call == nil || (callID != "" && d.call.CallID != callID) {
		return nil
	}
	d.call = nil
	d.publish()
	return nil
}

func (m *MemoryChannel) Get(ctx context.Context, key string) (*domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc(key).call.Clone(), nil
}

func (m *MemoryChannel) Subscribe(ctx context.Context, key string, fn Listener) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	d := m.doc(key)
	id := m.nextID
	m.nextID++
	mb := newMailbox()
	d.subs[id] = mb
	mb.push(d.call.Clone())
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		mb.drain(subCtx, fn)
		m.mu.Lock()
		delete(d.subs, id)
		m.mu.Unlock()
	}()
	return sub, nil
}

// SetField writes a non-call field, standing in for the chat features that
// share the document.
func (m *MemoryChannel) SetField(key, field string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc(key).fields[field] = value
}

// Field reads a non-call field
func (m *MemoryChannel) Field(key, field string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.doc(key).fields[field]
	return v, ok
}

type memorySubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops delivery and waits for an in-flight listener call to return
func (s *memorySubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// mailbox is an unbounded FIFO so writers never block on slow listeners
type mailbox struct {
	mu     sync.Mutex
	queue  []*domain.CallRecord
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (mb *mailbox) push(rec *domain.CallRecord) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, rec)
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (mb *mailbox) drain(ctx context.Context, fn Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-mb.notify:
		}
		for {
			mb.mu.Lock()
			if len(mb.queue) == 0 {
				mb.mu.Unlock()
				break
			}
			rec := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			fn(rec)
		}
	}
}
