package engram

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/store"
)

// Operation names carried by change events.
const (
	OpInsert = store.OpInsert
	OpUpdate = store.OpUpdate
	OpDelete = store.OpDelete
)

// DefaultSubscribeBuffer is the channel buffer used when Subscribe is
// called with a non-positive size.
const DefaultSubscribeBuffer = 64

// ChangeEvent describes one committed mutation. Live events are delivered
// before the mutating call returns; the same events persist in the change
// log. Seq is zero on live events and set on events read back with
// Engine.Changes.
type ChangeEvent struct {
	Seq        int64
	Op         string
	Collection string
	RecordID   string
	Epoch      uint64
	At         time.Time
}

func eventFromChange(c store.ChangeRecord) ChangeEvent {
	return ChangeEvent{
		Seq:        c.Seq,
		Op:         c.Op,
		Collection: c.Collection,
		RecordID:   c.RecordID,
		Epoch:      c.Epoch,
		At:         c.At,
	}
}

// Subscribe registers a change event listener with the given channel
// buffer. The returned cancel function unregisters the listener and closes
// the channel. A listener whose buffer is full loses events; the change
// log remains the complete history.
func (e *Engine) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	return e.subs.add(buffer)
}

// Changes reads the durable change log: events with seq greater than
// afterSeq, in seq order, optionally restricted to one collection (empty
// means all). A non-positive limit returns everything.
func (e *Engine) Changes(ctx context.Context, collection string, afterSeq int64, limit int) ([]ChangeEvent, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	recs, err := e.st.Changes(ctx, collection, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ChangeEvent, len(recs))
	for i, rec := range recs {
		out[i] = eventFromChange(rec)
	}
	return out, nil
}

type subscribers struct {
	mu   sync.Mutex
	next int
	m    map[int]chan ChangeEvent
	log  *zap.Logger
}

func newSubscribers(log *zap.Logger) *subscribers {
	return &subscribers{m: make(map[int]chan ChangeEvent), log: log}
}

func (s *subscribers) add(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscribeBuffer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan ChangeEvent, buffer)
	s.m[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.m[id]; ok {
			delete(s.m, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish delivers ev to every subscriber without blocking, so a stalled
// listener cannot stall writers.
func (s *subscribers) publish(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.m {
		select {
		case ch <- ev:
		default:
			s.log.Warn("change event dropped, subscriber buffer full",
				zap.String("collection", ev.Collection),
				zap.String("op", ev.Op),
				zap.String("record", ev.RecordID))
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.m {
		delete(s.m, id)
		close(ch)
	}
}
