package manager

import (
	"sync"

	"go.uber.org/zap"

	"github.com/spitfire4040/chatcore/internal/metrics"
)

// Broadcaster is a minimal multi-subscriber fan-out channel, the Go
// stand-in for a tokio broadcast channel: every subscriber receives every
// message sent after it subscribes. A subscriber whose bounded buffer is
// full misses the message being sent (already-buffered messages are
// kept); the send is neither retried nor blocks the sender — the
// slow-consumer policy named for room endpoints.
type Broadcaster struct {
	mu       sync.Mutex
	capacity int
	subs     map[uint64]chan []byte
	next     uint64
	log      *zap.Logger
}

// NewBroadcaster creates a Broadcaster whose subscriber channels are
// buffered to capacity.
func NewBroadcaster(capacity int, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		capacity: capacity,
		subs:     make(map[uint64]chan []byte),
		log:      log,
	}
}

// Subscription is a single subscriber's receive end, plus its key for
// Unsubscribe.
type Subscription struct {
	Messages <-chan []byte
	key      uint64
	owner    *Broadcaster
}

// Subscribe registers a new subscriber and returns its receive end.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := b.next
	b.next++
	ch := make(chan []byte, b.capacity)
	b.subs[key] = ch
	return &Subscription{Messages: ch, key: key, owner: b}
}

// Unsubscribe removes the subscription and closes its channel, which a
// forwarder reading from Messages observes as endpoint-closed.
func (s *Subscription) Unsubscribe() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if ch, ok := s.owner.subs[s.key]; ok {
		delete(s.owner.subs, s.key)
		close(ch)
	}
}

// Send delivers data to every current subscriber. A subscriber whose
// buffer is full is skipped (its message is dropped, not queued or
// retried) and the drop is logged and counted.
func (b *Broadcaster) Send(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ch := range b.subs {
		select {
		case ch <- data:
		default:
			metrics.BroadcastLag.Inc()
			b.log.Warn("room subscriber lagging, message dropped", zap.Uint64("subscriber", key))
		}
	}
}

// SubscriberCount reports the number of current subscribers, used only
// for diagnostics/tests.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
