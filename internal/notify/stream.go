// ABOUTME: Failure notification stream with bounded, drop-oldest subscriber queues
// ABOUTME: Backend-open failures, attachment failures, and transaction aborts are reported here

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/metrics"
)

// DefaultBuffer is the queue length of each subscriber.
const DefaultBuffer = 64

// Source identifies which part of the core raised a failure.
type Source string

const (
	SourceBackend     Source = "backend"
	SourceAttachment  Source = "attachment"
	SourceTransaction Source = "transaction"
)

// Failure is one diagnostic entry. It is meant for logs and UIs; the core
// never interprets it.
type Failure struct {
	Source  Source
	Message string
	At      time.Time
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Source, f.Message)
}

// Reporter is the write side of the stream. Components depend on this
// rather than on *Stream.
type Reporter interface {
	Report(source Source, err error)
}

type subscriber struct {
	mu sync.Mutex // serializes drop-then-send on ch
	ch chan Failure
}

// Stream fans failures out to subscribers. Report never blocks: when a
// subscriber's queue is full its oldest entry is discarded.
type Stream struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	buffer      int
	metrics     *metrics.Metrics
	logger      *slog.Logger
	closed      bool
}

// NewStream creates a stream whose subscribers queue up to buffer entries.
// buffer <= 0 uses DefaultBuffer. m and logger may be nil.
func NewStream(buffer int, m *metrics.Metrics, logger *slog.Logger) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		subscribers: make(map[string]*subscriber),
		buffer:      buffer,
		metrics:     m,
		logger:      logger.With("component", "notify"),
	}
}

// Subscribe registers a subscriber and returns its channel and id. The
// subscription is removed and its channel closed when ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context) (<-chan Failure, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Failure, s.buffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	s.subscribers[subID] = sub
	s.mu.Unlock()

	s.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		s.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Report publishes err to every subscriber. A nil stream or nil err is ignored.
func (s *Stream) Report(source Source, err error) {
	if s == nil || err == nil {
		return
	}
	f := Failure{Source: source, Message: err.Error(), At: time.Now()}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for id, sub := range s.subscribers {
		if s.deliver(sub, f) {
			s.metrics.NotificationDropped()
			s.logger.Debug("dropped oldest failure for slow subscriber", "sub_id", id)
		}
	}
}

// deliver enqueues f, discarding the oldest entry if the queue is full.
// Reports whether an entry was discarded.
func (s *Stream) deliver(sub *subscriber, f Failure) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	dropped := false
	for {
		select {
		case sub.ch <- f:
			return dropped
		default:
		}
		select {
		case <-sub.ch:
			dropped = true
		default:
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Stream) Unsubscribe(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subID]
	if !ok {
		return
	}
	delete(s.subscribers, subID)
	close(sub.ch)

	s.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later reports are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}

	s.logger.Debug("stream closed")
}

var _ Reporter = (*Stream)(nil)
