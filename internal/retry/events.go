package retry

import (
	"sync"
	"time"

	"salesync/internal/syncerr"

	"github.com/rs/zerolog"
)

// EventType identifies a point in a retried operation's lifecycle.
type EventType string

const (
	EventStarted EventType = "retry_started"
	EventAttempt EventType = "attempt"
	EventSuccess EventType = "success"
	EventFailed  EventType = "failed"
	EventGaveUp  EventType = "gave_up"
)

// Event is delivered to subscribers on every lifecycle transition.
type Event struct {
	Type      EventType
	Operation string
	Attempt   int
	Reason    syncerr.Reason
	Err       error
	Delay     time.Duration
	Time      time.Time
}

// Listener receives retry events. Listeners must not block.
type Listener func(Event)

type subscribers struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Listener
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]Listener)}
}

// add registers a listener and returns an unsubscribe func. Unsubscribing
// twice is a no-op.
func (s *subscribers) add(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// emit delivers the event to all listeners. A panicking listener is logged
// and skipped; it never aborts the operation being retried.
func (s *subscribers) emit(logger zerolog.Logger, e Event) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("retry event listener panicked")
				}
			}()
			fn(e)
		}()
	}
}
