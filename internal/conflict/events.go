package conflict

import (
	"sync"
	"time"

	"salesync/internal/models"

	"github.com/rs/zerolog"
)

// EventType identifies a conflict lifecycle transition.
type EventType string

const (
	EventDetected  EventType = "conflict_detected"
	EventResolved  EventType = "conflict_resolved"
	EventEscalated EventType = "conflict_escalated"
	EventFailed    EventType = "conflict_failed"
)

// Event is delivered to subscribers whenever a conflict changes state.
type Event struct {
	Type     EventType
	Conflict *models.Conflict
	Strategy models.ResolutionStrategy
	Err      error
	Time     time.Time
}

// Listener receives conflict events. Listeners must not block.
type Listener func(Event)

type subscribers struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Listener
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]Listener)}
}

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

// emit delivers the event to all listeners, recovering listener panics so a
// bad subscriber never breaks conflict processing.
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
					logger.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("conflict event listener panicked")
				}
			}()
			fn(e)
		}()
	}
}
