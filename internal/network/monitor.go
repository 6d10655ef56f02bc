// Package network abstracts the connectivity signal the sync coordinator
// reacts to. The engine never probes the network itself; something at the
// application edge feeds state changes into a Switch.
package network

import (
	"sync"

	"github.com/rs/zerolog"
)

// Monitor exposes the current connectivity state and change notifications.
type Monitor interface {
	IsOnline() bool
	// Subscribe registers a listener for state changes. The returned func
	// removes it. Listeners must not block.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Switch is a Monitor fed by explicit SetOnline calls.
type Switch struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func NewSwitch(initiallyOnline bool, logger zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "network").Logger(),
		online: initiallyOnline,
		subs:   make(map[int]func(bool)),
	}
}

func (s *Switch) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *Switch) Subscribe(fn func(online bool)) func() {
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

// SetOnline updates the state and notifies listeners on an actual change.
// Listener panics are recovered so a bad subscriber cannot poison the signal.
func (s *Switch) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	s.logger.Info().Bool("online", online).Msg("connectivity changed")

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Msg("network listener panicked")
				}
			}()
			fn(online)
		}()
	}
}
