// Package connectivity reports whether the remote API is reachable and
// publishes state changes.
package connectivity

import (
	"sync"
	"time"
)

// Event is a connectivity state change.
type Event struct {
	Online bool
	At     time.Time
}

// Provider answers point-in-time queries and publishes changes.
type Provider interface {
	Online() bool
	// Subscribe returns a channel of state changes and a function that
	// releases it. Slow subscribers miss events rather than block.
	Subscribe() (<-chan Event, func())
}

// state holds the current value and fans changes out to subscribers.
type state struct {
	mu     sync.RWMutex
	online bool
	subs   map[chan Event]struct{}
	clock  func() time.Time
}

func newState(initial bool) *state {
	return &state{
		online: initial,
		subs:   make(map[chan Event]struct{}),
		clock:  time.Now,
	}
}

func (s *state) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *state) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 4)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// set records v and reports whether it changed.
func (s *state) set(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == v {
		return false
	}
	s.online = v
	ev := Event{Online: v, At: s.clock()}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return true
}

// Switch is a manually controlled Provider.
type Switch struct {
	*state
}

// NewSwitch creates a Switch in the given state.
func NewSwitch(online bool) *Switch {
	return &Switch{state: newState(online)}
}

// Set changes the state and reports whether it changed.
func (s *Switch) Set(online bool) bool {
	return s.set(online)
}

var (
	_ Provider = (*Switch)(nil)
	_ Provider = (*Probe)(nil)
)
