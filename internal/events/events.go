// Package events fans lease lifecycle events out to subscribers. Patterns
// select semaphores by name using dot-separated tokens where "*" matches one
// token and ">" matches the rest ("jobs.*", "jobs.>").
package events

import (
	"fmt"
	"strings"
	"sync"
)

// Event describes one lease transition on one semaphore.
type Event struct {
	Kind      string `json:"kind"` // granted, released or expired
	Semaphore string `json:"semaphore"`
	LeaseID   string `json:"lease_id"`
}

// Subscription receives events on C until it is unsubscribed or the manager
// drops it for not keeping up.
type Subscription struct {
	C chan Event

	id      uint64
	pattern string
	isWild  bool
	closed  bool
}

type Manager struct {
	mu        sync.RWMutex
	nextID    uint64
	exact     map[string]map[uint64]*Subscription // semaphore → id → sub
	wildcards map[uint64]*Subscription
	buffer    int
}

// NewManager creates a manager whose subscriptions buffer up to buffer
// events. A subscriber whose buffer is full is dropped rather than allowed
// to stall delivery.
func NewManager(buffer int) *Manager {
	return &Manager{
		exact:     make(map[string]map[uint64]*Subscription),
		wildcards: make(map[uint64]*Subscription),
		buffer:    buffer,
	}
}

func isWildPattern(pattern string) bool {
	return strings.Contains(pattern, "*") || strings.Contains(pattern, ">")
}

// validatePattern checks that ">" only appears as the final token and that
// "*" only appears as a whole token (not as a substring like "c*").
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	tokens := strings.Split(pattern, ".")
	for i, t := range tokens {
		if t == ">" && i != len(tokens)-1 {
			return fmt.Errorf("'>' must be the last token in pattern")
		}
		if strings.Contains(t, "*") && t != "*" {
			return fmt.Errorf("'*' must be an entire dot-separated token, got %q", t)
		}
		if strings.Contains(t, ">") && t != ">" {
			return fmt.Errorf("'>' must be an entire dot-separated token, got %q", t)
		}
	}
	return nil
}

// matchPattern checks if a literal semaphore name matches a pattern.
func matchPattern(pattern, name string) bool {
	patTokens := strings.Split(pattern, ".")
	nameTokens := strings.Split(name, ".")
	for i, pt := range patTokens {
		if pt == ">" {
			return i < len(nameTokens) // ">" matches 1+ remaining tokens
		}
		if i >= len(nameTokens) {
			return false
		}
		if pt != "*" && pt != nameTokens[i] {
			return false
		}
	}
	return len(patTokens) == len(nameTokens)
}

// Subscribe registers interest in every semaphore matching pattern.
func (m *Manager) Subscribe(pattern string) (*Subscription, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{
		C:       make(chan Event, m.buffer),
		id:      m.nextID,
		pattern: pattern,
		isWild:  isWildPattern(pattern),
	}
	if sub.isWild {
		m.wildcards[sub.id] = sub
	} else {
		subs, ok := m.exact[pattern]
		if !ok {
			subs = make(map[uint64]*Subscription)
			m.exact[pattern] = subs
		}
		subs[sub.id] = sub
	}
	return sub, nil
}

// Unsubscribe removes sub. Safe to call after the manager already dropped
// it.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(sub)
}

// dropLocked removes sub and closes its channel so a parked reader wakes
// up. All sends happen under m.mu, so closing here cannot race a send.
func (m *Manager) dropLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.isWild {
		delete(m.wildcards, sub.id)
	} else if subs, ok := m.exact[sub.pattern]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(m.exact, sub.pattern)
		}
	}
	close(sub.C)
}

// Publish delivers ev to every matching subscription without blocking.
// Subscribers whose buffers are full are dropped and their channel closed.
func (m *Manager) Publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []*Subscription
	if subs, ok := m.exact[ev.Semaphore]; ok {
		for _, sub := range subs {
			select {
			case sub.C <- ev:
			default:
				dropped = append(dropped, sub)
			}
		}
	}
	for _, sub := range m.wildcards {
		if !matchPattern(sub.pattern, ev.Semaphore) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		m.dropLocked(sub)
	}
}

// Len returns the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.wildcards)
	for _, subs := range m.exact {
		n += len(subs)
	}
	return n
}
