// Package dedupe implements the TTL-bounded duplicate-detection set keyed
// by (bridge_id, channel, external_message_id) described in spec.md §4.2
// and §6.5.
//
// Grounded on pkg/simpleruntime/system_events.go's mutex-guarded
// map-of-entries idiom, simplified to a map of expiry timestamps with lazy
// expiry on read plus an explicit Sweep for periodic cleanup.
package dedupe

import (
	"sync"
	"time"
)

// Key is the canonical duplicate-detection key. Scoped per bridge so the
// same external_message_id on two different bridges never collides
// (spec.md §6.5).
type Key struct {
	BridgeID         string
	Channel          string
	ExternalMessageID string
}

type entry struct {
	insertedAt time.Time
	expiresAt  time.Time
}

// Set is a TTL-bounded dedupe set. The zero value is not usable; use New.
type Set struct {
	mu      sync.Mutex
	entries map[Key]entry
	now     func() time.Time
}

// New creates an empty dedupe Set.
func New() *Set {
	return &Set{
		entries: map[Key]entry{},
		now:     time.Now,
	}
}

// Outcome is the result of CheckAndMark.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
)

// CheckAndMark atomically inserts key if it is absent or expired, returning
// OutcomeNew, or reports OutcomeDuplicate if a live entry already exists.
func (s *Set) CheckAndMark(key Key, ttl time.Duration) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return OutcomeDuplicate
	}
	s.entries[key] = entry{insertedAt: now, expiresAt: now.Add(ttl)}
	return OutcomeNew
}

// Seen reports whether key currently has a live (non-expired) entry,
// without mutating the set.
func (s *Set) Seen(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	return s.now().Before(e.expiresAt)
}

// MarkSeen inserts or refreshes key unconditionally with the given ttl.
func (s *Set) MarkSeen(key Key, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[key] = entry{insertedAt: now, expiresAt: now.Add(ttl)}
}

// Clear removes a single key, or the whole set if key is the zero Key.
func (s *Set) Clear(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == (Key{}) {
		s.entries = map[Key]entry{}
		return
	}
	delete(s.entries, key)
}

// Count returns the number of entries currently stored (including any not
// yet lazily expired).
func (s *Set) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes all expired entries; intended to be called periodically
// (spec.md §4.2: "expiration is lazy (on read) plus periodic sweep").
func (s *Set) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}
