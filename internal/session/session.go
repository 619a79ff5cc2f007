// Package session implements the partitioned session route cache
// described in spec.md §4.7: N partitions, each an ETS-like map keyed by
// SessionKey plus a FIFO insertion order and monotonic sequence counter,
// used to remember "where did we last successfully deliver for this
// room/thread" across outbound sends.
//
// Grounded on pkg/simpleruntime/session_store.go's mutex-guarded
// map-with-TTL idiom, generalized here to N independently-locked
// partitions with capacity-bounded FIFO eviction.
package session

import (
	"hash/fnv"
	"sync"

	"github.com/beeper/bridgefabric/internal/config"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/signalbus"
)

// ResolveSource enumerates where a resolved route came from.
type ResolveSource string

const (
	SourceStateHit          ResolveSource = "state_hit"
	SourcePartitionFallback ResolveSource = "partition_fallback"
	SourceProvidedFallback  ResolveSource = "provided_fallback"
)

// FallbackReason enumerates why Resolve fell back to a non-exact route.
type FallbackReason string

const (
	ReasonStale          FallbackReason = "stale"
	ReasonThreadScopeMiss FallbackReason = "thread_scope_miss"
	ReasonMiss           FallbackReason = "miss"
)

// ResolveResult is the outcome of Manager.Resolve.
type ResolveResult struct {
	Route          model.Route
	Source         ResolveSource
	Fallback       bool
	Stale          bool
	FallbackReason FallbackReason
}

type entry struct {
	route       model.Route
	updatedAtMS int64
	expiresAtMS int64
	seq         uint64
}

type orderItem struct {
	seq uint64
	key model.SessionKey
}

type partition struct {
	mu      sync.Mutex
	entries map[model.SessionKey]*entry
	order   []orderItem
	seq     uint64
}

// Manager owns the partitioned session route cache.
type Manager struct {
	cfg        config.SessionConfig
	bus        *signalbus.Bus
	partitions []*partition
	now        func() int64 // ms epoch, injectable for deterministic tests
}

// New builds a Manager with cfg.PartitionCount partitions.
func New(cfg config.SessionConfig, bus *signalbus.Bus, now func() int64) *Manager {
	n := cfg.PartitionCount
	if n <= 0 {
		n = 1
	}
	m := &Manager{cfg: cfg, bus: bus, now: now, partitions: make([]*partition, n)}
	for i := range m.partitions {
		m.partitions[i] = &partition{entries: map[model.SessionKey]*entry{}}
	}
	return m
}

func (m *Manager) partitionFor(key model.SessionKey) *partition {
	h := fnv.New32a()
	h.Write([]byte(key.ChannelType))
	h.Write([]byte{0})
	h.Write([]byte(key.InstanceID))
	h.Write([]byte{0})
	h.Write([]byte(key.RoomID))
	return m.partitions[int(h.Sum32())%len(m.partitions)]
}

// Set stores route under key with ttlMS (defaulting to
// cfg.DefaultTTLMS when ttlMS <= 0), evicting the oldest entries beyond
// max_entries_per_partition.
func (m *Manager) Set(key model.SessionKey, route model.Route, ttlMS int64) {
	if ttlMS <= 0 {
		ttlMS = m.cfg.DefaultTTLMS
	}
	p := m.partitionFor(key)
	now := m.now()

	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.entries[key] = &entry{route: route, updatedAtMS: now, expiresAtMS: now + ttlMS, seq: seq}
	p.order = append(p.order, orderItem{seq: seq, key: key})
	evicted := p.evictLocked(m.cfg.MaxEntriesPerPartition)
	p.mu.Unlock()

	m.emit("session_route.set", key, nil)
	for range evicted {
		m.emit("session_route.evicted", key, signalbus.Metadata{"reason": "capacity"})
	}
}

// evictLocked must be called with p.mu held. It drops head-of-FIFO entries
// whose recorded seq no longer matches the live entry (stale tombstones)
// and, once past those, evicts genuinely-live oldest entries until the live
// entry count is within max. Returns the keys of the live entries evicted.
func (p *partition) evictLocked(max int) []model.SessionKey {
	if max <= 0 {
		return nil
	}
	var evicted []model.SessionKey
	for len(p.entries) > max && len(p.order) > 0 {
		head := p.order[0]
		p.order = p.order[1:]
		live, ok := p.entries[head.key]
		if !ok || live.seq != head.seq {
			continue // stale tombstone, already superseded or deleted
		}
		delete(p.entries, head.key)
		evicted = append(evicted, head.key)
	}
	return evicted
}

// Get returns the live (non-expired) entry for key, if any.
func (m *Manager) Get(key model.SessionKey) (model.Route, bool) {
	p := m.partitionFor(key)
	now := m.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return model.Route{}, false
	}
	if e.expiresAtMS <= now {
		delete(p.entries, key)
		return model.Route{}, false
	}
	return e.route, true
}

// Resolve implements the spec.md §4.7 resolve algorithm: exact hit, then
// room-scope fallback, then caller-provided fallback routes, else
// *fabricerr.NoRouteError.
func (m *Manager) Resolve(key model.SessionKey, fallbackRoutes []model.Route) (ResolveResult, error) {
	p := m.partitionFor(key)
	now := m.now()

	p.mu.Lock()
	var exactWasStale bool
	if e, ok := p.entries[key]; ok {
		if e.expiresAtMS > now {
			p.mu.Unlock()
			m.emit("session_route.resolved", key, signalbus.Metadata{"source": string(SourceStateHit)})
			return ResolveResult{Route: e.route, Source: SourceStateHit}, nil
		}
		delete(p.entries, key)
		exactWasStale = true
	}
	p.mu.Unlock()

	roomScopeKey := key.RoomScopeKey()
	if roomScopeKey != key {
		p.mu.Lock()
		e, ok := p.entries[roomScopeKey]
		var expired bool
		if ok {
			expired = e.expiresAtMS <= now
			if expired {
				delete(p.entries, roomScopeKey)
			}
		}
		p.mu.Unlock()

		if ok && !expired {
			reason := ReasonThreadScopeMiss
			if exactWasStale {
				reason = ReasonStale
			}
			m.Set(key, e.route, m.cfg.DefaultTTLMS)
			m.emit("session_route.fallback", key, signalbus.Metadata{"source": string(SourcePartitionFallback), "reason": string(reason)})
			return ResolveResult{Route: e.route, Source: SourcePartitionFallback, Fallback: true, Stale: exactWasStale, FallbackReason: reason}, nil
		}
	}

	for _, route := range fallbackRoutes {
		if route.ExternalRoomID == "" {
			continue
		}
		reason := ReasonMiss
		if exactWasStale {
			reason = ReasonStale
		}
		m.Set(key, route, m.cfg.DefaultTTLMS)
		m.emit("session_route.fallback", key, signalbus.Metadata{"source": string(SourceProvidedFallback), "reason": string(reason)})
		return ResolveResult{Route: route, Source: SourceProvidedFallback, Fallback: true, Stale: exactWasStale, FallbackReason: reason}, nil
	}

	m.emit("session_route.stale", key, nil)
	return ResolveResult{}, &fabricerr.NoRouteError{Key: sessionKeyString(key)}
}

// Prune removes every entry whose expires_at_ms <= now across all
// partitions, emitting one session_route.pruned event carrying the count
// when at least one entry was removed. Returns the number removed.
func (m *Manager) Prune() int {
	now := m.now()
	pruned := 0
	for _, p := range m.partitions {
		p.mu.Lock()
		for key, e := range p.entries {
			if e.expiresAtMS <= now {
				delete(p.entries, key)
				pruned++
			}
		}
		p.mu.Unlock()
	}
	if pruned > 0 {
		m.emit("session_route.pruned", model.SessionKey{}, signalbus.Metadata{"count": pruned})
	}
	return pruned
}

func (m *Manager) emit(name string, key model.SessionKey, extra signalbus.Metadata) {
	if m.bus == nil {
		return
	}
	meta := signalbus.Metadata{
		"component":   "session_manager",
		"channel":     key.ChannelType,
		"instance_id": key.InstanceID,
		"room_id":     key.RoomID,
	}
	for k, v := range extra {
		meta[k] = v
	}
	m.bus.Emit(name, nil, meta)
}

func sessionKeyString(key model.SessionKey) string {
	return key.ChannelType + "/" + key.InstanceID + "/" + key.RoomID + "/" + key.ThreadID
}
