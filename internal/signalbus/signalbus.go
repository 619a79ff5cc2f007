// Package signalbus implements the uniform (event_name, measurements,
// metadata) telemetry emission contract described in spec.md §4.13/§6.3.
//
// Grounded on modules/core/kernel.go's Register-style composition (handlers
// are attached to the bus the same way FeatureModule attaches to Kernel) and
// logs every emission through zerolog like the rest of the teacher's stack.
// This package only emits events; consuming/aggregating them (metrics,
// tracing) is explicitly out of scope per spec.md §1.
package signalbus

import (
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Measurements is a flat numeric measurement map attached to an event.
type Measurements map[string]float64

// Metadata is a free-form metadata map attached to an event.
type Metadata map[string]any

// Event is one (event_name, measurements, metadata) triple.
type Event struct {
	Name         string
	Measurements Measurements
	Metadata     Metadata
	// CorrelationID is stamped by the bus if the caller didn't supply one
	// under metadata["correlation_id"], using xid for a sortable default.
	CorrelationID string
}

// Handler receives emitted events. Handlers must not block for long; the
// bus invokes them synchronously on the emitting goroutine.
type Handler func(Event)

// Bus dispatches events to handlers registered by exact name or by prefix.
type Bus struct {
	mu           sync.RWMutex
	exact        map[string][]Handler
	prefixes     []prefixHandler
	log          *zerolog.Logger
}

type prefixHandler struct {
	prefix  string
	handler Handler
}

// New creates an empty Bus. log may be nil (defaults to a no-op logger).
func New(log *zerolog.Logger) *Bus {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Bus{
		exact: map[string][]Handler{},
		log:   log,
	}
}

// On registers a handler for an exact event name.
func (b *Bus) On(name string, h Handler) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exact[name] = append(b.exact[name], h)
}

// OnPrefix registers a handler for every event whose name starts with prefix
// (e.g. "outbound." matches "outbound.completed" and "outbound.classified_error").
func (b *Bus) OnPrefix(prefix string, h Handler) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefixes = append(b.prefixes, prefixHandler{prefix: prefix, handler: h})
}

// Emit dispatches an event to all matching handlers and logs it at debug
// level. A nil Measurements/Metadata is normalized to an empty map.
func (b *Bus) Emit(name string, measurements Measurements, metadata Metadata) {
	if b == nil {
		return
	}
	if measurements == nil {
		measurements = Measurements{}
	}
	if metadata == nil {
		metadata = Metadata{}
	}
	correlationID, _ := metadata["correlation_id"].(string)
	if correlationID == "" {
		correlationID = xid.New().String()
		metadata["correlation_id"] = correlationID
	}
	evt := Event{Name: name, Measurements: measurements, Metadata: metadata, CorrelationID: correlationID}

	b.log.Debug().
		Str("event", name).
		Interface("measurements", measurements).
		Interface("metadata", metadata).
		Msg("signal")

	b.mu.RLock()
	handlers := append([]Handler{}, b.exact[name]...)
	for _, ph := range b.prefixes {
		if len(name) >= len(ph.prefix) && name[:len(ph.prefix)] == ph.prefix {
			handlers = append(handlers, ph.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
