// Package registry implements the in-memory bridge adapter registry and
// manifest bootstrap described in spec.md §4.3.
//
// Grounded on modules/core/kernel.go's Register-based module composition
// (AddModule validates then appends, same two-phase shape as bootstrap's
// parse-then-apply) and on pkg/cron/store.go's tolerant JSON5 parse idiom
// (yosuke-furukawa/json5 handles the same "hand-edited store file" shape
// here for manifests instead of cron jobs).
package registry

import (
	"sync"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/rs/zerolog"
)

// ManifestEntry is one registered bridge adapter manifest.
type ManifestEntry struct {
	BridgeID      string
	AdapterModule string
	Label         string
	Capabilities  []string
	Adapter       adapter.Adapter
	// SecondaryAdapters holds any additional capability adapters declared
	// under the manifest's "adapters" map (spec.md §4.3: "adapters
	// (secondary capability adapters)").
	SecondaryAdapters map[string]adapter.Adapter
}

// Registry is the process-wide, concurrency-safe directory of bridge
// manifests (spec.md §3 ownership: "process-wide in-memory registries ...
// a concurrent map keyed by id plus a writer lock").
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ManifestEntry
	log     *zerolog.Logger
}

// New creates an empty Registry.
func New(log *zerolog.Logger) *Registry {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Registry{entries: map[string]ManifestEntry{}, log: log}
}

// Register validates the manifest's declared capabilities against the
// adapter implementation (spec.md §4.3 capability contract) and stores it,
// replacing any prior entry for the same bridge id.
func (r *Registry) Register(entry ManifestEntry) error {
	if err := adapter.CheckCapabilities(entry.Adapter, entry.Capabilities); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.BridgeID] = entry
	return nil
}

// Get returns the manifest entry for bridgeID, if registered.
func (r *Registry) Get(bridgeID string) (ManifestEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[bridgeID]
	return e, ok
}

// Remove deletes a registered bridge manifest.
func (r *Registry) Remove(bridgeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, bridgeID)
}

// Clear removes every registered bridge manifest (used by bootstrap's
// clear_existing option).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = map[string]ManifestEntry{}
}

// List returns every registered bridge id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}
