package registry

import (
	"context"
	"fmt"
	"os"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"golang.org/x/sync/errgroup"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/signalbus"
)

// CollisionPolicy decides which of two manifests claiming the same bridge
// id wins (spec.md §4.3).
type CollisionPolicy string

const (
	PreferFirst CollisionPolicy = "prefer_first"
	PreferLast  CollisionPolicy = "prefer_last"
)

// AdapterResolver constructs an adapter.Adapter for a manifest's
// adapter_module name. Concrete platform bindings are out of scope (spec.md
// §1 non-goals); callers supply this so bootstrap can be exercised against
// fakes in tests and against real adapters in a real deployment.
type AdapterResolver func(adapterModule string, manifest Manifest) (adapter.Adapter, error)

// DiagnosticType enumerates the kinds of bootstrap diagnostic.
type DiagnosticType string

const (
	DiagInvalidJSON       DiagnosticType = "invalid_json"
	DiagUnknownAdapter    DiagnosticType = "unknown_adapter_module"
	DiagUnsupportedVersion DiagnosticType = "unsupported_manifest_version"
	DiagCapabilityError   DiagnosticType = "capability_error"
	DiagCollisionDiscarded DiagnosticType = "collision_discarded"
	DiagRegistered        DiagnosticType = "registered"
)

// Diagnostic is one typed bootstrap outcome for a single manifest path.
type Diagnostic struct {
	Type     DiagnosticType
	BridgeID string
	Path     string
	Policy   CollisionPolicy
	Err      error
}

// BootstrapOptions parameterizes Bootstrap (spec.md §4.3).
type BootstrapOptions struct {
	Paths            []string
	CollisionPolicy  CollisionPolicy
	RequiredBridges  map[string]bool
	ClearExisting    bool
	Resolver         AdapterResolver
	MaxConcurrency   int64 // bounded concurrent manifest parsing; default 8
}

// BootstrapResult summarizes a bootstrap run.
type BootstrapResult struct {
	Diagnostics []Diagnostic
	Registered  []string
}

type parsedManifest struct {
	path     string
	manifest Manifest
	err      error
}

// Bootstrap loads an ordered sequence of bridge manifests into reg,
// resolving collisions deterministically by CollisionPolicy regardless of
// parse completion order (SPEC_FULL.md addition: parses concurrently,
// bounded by a semaphore, but always *applies* results in input order).
//
// Required-bridge failures abort the whole run with
// *fabricerr.FatalRequiredBridgeError; optional-bridge failures degrade
// (are recorded as diagnostics) and bootstrap continues.
func Bootstrap(ctx context.Context, reg *Registry, bus *signalbus.Bus, opts BootstrapOptions) (BootstrapResult, error) {
	if opts.CollisionPolicy == "" {
		opts.CollisionPolicy = PreferLast
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.ClearExisting {
		reg.Clear()
	}

	parsed := make([]parsedManifest, len(opts.Paths))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(int(opts.MaxConcurrency))
	for i, path := range opts.Paths {
		i, path := i, path
		group.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			data, err := os.ReadFile(path)
			if err != nil {
				parsed[i] = parsedManifest{path: path, err: err}
				return nil
			}
			var m Manifest
			if err := json5.Unmarshal(data, &m); err != nil {
				parsed[i] = parsedManifest{path: path, err: err}
				return nil
			}
			parsed[i] = parsedManifest{path: path, manifest: m}
			return nil
		})
	}
	// Parse failures are captured per-manifest above as diagnostics, not
	// propagated as a group error; only a cancelled/deadlined ctx surfaces
	// here.
	if err := group.Wait(); err != nil {
		return BootstrapResult{}, err
	}

	result := BootstrapResult{}
	var winners map[string]int // bridge id -> index into parsed that currently wins

	winners = map[string]int{}
	for i, pm := range parsed {
		required := false
		if pm.err != nil {
			// bridge id unknown at this point (parse failed before we could
			// read it); diagnostics still carry the path.
			diag := Diagnostic{Type: DiagInvalidJSON, Path: pm.path, Policy: opts.CollisionPolicy, Err: pm.err}
			result.Diagnostics = append(result.Diagnostics, diag)
			bus.Emit("bridge_registry.manifest.load", nil, signalbus.Metadata{"path": pm.path, "ok": false, "reason": string(DiagInvalidJSON)})
			// We can't know if this path was required since we never got a
			// bridge id out of it; conservatively, any read/parse failure
			// among opts.Paths is only fatal if the *bridge id* (once
			// resolvable) is required. Since it isn't resolvable, this
			// cannot satisfy a required bridge, so if the set of required
			// bridges is non-empty we cannot yet tell; we continue and let
			// the post-loop required-bridge check below catch it.
			continue
		}

		m := pm.manifest
		if m.ManifestVersion != supportedManifestVersion {
			required = opts.RequiredBridges[m.ID]
			diag := Diagnostic{Type: DiagUnsupportedVersion, BridgeID: m.ID, Path: pm.path, Policy: opts.CollisionPolicy}
			result.Diagnostics = append(result.Diagnostics, diag)
			bus.Emit("bridge_registry.manifest.load", nil, signalbus.Metadata{"path": pm.path, "bridge_id": m.ID, "ok": false, "reason": string(DiagUnsupportedVersion)})
			if required {
				return result, &fabricerr.FatalRequiredBridgeError{Diagnostic: diag}
			}
			continue
		}

		if prevIdx, collided := winners[m.ID]; collided {
			var discardIdx, keepIdx int
			switch opts.CollisionPolicy {
			case PreferFirst:
				discardIdx, keepIdx = i, prevIdx
			default: // PreferLast
				discardIdx, keepIdx = prevIdx, i
			}
			winners[m.ID] = keepIdx
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				Type: DiagCollisionDiscarded, BridgeID: m.ID, Path: parsed[discardIdx].path, Policy: opts.CollisionPolicy,
			})
			continue
		}
		winners[m.ID] = i
	}

	// Apply winners in input order for determinism.
	var orderedIDs []string
	seen := map[string]bool{}
	for _, pm := range parsed {
		if pm.err != nil {
			continue
		}
		id := pm.manifest.ID
		if seen[id] {
			continue
		}
		if _, ok := winners[id]; !ok {
			continue
		}
		seen[id] = true
		orderedIDs = append(orderedIDs, id)
	}

	for _, id := range orderedIDs {
		idx := winners[id]
		m := parsed[idx].manifest
		path := parsed[idx].path
		required := opts.RequiredBridges[m.ID]

		if opts.Resolver == nil {
			diag := Diagnostic{Type: DiagUnknownAdapter, BridgeID: m.ID, Path: path, Policy: opts.CollisionPolicy, Err: fmt.Errorf("no adapter resolver configured")}
			result.Diagnostics = append(result.Diagnostics, diag)
			bus.Emit("bridge_registry.manifest.load", nil, signalbus.Metadata{"path": path, "bridge_id": m.ID, "ok": false, "reason": string(DiagUnknownAdapter)})
			if required {
				return result, &fabricerr.FatalRequiredBridgeError{Diagnostic: diag}
			}
			continue
		}

		a, err := opts.Resolver(m.AdapterModule, m)
		if err != nil {
			diag := Diagnostic{Type: DiagUnknownAdapter, BridgeID: m.ID, Path: path, Policy: opts.CollisionPolicy, Err: err}
			result.Diagnostics = append(result.Diagnostics, diag)
			bus.Emit("bridge_registry.manifest.load", nil, signalbus.Metadata{"path": path, "bridge_id": m.ID, "ok": false, "reason": string(DiagUnknownAdapter)})
			if required {
				return result, &fabricerr.FatalRequiredBridgeError{Diagnostic: diag}
			}
			continue
		}

		secondary := map[string]adapter.Adapter{}
		for capName, modName := range m.Adapters {
			sa, serr := opts.Resolver(modName, m)
			if serr == nil {
				secondary[capName] = sa
			}
		}

		entry := ManifestEntry{
			BridgeID:          m.ID,
			AdapterModule:     m.AdapterModule,
			Label:             m.Label,
			Capabilities:      m.Capabilities,
			Adapter:           a,
			SecondaryAdapters: secondary,
		}
		if err := reg.Register(entry); err != nil {
			diag := Diagnostic{Type: DiagCapabilityError, BridgeID: m.ID, Path: path, Policy: opts.CollisionPolicy, Err: err}
			result.Diagnostics = append(result.Diagnostics, diag)
			bus.Emit("bridge_registry.manifest.load", nil, signalbus.Metadata{"path": path, "bridge_id": m.ID, "ok": false, "reason": string(DiagCapabilityError)})
			if required {
				return result, &fabricerr.FatalRequiredBridgeError{Diagnostic: diag}
			}
			continue
		}

		result.Registered = append(result.Registered, m.ID)
		result.Diagnostics = append(result.Diagnostics, Diagnostic{Type: DiagRegistered, BridgeID: m.ID, Path: path, Policy: opts.CollisionPolicy})
		bus.Emit("bridge_registry.manifest.load", nil, signalbus.Metadata{"path": path, "bridge_id": m.ID, "ok": true})
	}

	// Any required bridge that never appears among orderedIDs (read/parse
	// failure, or simply absent from opts.Paths) is fatal.
	for bridgeID, required := range opts.RequiredBridges {
		if !required {
			continue
		}
		if !seen[bridgeID] {
			diag := Diagnostic{Type: DiagInvalidJSON, BridgeID: bridgeID}
			return result, &fabricerr.FatalRequiredBridgeError{Diagnostic: diag}
		}
	}

	bus.Emit("bridge_registry.bootstrap", signalbus.Measurements{
		"registered": float64(len(result.Registered)),
		"diagnostics": float64(len(result.Diagnostics)),
	}, signalbus.Metadata{"collision_policy": string(opts.CollisionPolicy)})

	return result, nil
}
