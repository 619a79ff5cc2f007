// Package configstore is a thin, revision-aware façade over
// internal/storage for BridgeConfig and RoutingPolicy records (spec.md
// §4.3), adding the topology validation invariant from spec.md §3:
// "per-room fallback_order entries must reference known bridge ids".
//
// Grounded on internal/storage's compare-and-insert idiom (itself grounded
// on pkg/simpleruntime/session_store.go's mutex-guarded map), generalized
// here to compare-and-swap on BridgeConfig.Revision per spec.md §9's
// "revision-guarded updates ... compare-and-swap on an atomic counter".
package configstore

import (
	"context"
	"fmt"

	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/storage"
)

// Store wraps a storage.Storage with BridgeConfig/RoutingPolicy operations.
type Store struct {
	storage storage.Storage
}

// New wraps store.
func New(store storage.Storage) *Store {
	return &Store{storage: store}
}

// PutBridgeConfig writes cfg with optimistic-concurrency semantics:
// cfg.Revision must match the current stored revision (0 for a new record),
// otherwise *fabricerr.RevisionConflictError is returned with the current
// value as both Expected and Actual per spec.md §8 property 1.
func (s *Store) PutBridgeConfig(ctx context.Context, cfg model.BridgeConfig) (*model.BridgeConfig, error) {
	return s.storage.PutBridgeConfig(ctx, cfg)
}

// GetBridgeConfig returns the bridge config for id, or
// *fabricerr.NotFoundError.
func (s *Store) GetBridgeConfig(ctx context.Context, id string) (*model.BridgeConfig, error) {
	return s.storage.GetBridgeConfig(ctx, id)
}

// ListBridgeConfigs lists bridge configs, optionally filtered by enabled.
func (s *Store) ListBridgeConfigs(ctx context.Context, enabledFilter *bool) ([]*model.BridgeConfig, error) {
	return s.storage.ListBridgeConfigs(ctx, enabledFilter)
}

// KnownBridgeIDs returns the set of currently-configured bridge ids, used
// for fallback_order topology validation.
func (s *Store) KnownBridgeIDs(ctx context.Context) (map[string]bool, error) {
	cfgs, err := s.storage.ListBridgeConfigs(ctx, nil)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		known[c.ID] = true
	}
	return known, nil
}

// UnknownFallbackBridgeError means a RoutingPolicy's fallback_order names a
// bridge id with no BridgeConfig record (spec.md §3 topology validation).
type UnknownFallbackBridgeError struct {
	RoomID   string
	BridgeID string
}

func (e *UnknownFallbackBridgeError) Error() string {
	return fmt.Sprintf("unknown_fallback_bridge: room=%s bridge=%s", e.RoomID, e.BridgeID)
}

// PutRoutingPolicy validates fallback_order against known bridges, then
// writes the policy.
func (s *Store) PutRoutingPolicy(ctx context.Context, p model.RoutingPolicy) (*model.RoutingPolicy, error) {
	known, err := s.KnownBridgeIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, bridgeID := range p.FallbackOrder {
		if !known[bridgeID] {
			return nil, &UnknownFallbackBridgeError{RoomID: p.RoomID, BridgeID: bridgeID}
		}
	}
	return s.storage.PutRoutingPolicy(ctx, p)
}

// GetRoutingPolicy returns the room's policy, or the spec.md §4.6 default
// when none is stored.
func (s *Store) GetRoutingPolicy(ctx context.Context, roomID string) (model.RoutingPolicy, error) {
	p, err := s.storage.GetRoutingPolicy(ctx, roomID)
	if err != nil {
		return model.DefaultRoutingPolicy(roomID), nil
	}
	return *p, nil
}
