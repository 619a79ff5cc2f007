package configstore

import (
	"context"
	"errors"
	"testing"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/storage"
)

func TestRevisionConflict(t *testing.T) {
	ctx := context.Background()
	store := New(storage.New())

	cfg, err := store.PutBridgeConfig(ctx, model.BridgeConfig{ID: "b", AdapterModule: "fake", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cfg.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", cfg.Revision)
	}

	cfg2, err := store.PutBridgeConfig(ctx, model.BridgeConfig{ID: "b", AdapterModule: "fake", Enabled: false, Revision: 1})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg2.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", cfg2.Revision)
	}

	_, err = store.PutBridgeConfig(ctx, model.BridgeConfig{ID: "b", Revision: 0})
	var conflict *fabricerr.RevisionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected revision conflict error, got %v", err)
	}
	if conflict.Expected != 2 || conflict.Actual != 2 {
		t.Fatalf("expected expected=actual=2, got %+v", conflict)
	}
}

func TestFallbackOrderTopologyValidation(t *testing.T) {
	ctx := context.Background()
	store := New(storage.New())

	if _, err := store.PutBridgeConfig(ctx, model.BridgeConfig{ID: "bridge_a", AdapterModule: "fake", Enabled: true}); err != nil {
		t.Fatalf("create bridge_a: %v", err)
	}

	_, err := store.PutRoutingPolicy(ctx, model.RoutingPolicy{
		RoomID:        "room-1",
		DeliveryMode:  model.DeliveryBestEffort,
		FallbackOrder: []string{"bridge_a", "bridge_unknown"},
	})
	var unknown *UnknownFallbackBridgeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown fallback bridge error, got %v", err)
	}

	p, err := store.PutRoutingPolicy(ctx, model.RoutingPolicy{
		RoomID:        "room-1",
		DeliveryMode:  model.DeliveryBestEffort,
		FallbackOrder: []string{"bridge_a"},
	})
	if err != nil {
		t.Fatalf("expected valid fallback order to succeed: %v", err)
	}
	if p.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", p.Revision)
	}
}

func TestGetRoutingPolicyDefault(t *testing.T) {
	ctx := context.Background()
	store := New(storage.New())
	p, err := store.GetRoutingPolicy(ctx, "room-none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.DeliveryMode != model.DeliveryBestEffort || p.FailoverPolicy != model.FailoverNextAvailable {
		t.Fatalf("expected default policy, got %+v", p)
	}
}
