package session

import (
	"errors"
	"testing"

	"github.com/beeper/bridgefabric/internal/config"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
)

func testManager(nowMS int64, maxEntries int) (*Manager, *int64) {
	clock := nowMS
	cfg := config.SessionConfig{
		PartitionCount:         2,
		MaxEntriesPerPartition: maxEntries,
		DefaultTTLMS:           1000,
		PruneIntervalMS:        1000,
	}
	m := New(cfg, nil, func() int64 { return clock })
	return m, &clock
}

func TestSetGetRoundTrip(t *testing.T) {
	m, _ := testManager(0, 100)
	key := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-1", ThreadID: "thread-1"}
	route := model.Route{BridgeID: "bridge_a", Channel: "telegram", ExternalRoomID: "ext-1"}

	m.Set(key, route, 0)
	got, ok := m.Get(key)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got != route {
		t.Fatalf("expected %+v, got %+v", route, got)
	}
}

func TestGetExpiredEntryIsMiss(t *testing.T) {
	m, clock := testManager(0, 100)
	key := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-1"}
	m.Set(key, model.Route{BridgeID: "bridge_a", ExternalRoomID: "ext-1"}, 10)

	*clock += 20
	if _, ok := m.Get(key); ok {
		t.Fatal("expected expired entry to be treated as a miss")
	}
}

func TestResolveStateHit(t *testing.T) {
	m, _ := testManager(0, 100)
	key := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-1", ThreadID: "thread-1"}
	route := model.Route{BridgeID: "bridge_a", ExternalRoomID: "ext-1"}
	m.Set(key, route, 0)

	result, err := m.Resolve(key, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != SourceStateHit || result.Fallback {
		t.Fatalf("expected a plain state hit, got %+v", result)
	}
	if result.Route != route {
		t.Fatalf("expected %+v, got %+v", route, result.Route)
	}
}

func TestResolveFallsBackToRoomScope(t *testing.T) {
	m, _ := testManager(0, 100)
	roomKey := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-1"}
	route := model.Route{BridgeID: "bridge_a", ExternalRoomID: "ext-1"}
	m.Set(roomKey, route, 0)

	threadKey := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-1", ThreadID: "thread-9"}
	result, err := m.Resolve(threadKey, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != SourcePartitionFallback || !result.Fallback {
		t.Fatalf("expected partition fallback, got %+v", result)
	}
	if result.FallbackReason != ReasonThreadScopeMiss {
		t.Fatalf("expected thread_scope_miss reason, got %s", result.FallbackReason)
	}

	// The promotion should now be visible as a direct hit for the thread key.
	again, err := m.Resolve(threadKey, nil)
	if err != nil {
		t.Fatalf("unexpected error on second resolve: %v", err)
	}
	if again.Source != SourceStateHit {
		t.Fatalf("expected the fallback to have been promoted into a state hit, got %+v", again)
	}
}

func TestResolveUsesProvidedFallback(t *testing.T) {
	m, _ := testManager(0, 100)
	key := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-empty"}
	fallback := []model.Route{{BridgeID: "bridge_b", ExternalRoomID: "ext-b"}}

	result, err := m.Resolve(key, fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != SourceProvidedFallback {
		t.Fatalf("expected provided_fallback, got %+v", result)
	}
	if result.FallbackReason != ReasonMiss {
		t.Fatalf("expected miss reason on a cold key, got %s", result.FallbackReason)
	}
}

func TestResolveStaleMarksReasonStale(t *testing.T) {
	m, clock := testManager(0, 100)
	key := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-1"}
	m.Set(key, model.Route{BridgeID: "bridge_a", ExternalRoomID: "ext-1"}, 10)
	*clock += 20

	fallback := []model.Route{{BridgeID: "bridge_b", ExternalRoomID: "ext-b"}}
	result, err := m.Resolve(key, fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Stale || result.FallbackReason != ReasonStale {
		t.Fatalf("expected a stale provided_fallback, got %+v", result)
	}
}

func TestResolveNoRouteError(t *testing.T) {
	m, _ := testManager(0, 100)
	key := model.SessionKey{ChannelType: "telegram", InstanceID: "inst-1", RoomID: "room-empty"}

	_, err := m.Resolve(key, nil)
	var noRoute *fabricerr.NoRouteError
	if !errors.As(err, &noRoute) {
		t.Fatalf("expected NoRouteError, got %v", err)
	}
}

func TestSetEvictsOldestBeyondCapacity(t *testing.T) {
	m, _ := testManager(0, 2)
	// room-1, room-5 and room-3 hash to the same one of the two partitions.
	k1 := model.SessionKey{ChannelType: "telegram", InstanceID: "i", RoomID: "room-1"}
	k2 := model.SessionKey{ChannelType: "telegram", InstanceID: "i", RoomID: "room-5"}
	k3 := model.SessionKey{ChannelType: "telegram", InstanceID: "i", RoomID: "room-3"}

	m.Set(k1, model.Route{BridgeID: "b", ExternalRoomID: "e1"}, 0)
	m.Set(k2, model.Route{BridgeID: "b", ExternalRoomID: "e2"}, 0)
	m.Set(k3, model.Route{BridgeID: "b", ExternalRoomID: "e3"}, 0)

	if _, ok := m.Get(k1); ok {
		t.Fatal("expected the oldest entry to have been evicted")
	}
	if _, ok := m.Get(k3); !ok {
		t.Fatal("expected the newest entry to still be present")
	}
}

func TestSetUpdateDoesNotDoubleCountTowardCapacity(t *testing.T) {
	m, _ := testManager(0, 2)
	k1 := model.SessionKey{ChannelType: "telegram", InstanceID: "i", RoomID: "room-1"}
	k2 := model.SessionKey{ChannelType: "telegram", InstanceID: "i", RoomID: "room-2"}

	m.Set(k1, model.Route{BridgeID: "b", ExternalRoomID: "e1"}, 0)
	m.Set(k2, model.Route{BridgeID: "b", ExternalRoomID: "e2"}, 0)
	// Re-set k1: this leaves a stale order entry behind for the old seq,
	// which evictLocked must skip rather than treating as a real eviction.
	m.Set(k1, model.Route{BridgeID: "b", ExternalRoomID: "e1-updated"}, 0)

	if _, ok := m.Get(k1); !ok {
		t.Fatal("expected k1 to survive its own update")
	}
	if _, ok := m.Get(k2); !ok {
		t.Fatal("expected k2 to survive, capacity was not actually exceeded")
	}
}

func TestPruneRemovesExpiredEntries(t *testing.T) {
	m, clock := testManager(0, 100)
	key := model.SessionKey{ChannelType: "telegram", InstanceID: "i", RoomID: "room-1"}
	m.Set(key, model.Route{BridgeID: "b", ExternalRoomID: "e1"}, 10)

	*clock += 20
	if n := m.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
	if _, ok := m.Get(key); ok {
		t.Fatal("expected entry to be gone after prune")
	}
}
