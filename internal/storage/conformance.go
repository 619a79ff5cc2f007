package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/beeper/bridgefabric/internal/model"
)

// Suite runs the storage property assertions from spec.md §8 against any
// Storage implementation, so a future alternate backend can reuse them.
func Suite(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("get_or_create_room_by_external_binding is idempotent under concurrency", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := s.GetOrCreateRoomByExternalBinding(ctx, "telegram", "inst1", "room-race", model.Room{Type: model.RoomGroup})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				ids[i] = r.ID
			}(i)
		}
		wg.Wait()
		for i := 1; i < n; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("expected all callers to converge on one room id, got %v", ids)
			}
		}
	})

	t.Run("message external id uniqueness", func(t *testing.T) {
		msg := model.NewMessage("m1", "room-1", "p1", model.RoleUser)
		msg.ExternalID = "ext-1"
		msg.Metadata["channel"] = "telegram"
		msg.Metadata["bridge_id"] = "bridge_tg"
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save: %v", err)
		}
		found, err := s.FindMessageByExternalID(ctx, "telegram", "bridge_tg", "ext-1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if found.ID != "m1" {
			t.Fatalf("expected m1, got %s", found.ID)
		}
	})

	t.Run("get_messages returns chronological order", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			msg := model.NewMessage(idFor(i), "room-chrono", "p1", model.RoleUser)
			if err := s.SaveMessage(ctx, msg); err != nil {
				t.Fatalf("save: %v", err)
			}
		}
		msgs, err := s.GetMessages(ctx, "room-chrono", 10)
		if err != nil {
			t.Fatalf("get messages: %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		for i, msg := range msgs {
			if msg.ID != idFor(i) {
				t.Fatalf("expected chronological order, got %v at %d", msg.ID, i)
			}
		}
	})

	t.Run("bridge config revision strictly increases", func(t *testing.T) {
		cfg, err := s.PutBridgeConfig(ctx, model.BridgeConfig{ID: "b1", AdapterModule: "fake", Enabled: true})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if cfg.Revision != 1 {
			t.Fatalf("expected revision 1, got %d", cfg.Revision)
		}
		cfg2, err := s.PutBridgeConfig(ctx, model.BridgeConfig{ID: "b1", AdapterModule: "fake", Enabled: false, Revision: 1})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if cfg2.Revision != 2 {
			t.Fatalf("expected revision 2, got %d", cfg2.Revision)
		}
		_, err = s.PutBridgeConfig(ctx, model.BridgeConfig{ID: "b1", Revision: 1})
		if err == nil {
			t.Fatalf("expected revision conflict error")
		}
	})
}

func idFor(i int) string {
	return "chrono-" + string(rune('a'+i))
}
