package registry

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/beeper/bridgefabric/internal/adapter"
)

type fakeAdapter struct {
	channel string
}

func (f *fakeAdapter) ChannelType() string { return f.channel }
func (f *fakeAdapter) TransformIncoming(payload []byte) (adapter.Incoming, error) {
	return adapter.Incoming{}, nil
}
func (f *fakeAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (adapter.SendResult, error) {
	return adapter.SendResult{ExternalMessageID: "sent"}, nil
}

var _ adapter.Adapter = (*fakeAdapter)(nil)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func resolver(adapterModule string, m Manifest) (adapter.Adapter, error) {
	return &fakeAdapter{channel: adapterModule}, nil
}

func TestBootstrapRegistersValidManifests(t *testing.T) {
	dir := t.TempDir()
	p1 := writeManifest(t, dir, "tg.json", `{"manifest_version":1,"id":"bridge_tg","adapter_module":"telegram"}`)

	reg := New(nil)
	result, err := Bootstrap(context.Background(), reg, nil, BootstrapOptions{
		Paths:    []string{p1},
		Resolver: resolver,
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(result.Registered) != 1 || result.Registered[0] != "bridge_tg" {
		t.Fatalf("expected bridge_tg registered, got %v", result.Registered)
	}
	if _, ok := reg.Get("bridge_tg"); !ok {
		t.Fatal("expected bridge_tg in registry")
	}
}

func TestBootstrapFatalOnRequiredBridge(t *testing.T) {
	dir := t.TempDir()
	p1 := writeManifest(t, dir, "bad.json", `not json`)

	reg := New(nil)
	_, err := Bootstrap(context.Background(), reg, nil, BootstrapOptions{
		Paths:           []string{p1},
		RequiredBridges: map[string]bool{"bridge_required": true},
		Resolver:        resolver,
	})
	if err == nil {
		t.Fatal("expected fatal required bridge error")
	}
}

func TestBootstrapCollisionPreferLast(t *testing.T) {
	dir := t.TempDir()
	p1 := writeManifest(t, dir, "a.json", `{"manifest_version":1,"id":"bridge_tg","adapter_module":"telegram-v1"}`)
	p2 := writeManifest(t, dir, "b.json", `{"manifest_version":1,"id":"bridge_tg","adapter_module":"telegram-v2"}`)

	reg := New(nil)
	result, err := Bootstrap(context.Background(), reg, nil, BootstrapOptions{
		Paths:           []string{p1, p2},
		CollisionPolicy: PreferLast,
		Resolver:        resolver,
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(result.Registered) != 1 {
		t.Fatalf("expected one winner, got %v", result.Registered)
	}
	entry, _ := reg.Get("bridge_tg")
	if entry.AdapterModule != "telegram-v2" {
		t.Fatalf("expected prefer_last to keep telegram-v2, got %s", entry.AdapterModule)
	}
}

func TestBootstrapDegradesOptionalBridgeOnUnknownAdapter(t *testing.T) {
	dir := t.TempDir()
	p1 := writeManifest(t, dir, "x.json", `{"manifest_version":1,"id":"bridge_x","adapter_module":"telegram"}`)

	reg := New(nil)
	result, err := Bootstrap(context.Background(), reg, nil, BootstrapOptions{
		Paths: []string{p1},
		Resolver: func(adapterModule string, m Manifest) (adapter.Adapter, error) {
			return nil, http.ErrServerClosed
		},
	})
	if err != nil {
		t.Fatalf("expected optional-bridge degradation, not fatal error: %v", err)
	}
	if len(result.Registered) != 0 {
		t.Fatalf("expected no registrations, got %v", result.Registered)
	}
	found := false
	for _, d := range result.Diagnostics {
		if d.Type == DiagUnknownAdapter {
			found = true
		}
	}
	if !found {
		t.Fatal("expected unknown_adapter_module diagnostic")
	}
}
