package outbound

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/config"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/registry"
)

type fakeAdapter struct {
	channel   string
	sendCount atomic.Int32
	failTimes int
	terminal  bool
}

func (a *fakeAdapter) ChannelType() string { return a.channel }
func (a *fakeAdapter) TransformIncoming(payload []byte) (adapter.Incoming, error) {
	return adapter.Incoming{}, nil
}
func (a *fakeAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (adapter.SendResult, error) {
	n := a.sendCount.Add(1)
	if int(n) <= a.failTimes {
		if a.terminal {
			return adapter.SendResult{}, &terminalErr{msg: "bad request"}
		}
		return adapter.SendResult{}, errors.New("transient failure")
	}
	return adapter.SendResult{ExternalMessageID: "sent-" + text}, nil
}

type terminalErr struct{ msg string }

func (e *terminalErr) Error() string  { return e.msg }
func (e *terminalErr) Terminal() bool { return true }

func testConfig() config.OutboundConfig {
	c := config.Default().Outbound
	c.PartitionCount = 2
	c.QueueCapacity = 4
	c.MaxAttempts = 3
	c.BaseBackoffMS = 1
	c.MaxBackoffMS = 2
	return c
}

func newTestGateway(t *testing.T, a adapter.Adapter) *Gateway {
	t.Helper()
	reg := registry.New(nil)
	if err := reg.Register(registry.ManifestEntry{BridgeID: "bridge_tg", AdapterModule: "telegram", Adapter: a}); err != nil {
		t.Fatalf("register: %v", err)
	}
	g := New(Options{Config: testConfig(), Registry: reg})
	t.Cleanup(g.Close)
	return g
}

func TestSendMessageSuccess(t *testing.T) {
	a := &fakeAdapter{channel: "telegram"}
	g := newTestGateway(t, a)

	res, err := g.SendMessage(context.Background(), Request{BridgeID: "bridge_tg", Channel: "telegram", ExternalRoomID: "room-1", Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExternalMessageID == "" {
		t.Fatal("expected non-empty external message id")
	}
}

func TestSendMessageRetriesThenSucceeds(t *testing.T) {
	a := &fakeAdapter{channel: "telegram", failTimes: 2}
	g := newTestGateway(t, a)

	res, err := g.SendMessage(context.Background(), Request{BridgeID: "bridge_tg", Channel: "telegram", ExternalRoomID: "room-1", Text: "hi"})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if a.sendCount.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", a.sendCount.Load())
	}
	_ = res
}

func TestSendMessageTerminalErrorNoRetry(t *testing.T) {
	a := &fakeAdapter{channel: "telegram", failTimes: 99, terminal: true}
	g := newTestGateway(t, a)

	_, err := g.SendMessage(context.Background(), Request{BridgeID: "bridge_tg", Channel: "telegram", ExternalRoomID: "room-1", Text: "hi"})
	var outErr *fabricerr.OutboundError
	if !errors.As(err, &outErr) {
		t.Fatalf("expected OutboundError, got %v", err)
	}
	if outErr.Category != fabricerr.CategoryTerminal {
		t.Fatalf("expected terminal category, got %s", outErr.Category)
	}
	if a.sendCount.Load() != 1 {
		t.Fatalf("expected exactly one attempt for a terminal error, got %d", a.sendCount.Load())
	}
}

func TestSendMessageExhaustsRetriesAndCapturesDeadLetter(t *testing.T) {
	a := &fakeAdapter{channel: "telegram", failTimes: 99}
	var captured *model.DeadLetter
	sink := deadLetterFunc(func(ctx context.Context, dl *model.DeadLetter) (string, error) {
		captured = dl
		return "dl-1", nil
	})

	reg := registry.New(nil)
	if err := reg.Register(registry.ManifestEntry{BridgeID: "bridge_tg", Adapter: a}); err != nil {
		t.Fatalf("register: %v", err)
	}
	g := New(Options{Config: testConfig(), Registry: reg, DeadLetters: sink})
	defer g.Close()

	_, err := g.SendMessage(context.Background(), Request{BridgeID: "bridge_tg", Channel: "telegram", ExternalRoomID: "room-1", Text: "hi"})
	var outErr *fabricerr.OutboundError
	if !errors.As(err, &outErr) {
		t.Fatalf("expected OutboundError, got %v", err)
	}
	if outErr.DeadLetterID != "dl-1" {
		t.Fatalf("expected dead letter id dl-1, got %s", outErr.DeadLetterID)
	}
	if captured == nil || captured.BridgeID != "bridge_tg" {
		t.Fatalf("expected dead letter captured for bridge_tg, got %+v", captured)
	}
	if a.sendCount.Load() != int32(testConfig().MaxAttempts) {
		t.Fatalf("expected max_attempts attempts, got %d", a.sendCount.Load())
	}
}

type deadLetterFunc func(ctx context.Context, dl *model.DeadLetter) (string, error)

func (f deadLetterFunc) Capture(ctx context.Context, dl *model.DeadLetter) (string, error) {
	return f(ctx, dl)
}

func TestEditMessageWithoutExternalIDFails(t *testing.T) {
	a := &fakeAdapter{channel: "telegram"}
	g := newTestGateway(t, a)

	_, err := g.EditMessage(context.Background(), Request{BridgeID: "bridge_tg", ExternalRoomID: "room-1", Text: "edited"})
	var missing *fabricerr.MissingExternalMessageIDError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingExternalMessageIDError, got %v", err)
	}
}

func TestIdempotentDuplicateReturnsCachedResult(t *testing.T) {
	a := &fakeAdapter{channel: "telegram"}
	g := newTestGateway(t, a)

	req := Request{BridgeID: "bridge_tg", ExternalRoomID: "room-1", Text: "hi", IdempotencyKey: "dup-key"}
	res1, err := g.SendMessage(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res2, err := g.SendMessage(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res1.ExternalMessageID != res2.ExternalMessageID {
		t.Fatalf("expected cached result reused, got %+v vs %+v", res1, res2)
	}
	if a.sendCount.Load() != 1 {
		t.Fatalf("expected adapter invoked exactly once, got %d", a.sendCount.Load())
	}
}

func TestQueueFullReturnsImmediately(t *testing.T) {
	a := &blockingAdapter{release: make(chan struct{})}
	reg := registry.New(nil)
	if err := reg.Register(registry.ManifestEntry{BridgeID: "bridge_tg", Adapter: a}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := testConfig()
	cfg.PartitionCount = 1
	cfg.QueueCapacity = 1
	g := New(Options{Config: cfg, Registry: reg})
	defer func() {
		close(a.release)
		g.Close()
	}()

	ctx := context.Background()
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(n int) {
			_, err := g.SendMessage(ctx, Request{BridgeID: "bridge_tg", ExternalRoomID: "room-1", Text: "msg", IdempotencyKey: "k" + string(rune('a'+n))})
			errs <- err
		}(i)
	}

	var queueFullCount int
	for i := 0; i < 4; i++ {
		err := <-errs
		var qf *fabricerr.QueueFullError
		if errors.As(err, &qf) {
			queueFullCount++
		}
	}
	if queueFullCount == 0 {
		t.Fatal("expected at least one queue_full rejection under contention")
	}
}

type blockingAdapter struct {
	release chan struct{}
}

func (a *blockingAdapter) ChannelType() string { return "telegram" }
func (a *blockingAdapter) TransformIncoming(payload []byte) (adapter.Incoming, error) {
	return adapter.Incoming{}, nil
}
func (a *blockingAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (adapter.SendResult, error) {
	<-a.release
	return adapter.SendResult{ExternalMessageID: "sent"}, nil
}

func TestPressureLevelFor(t *testing.T) {
	cfg := config.OutboundConfig{WarnRatio: 0.5, DegradedRatio: 0.75, ShedRatio: 0.9}
	cases := []struct {
		ratio float64
		want  PressureLevel
	}{
		{0.1, PressureNormal},
		{0.5, PressureWarn},
		{0.75, PressureDegraded},
		{0.9, PressureShed},
		{1.0, PressureShed},
	}
	for _, c := range cases {
		if got := pressureLevelFor(c.ratio, cfg); got != c.want {
			t.Fatalf("ratio %v: expected %s, got %s", c.ratio, c.want, got)
		}
	}
}

func TestFullJitterBackoffBounded(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		d := fullJitterBackoff(attempt, 10, 100)
		if d < 0 || d > 100*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
}

func TestSendMediaUnsupportedFallsBackToTextAndRecordsMetadata(t *testing.T) {
	a := &fakeAdapter{channel: "telegram"} // does not implement adapter.MediaSender
	reg := registry.New(nil)
	if err := reg.Register(registry.ManifestEntry{BridgeID: "bridge_tg", Adapter: a}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := testConfig()
	cfg.UnsupportedMediaPolicy = "fallback_text"
	g := New(Options{Config: cfg, Registry: reg})
	defer g.Close()

	res, err := g.SendMedia(context.Background(), Request{
		BridgeID:       "bridge_tg",
		ExternalRoomID: "room-1",
		Media:          &adapter.MediaItem{Kind: "image", MimeType: "image/png", Data: []byte("x")},
		FallbackText:   "sent an image",
	})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if res.Raw["media_fallback"] != true {
		t.Fatalf("expected media_fallback=true recorded on the result, got %+v", res.Raw)
	}
	if res.Raw["fallback_mode"] != "text_send" {
		t.Fatalf("expected fallback_mode=text_send recorded on the result, got %+v", res.Raw)
	}
	if a.sendCount.Load() != 1 {
		t.Fatalf("expected the fallback to dispatch via SendMessage once, got %d", a.sendCount.Load())
	}
}

func TestSendMediaUnsupportedRejectsWhenPolicyIsReject(t *testing.T) {
	a := &fakeAdapter{channel: "telegram"}
	reg := registry.New(nil)
	if err := reg.Register(registry.ManifestEntry{BridgeID: "bridge_tg", Adapter: a}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := testConfig()
	cfg.UnsupportedMediaPolicy = "reject"
	g := New(Options{Config: cfg, Registry: reg})
	defer g.Close()

	_, err := g.SendMedia(context.Background(), Request{
		BridgeID:       "bridge_tg",
		ExternalRoomID: "room-1",
		Media:          &adapter.MediaItem{Kind: "image", MimeType: "image/png", Data: []byte("x")},
	})
	var unsupported *fabricerr.UnsupportedMediaError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedMediaError, got %v", err)
	}
}

func TestSentCacheEviction(t *testing.T) {
	c := newSentCache(2, 0)
	c.put("a", adapter.SendResult{ExternalMessageID: "a"})
	c.put("b", adapter.SendResult{ExternalMessageID: "b"})
	c.put("c", adapter.SendResult{ExternalMessageID: "c"})

	if _, ok := c.get("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("expected most recent entry retained")
	}
}
