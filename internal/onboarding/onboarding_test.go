package onboarding

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/storage"
)

func newTestManager() *Manager {
	var n int32
	return &Manager{
		Storage: storage.New(),
		NewID:   func() string { return "o" + strconv.Itoa(int(atomic.AddInt32(&n, 1))) },
	}
}

func TestStartCreatesFlowInStartedState(t *testing.T) {
	m := newTestManager()
	flow, err := m.Start(context.Background(), "o1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flow.Status != model.OnboardingStarted {
		t.Fatalf("expected started, got %s", flow.Status)
	}
}

func TestAdvanceRejectsIllegalTransition(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if _, err := m.Start(ctx, "o1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := m.Advance(ctx, "o1", "pair_identity", nil, "k1")
	var invalid *fabricerr.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != string(model.OnboardingStarted) {
		t.Fatalf("expected from=started, got %s", invalid.From)
	}
}

func TestAdvanceWalksTheHappyPath(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if _, err := m.Start(ctx, "o1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := m.Advance(ctx, "o1", "resolve_directory", nil, "d1")
	if err != nil {
		t.Fatalf("resolve_directory: %v", err)
	}
	if res.Flow.Status != model.OnboardingDirectoryResolved {
		t.Fatalf("expected directory_resolved, got %s", res.Flow.Status)
	}

	res, err = m.Advance(ctx, "o1", "pair_identity", nil, "p1")
	if err != nil {
		t.Fatalf("pair_identity: %v", err)
	}
	if res.Flow.Status != model.OnboardingPaired {
		t.Fatalf("expected paired, got %s", res.Flow.Status)
	}

	res, err = m.Advance(ctx, "o1", "complete", map[string]any{"note": "done"}, "c1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Flow.Status != model.OnboardingCompleted {
		t.Fatalf("expected completed, got %s", res.Flow.Status)
	}
	if res.Flow.CompletionMetadata["note"] != "done" {
		t.Fatalf("expected completion metadata preserved, got %+v", res.Flow.CompletionMetadata)
	}
}

func TestAdvanceRepeatedKeyIsIdempotent(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if _, err := m.Start(ctx, "o1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := m.Advance(ctx, "o1", "resolve_directory", nil, "d1"); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	res, err := m.Advance(ctx, "o1", "resolve_directory", nil, "d1")
	if err != nil {
		t.Fatalf("repeated advance: %v", err)
	}
	if !res.Idempotent {
		t.Fatal("expected idempotent result for a repeated key")
	}
	if len(res.Flow.Transitions) != 1 {
		t.Fatalf("expected exactly one transition entry, got %d", len(res.Flow.Transitions))
	}
	if len(res.Flow.SideEffects) != 1 {
		t.Fatalf("expected exactly one side effect entry, got %d", len(res.Flow.SideEffects))
	}
}

func TestAdvanceFromTerminalStateIsInvalid(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if _, err := m.Start(ctx, "o1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Advance(ctx, "o1", "cancel", nil, "x1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := m.Advance(ctx, "o1", "resolve_directory", nil, "x2")
	var invalid *fabricerr.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.Class != "fatal" {
		t.Fatalf("expected fatal class, got %s", invalid.Class)
	}
}
