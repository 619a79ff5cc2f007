package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
)

type allowGater struct{ name string }

func (g *allowGater) Name() string { return g.name }
func (g *allowGater) Check(ctx context.Context, ingestContext, opts map[string]any) (GateDecision, error) {
	return GateDecision{Allow: true}, nil
}

type denyGater struct{ name, reason string }

func (g *denyGater) Name() string { return g.name }
func (g *denyGater) Check(ctx context.Context, ingestContext, opts map[string]any) (GateDecision, error) {
	return GateDecision{Allow: false, Reason: g.reason}, nil
}

type slowGater struct{ delay time.Duration }

func (g *slowGater) Name() string { return "slow" }
func (g *slowGater) Check(ctx context.Context, ingestContext, opts map[string]any) (GateDecision, error) {
	select {
	case <-time.After(g.delay):
		return GateDecision{Allow: true}, nil
	case <-ctx.Done():
		return GateDecision{}, ctx.Err()
	}
}

func TestRunGatingAllowsAll(t *testing.T) {
	e := &Engine{
		Gaters:       []Gater{&allowGater{name: "a"}, &allowGater{name: "b"}},
		GatingTimeout: 50 * time.Millisecond,
	}
	if err := e.RunGating(context.Background(), nil, nil); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestRunGatingShortCircuitsOnDeny(t *testing.T) {
	called := false
	secondGater := &allowGater{name: "second"}
	_ = secondGater
	e := &Engine{
		Gaters:       []Gater{&denyGater{name: "first", reason: "blocked"}, &trackingGater{&called}},
		GatingTimeout: 50 * time.Millisecond,
	}
	err := e.RunGating(context.Background(), nil, nil)
	var denied *fabricerr.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDeniedError, got %v", err)
	}
	if denied.PolicyReason != "blocked" {
		t.Fatalf("expected reason 'blocked', got %s", denied.PolicyReason)
	}
	if called {
		t.Fatal("expected second gater to be skipped after first denial")
	}
}

type trackingGater struct{ called *bool }

func (g *trackingGater) Name() string { return "tracking" }
func (g *trackingGater) Check(ctx context.Context, ingestContext, opts map[string]any) (GateDecision, error) {
	*g.called = true
	return GateDecision{Allow: true}, nil
}

func TestRunGatingTimeoutDeny(t *testing.T) {
	e := &Engine{
		Gaters:         []Gater{&slowGater{delay: 50 * time.Millisecond}},
		GatingTimeout:   5 * time.Millisecond,
		TimeoutFallback: FallbackDeny,
	}
	err := e.RunGating(context.Background(), nil, nil)
	var denied *fabricerr.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDeniedError on timeout, got %v", err)
	}
	if denied.PolicyReason != "timeout" {
		t.Fatalf("expected reason 'timeout', got %s", denied.PolicyReason)
	}
}

func TestRunGatingTimeoutAllowWithFlag(t *testing.T) {
	e := &Engine{
		Gaters:         []Gater{&slowGater{delay: 50 * time.Millisecond}},
		GatingTimeout:   5 * time.Millisecond,
		TimeoutFallback: FallbackAllowWithFlag,
	}
	if err := e.RunGating(context.Background(), nil, nil); err != nil {
		t.Fatalf("expected allow_with_flag to not error, got %v", err)
	}
}

type modifyModerator struct{ newText string }

func (m *modifyModerator) Name() string { return "modify" }
func (m *modifyModerator) Moderate(ctx context.Context, msg *model.Message, opts map[string]any) (ModerationDecision, error) {
	modified := *msg
	modified.Content = model.TextContent(m.newText)
	return ModerationDecision{Action: ModModify, NewMessage: &modified}, nil
}

type flagModerator struct{}

func (m *flagModerator) Name() string { return "flag" }
func (m *flagModerator) Moderate(ctx context.Context, msg *model.Message, opts map[string]any) (ModerationDecision, error) {
	return ModerationDecision{Action: ModFlag, Reason: "spammy"}, nil
}

type rejectModerator struct{}

func (m *rejectModerator) Name() string { return "reject" }
func (m *rejectModerator) Moderate(ctx context.Context, msg *model.Message, opts map[string]any) (ModerationDecision, error) {
	return ModerationDecision{Action: ModReject, Reason: "forbidden"}, nil
}

func TestRunModerationThreadsModifications(t *testing.T) {
	e := &Engine{
		Moderators:        []Moderator{&modifyModerator{newText: "replaced"}, &flagModerator{}},
		ModerationTimeout: 50 * time.Millisecond,
	}
	msg := model.Message{Content: model.TextContent("original")}
	result, err := e.RunModeration(context.Background(), &msg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message.Content[0].Text != "replaced" {
		t.Fatalf("expected modified content to thread through, got %+v", result.Message.Content)
	}
	if len(result.Flags) != 1 || result.Flags[0].Reason != "spammy" {
		t.Fatalf("expected one flag, got %+v", result.Flags)
	}
}

func TestRunModerationReject(t *testing.T) {
	e := &Engine{
		Moderators:        []Moderator{&rejectModerator{}},
		ModerationTimeout: 50 * time.Millisecond,
	}
	msg := model.Message{Content: model.TextContent("x")}
	_, err := e.RunModeration(context.Background(), &msg, nil)
	var denied *fabricerr.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDeniedError, got %v", err)
	}
	if denied.Stage != fabricerr.StageModeration {
		t.Fatalf("expected moderation stage, got %s", denied.Stage)
	}
}
