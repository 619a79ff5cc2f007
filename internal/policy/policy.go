// Package policy implements the gating and moderation contracts from
// spec.md §4.12, run sequentially per configured module with a bounded
// timeout per module and a configurable timeout fallback.
//
// Grounded on spec.md §5/§9's "spawn the callback on a separate task and
// await_timeout" idiom, implemented with golang.org/x/sync/errgroup the way
// the teacher's module graph already depends on the x/sync family.
package policy

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/signalbus"
)

// TimeoutFallback governs what happens when a gater/moderator exceeds its
// bound (spec.md §4.12).
type TimeoutFallback string

const (
	FallbackDeny           TimeoutFallback = "deny"
	FallbackAllowWithFlag  TimeoutFallback = "allow_with_flag"
)

// GateDecision is the result of a Gater.Check call.
type GateDecision struct {
	Allow       bool
	Reason      string
	Description string
}

// Allow is the shared "no objection" gate decision.
type Allow = GateDecision

// Gater is one gating module (spec.md §4.12).
type Gater interface {
	Name() string
	Check(ctx context.Context, ingestContext map[string]any, opts map[string]any) (GateDecision, error)
}

// ModerationAction enumerates what a Moderator decided.
type ModerationAction string

const (
	ModAllow  ModerationAction = "allow"
	ModFlag   ModerationAction = "flag"
	ModModify ModerationAction = "modify"
	ModReject ModerationAction = "reject"
)

// ModerationDecision is the result of a Moderator.Moderate call.
type ModerationDecision struct {
	Action      ModerationAction
	Reason      string
	Description string
	// NewMessage is set when Action == ModModify.
	NewMessage *model.Message
}

// Moderator is one moderation module (spec.md §4.12).
type Moderator interface {
	Name() string
	Moderate(ctx context.Context, msg *model.Message, opts map[string]any) (ModerationDecision, error)
}

// Engine runs the configured gaters/moderators in sequence.
type Engine struct {
	Gaters          []Gater
	Moderators      []Moderator
	GatingTimeout    time.Duration
	ModerationTimeout time.Duration
	TimeoutFallback  TimeoutFallback
	Bus             *signalbus.Bus
}

func (e *Engine) emit(stage, module, outcome string, elapsed time.Duration, extra signalbus.Metadata) {
	if e.Bus == nil {
		return
	}
	meta := signalbus.Metadata{"stage": stage, "policy_module": module, "outcome": outcome}
	for k, v := range extra {
		meta[k] = v
	}
	e.Bus.Emit("ingest.policy.decision", signalbus.Measurements{"elapsed_ms": float64(elapsed.Milliseconds())}, meta)
}

// runBounded executes fn on a separate goroutine (via errgroup) and
// returns its result, or ok=false if it exceeded timeout.
func runBounded[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (result T, err error, ok bool) {
	boundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	group, gctx := errgroup.WithContext(boundCtx)
	done := make(chan struct{})
	group.Go(func() error {
		defer close(done)
		result, err = fn(gctx)
		return err
	})

	select {
	case <-done:
		return result, err, true
	case <-boundCtx.Done():
		var zero T
		return zero, boundCtx.Err(), false
	}
}

// RunGating runs every configured gater in sequence; the first denial
// short-circuits with *fabricerr.PolicyDeniedError.
func (e *Engine) RunGating(ctx context.Context, ingestContext map[string]any, opts map[string]any) error {
	for _, g := range e.Gaters {
		start := time.Now()
		decision, err, ok := runBounded(ctx, e.GatingTimeout, func(ctx context.Context) (GateDecision, error) {
			return g.Check(ctx, ingestContext, opts)
		})
		elapsed := time.Since(start)

		if !ok {
			outcome := string(e.TimeoutFallback)
			e.emit("gating", g.Name(), "timeout:"+outcome, elapsed, nil)
			if e.TimeoutFallback == FallbackDeny {
				return &fabricerr.PolicyDeniedError{Stage: fabricerr.StageGating, PolicyReason: "timeout", Description: "gater " + g.Name() + " timed out"}
			}
			continue // allow_with_flag: caller is expected to flag via opts/metadata
		}
		if err != nil {
			e.emit("gating", g.Name(), "error", elapsed, signalbus.Metadata{"error": err.Error()})
			continue
		}
		if !decision.Allow {
			e.emit("gating", g.Name(), "deny", elapsed, signalbus.Metadata{"reason": decision.Reason})
			return &fabricerr.PolicyDeniedError{Stage: fabricerr.StageGating, PolicyReason: decision.Reason, Description: decision.Description}
		}
		e.emit("gating", g.Name(), "allow", elapsed, nil)
	}
	return nil
}

// ModerationResult is the outcome of RunModeration.
type ModerationResult struct {
	Message *model.Message
	Flags   []ModerationDecision
}

// RunModeration runs every configured moderator in sequence, threading
// modifications through and accumulating flags, per spec.md §4.12.
func (e *Engine) RunModeration(ctx context.Context, msg *model.Message, opts map[string]any) (ModerationResult, error) {
	current := msg
	var flags []ModerationDecision

	for _, mod := range e.Moderators {
		start := time.Now()
		decision, err, ok := runBounded(ctx, e.ModerationTimeout, func(ctx context.Context) (ModerationDecision, error) {
			return mod.Moderate(ctx, current, opts)
		})
		elapsed := time.Since(start)

		if !ok {
			outcome := string(e.TimeoutFallback)
			e.emit("moderation", mod.Name(), "timeout:"+outcome, elapsed, nil)
			if e.TimeoutFallback == FallbackDeny {
				return ModerationResult{}, &fabricerr.PolicyDeniedError{Stage: fabricerr.StageModeration, PolicyReason: "timeout", Description: "moderator " + mod.Name() + " timed out"}
			}
			flags = append(flags, ModerationDecision{Action: ModFlag, Reason: "timeout", Description: "moderator " + mod.Name() + " timed out"})
			continue
		}
		if err != nil {
			e.emit("moderation", mod.Name(), "error", elapsed, signalbus.Metadata{"error": err.Error()})
			continue
		}

		switch decision.Action {
		case ModReject:
			e.emit("moderation", mod.Name(), "reject", elapsed, signalbus.Metadata{"reason": decision.Reason})
			return ModerationResult{}, &fabricerr.PolicyDeniedError{Stage: fabricerr.StageModeration, PolicyReason: decision.Reason, Description: decision.Description}
		case ModFlag:
			e.emit("moderation", mod.Name(), "flag", elapsed, signalbus.Metadata{"reason": decision.Reason})
			flags = append(flags, decision)
		case ModModify:
			e.emit("moderation", mod.Name(), "modify", elapsed, nil)
			if decision.NewMessage != nil {
				current = decision.NewMessage
			}
		default:
			e.emit("moderation", mod.Name(), "allow", elapsed, nil)
		}
	}

	return ModerationResult{Message: current, Flags: flags}, nil
}
