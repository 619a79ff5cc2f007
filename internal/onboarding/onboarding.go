// Package onboarding implements the instance onboarding FSM (spec.md
// §4.9): a small transition DAG (started -> directory_resolved -> paired
// -> completed, with cancel reachable from any non-terminal state) driven
// by advance calls that are idempotent per caller-supplied key.
//
// Grounded on internal/storage's load/mutate/persist-under-lock idiom,
// adapted here to a transition-table FSM instead of a plain CRUD record.
package onboarding

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/signalbus"
	"github.com/beeper/bridgefabric/internal/storage"
)

// transitions maps a flow's current status to the transitions legal from
// it, and the status each one lands on.
var transitions = map[model.OnboardingStatus]map[string]model.OnboardingStatus{
	model.OnboardingStarted: {
		"cancel":            model.OnboardingCancelled,
		"resolve_directory": model.OnboardingDirectoryResolved,
	},
	model.OnboardingDirectoryResolved: {
		"cancel":        model.OnboardingCancelled,
		"pair_identity": model.OnboardingPaired,
	},
	model.OnboardingPaired: {
		"cancel":   model.OnboardingCancelled,
		"complete": model.OnboardingCompleted,
	},
}

func isTerminal(status model.OnboardingStatus) bool {
	return status == model.OnboardingCompleted || status == model.OnboardingCancelled
}

func allowedFrom(status model.OnboardingStatus) []string {
	set := transitions[status]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// Manager drives onboarding flows.
type Manager struct {
	Storage storage.Storage
	Bus     *signalbus.Bus
	Log     *zerolog.Logger
	NewID   func() string
	Now     func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// Start creates a new flow in the started state.
func (m *Manager) Start(ctx context.Context, onboardingID string) (*model.OnboardingFlow, error) {
	if onboardingID == "" {
		onboardingID = m.NewID()
	}
	flow := &model.OnboardingFlow{OnboardingID: onboardingID, Status: model.OnboardingStarted}
	if err := m.Storage.SaveOnboarding(ctx, flow); err != nil {
		return nil, err
	}
	m.emit("onboarding.started", onboardingID, nil)
	return flow, nil
}

// Resume loads a flow's persisted state, rebuilding the in-memory view a
// caller needs to keep driving it (spec.md §4.9 "resume rebuilding
// in-memory state from persisted flow").
func (m *Manager) Resume(ctx context.Context, onboardingID string) (*model.OnboardingFlow, error) {
	return m.Storage.GetOnboarding(ctx, onboardingID)
}

// AdvanceResult is the outcome of Advance.
type AdvanceResult struct {
	Flow       *model.OnboardingFlow
	Idempotent bool
}

// Advance applies transition to onboardingID's flow. A repeated call with
// the same idempotencyKey is a no-op returning Idempotent: true and the
// flow unchanged (spec.md §8 property 7: "exactly one transition entry and
// one side-effect entry" per key).
func (m *Manager) Advance(ctx context.Context, onboardingID, transition string, attrs map[string]any, idempotencyKey string) (AdvanceResult, error) {
	flow, err := m.Storage.GetOnboarding(ctx, onboardingID)
	if err != nil {
		return AdvanceResult{}, err
	}

	if idempotencyKey != "" {
		for _, t := range flow.Transitions {
			if t.IdempotencyKey == idempotencyKey {
				return AdvanceResult{Flow: flow, Idempotent: true}, nil
			}
		}
	}

	allowed, ok := transitions[flow.Status]
	if !ok {
		// flow.Status is a terminal state: nothing is legal from here.
		return AdvanceResult{}, &fabricerr.InvalidTransitionError{
			From: string(flow.Status), Transition: transition, Allowed: nil, Class: "fatal",
		}
	}
	newStatus, ok := allowed[transition]
	if !ok {
		return AdvanceResult{}, &fabricerr.InvalidTransitionError{
			From: string(flow.Status), Transition: transition, Allowed: allowedFrom(flow.Status), Class: "fatal",
		}
	}

	flow.Status = newStatus
	flow.Transitions = append(flow.Transitions, model.OnboardingTransition{
		Transition: transition, Status: newStatus, IdempotencyKey: idempotencyKey, At: m.now(),
	})
	flow.SideEffects = append(flow.SideEffects, sideEffectFor(transition, attrs))
	if newStatus == model.OnboardingCompleted {
		flow.CompletionMetadata = attrs
	}

	if err := m.Storage.SaveOnboarding(ctx, flow); err != nil {
		return AdvanceResult{}, err
	}
	m.emit("onboarding.transitioned", onboardingID, signalbus.Metadata{"transition": transition, "status": string(newStatus)})
	if isTerminal(newStatus) {
		m.emit("onboarding.finished", onboardingID, signalbus.Metadata{"status": string(newStatus)})
	}
	return AdvanceResult{Flow: flow}, nil
}

func sideEffectFor(transition string, attrs map[string]any) string {
	if len(attrs) == 0 {
		return transition
	}
	if name, ok := attrs["side_effect"].(string); ok && name != "" {
		return name
	}
	return transition
}

func (m *Manager) emit(name, onboardingID string, extra signalbus.Metadata) {
	if m.Bus == nil {
		return
	}
	meta := signalbus.Metadata{"component": "onboarding", "onboarding_id": onboardingID}
	for k, v := range extra {
		meta[k] = v
	}
	m.Bus.Emit(name, nil, meta)
}
