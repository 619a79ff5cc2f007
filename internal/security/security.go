// Package security implements the verify_sender and sanitize_outbound
// contracts from spec.md §4.13, sharing the bounded-timeout idiom used by
// internal/policy.
package security

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
)

// SanitizeFallback governs what happens when sanitize_outbound exceeds its
// bound (spec.md §4.13).
type SanitizeFallback string

const (
	FallbackDeny           SanitizeFallback = "deny"
	FallbackAllowOriginal  SanitizeFallback = "allow_original"
)

// SenderVerdict is the result of a SenderVerifier.Verify call.
type SenderVerdict struct {
	Allow  bool
	Reason string
}

// SenderVerifier checks that an inbound event's claimed sender is who it
// says it is (spec.md §4.13 verify_sender).
type SenderVerifier interface {
	Verify(ctx context.Context, event map[string]any) (SenderVerdict, error)
}

// OutboundRule rewrites or rejects an outbound message before it leaves the
// fabric (spec.md §4.13 sanitize_outbound).
type OutboundRule interface {
	Name() string
	Apply(ctx context.Context, msg *model.Message) (*model.Message, error)
}

// Engine runs sender verification and outbound sanitization.
type Engine struct {
	Verifier        SenderVerifier
	Rules           []OutboundRule
	VerifyTimeout   time.Duration
	SanitizeTimeout time.Duration
	SanitizeFallback SanitizeFallback
}

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

// VerifySender runs the configured verifier. A verifier that exceeds
// VerifyTimeout always denies: the engine has no allow-with-flag fallback for
// verification, and config.SecurityConfig.VerifyFallback is not consulted.
func (e *Engine) VerifySender(ctx context.Context, event map[string]any) error {
	if e.Verifier == nil {
		return nil
	}
	verdict, err, ok := runBounded(ctx, e.VerifyTimeout, func(ctx context.Context) (SenderVerdict, error) {
		return e.Verifier.Verify(ctx, event)
	})
	if !ok {
		return &fabricerr.SecurityDeniedError{Stage: fabricerr.StageVerifySender, SecurityReason: "timeout", Description: "sender verification timed out"}
	}
	if err != nil {
		return &fabricerr.SecurityDeniedError{Stage: fabricerr.StageVerifySender, SecurityReason: "error", Description: err.Error()}
	}
	if !verdict.Allow {
		return &fabricerr.SecurityDeniedError{Stage: fabricerr.StageVerifySender, SecurityReason: verdict.Reason, Description: "sender verification denied"}
	}
	return nil
}

// SanitizeOutbound runs every configured rule in sequence, threading
// rewrites through. A rule that exceeds SanitizeTimeout is resolved by
// SanitizeFallback: deny aborts the send, allow_original skips that rule and
// keeps the message as of the prior rule.
func (e *Engine) SanitizeOutbound(ctx context.Context, msg *model.Message) (*model.Message, error) {
	current := msg
	for _, rule := range e.Rules {
		next, err, ok := runBounded(ctx, e.SanitizeTimeout, func(ctx context.Context) (*model.Message, error) {
			return rule.Apply(ctx, current)
		})
		if !ok {
			if e.SanitizeFallback == FallbackDeny {
				return nil, &fabricerr.SecurityDeniedError{Stage: fabricerr.StageSanitizeOutbound, SecurityReason: "timeout", Description: "rule " + rule.Name() + " timed out"}
			}
			continue
		}
		if err != nil {
			return nil, &fabricerr.SecurityDeniedError{Stage: fabricerr.StageSanitizeOutbound, SecurityReason: "error", Description: err.Error()}
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}

// MassMentionRule neutralizes broadcast-style mentions (@everyone,
// @here, @channel, @all) in outbound text content, per spec.md §4.13's outbound
// sanitization rule set.
type MassMentionRule struct{}

func (MassMentionRule) Name() string { return "mass_mention" }

var massMentionTokens = []string{"@everyone", "@here", "@channel", "@all"}

func (MassMentionRule) Apply(ctx context.Context, msg *model.Message) (*model.Message, error) {
	out := *msg
	blocks := make([]model.ContentBlock, len(msg.Content))
	copy(blocks, msg.Content)
	for i, b := range blocks {
		if b.Kind != model.ContentText {
			continue
		}
		text := b.Text
		for _, tok := range massMentionTokens {
			text = replaceCaseInsensitive(text, tok, "@"+"\u200b"+tok[1:])
		}
		blocks[i].Text = text
	}
	out.Content = blocks
	return &out, nil
}

func replaceCaseInsensitive(s, old, new string) string {
	lowerS, lowerOld := strings.ToLower(s), strings.ToLower(old)
	var b strings.Builder
	for {
		idx := strings.Index(lowerS, lowerOld)
		if idx < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:idx])
		b.WriteString(new)
		s = s[idx+len(old):]
		lowerS = lowerS[idx+len(old):]
	}
	return b.String()
}

// ControlCharRule normalizes CRLF and lone CR to LF in outbound text
// content and strips every other character below 0x20 except LF and tab.
type ControlCharRule struct{}

func (ControlCharRule) Name() string { return "control_chars" }

func (ControlCharRule) Apply(ctx context.Context, msg *model.Message) (*model.Message, error) {
	out := *msg
	blocks := make([]model.ContentBlock, len(msg.Content))
	copy(blocks, msg.Content)
	for i, b := range blocks {
		if b.Kind != model.ContentText {
			continue
		}
		blocks[i].Text = stripControlChars(b.Text)
	}
	out.Content = blocks
	return &out, nil
}

func stripControlChars(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
