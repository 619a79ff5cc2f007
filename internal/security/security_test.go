package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
)

type fakeVerifier struct {
	allow bool
	delay time.Duration
}

func (v *fakeVerifier) Verify(ctx context.Context, event map[string]any) (SenderVerdict, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return SenderVerdict{}, ctx.Err()
		}
	}
	if v.allow {
		return SenderVerdict{Allow: true}, nil
	}
	return SenderVerdict{Allow: false, Reason: "spoofed"}, nil
}

func TestVerifySenderAllow(t *testing.T) {
	e := &Engine{Verifier: &fakeVerifier{allow: true}, VerifyTimeout: 50 * time.Millisecond}
	if err := e.VerifySender(context.Background(), nil); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestVerifySenderDeny(t *testing.T) {
	e := &Engine{Verifier: &fakeVerifier{allow: false}, VerifyTimeout: 50 * time.Millisecond}
	err := e.VerifySender(context.Background(), nil)
	var denied *fabricerr.SecurityDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected SecurityDeniedError, got %v", err)
	}
	if denied.SecurityReason != "spoofed" {
		t.Fatalf("expected reason 'spoofed', got %s", denied.SecurityReason)
	}
}

func TestVerifySenderTimeout(t *testing.T) {
	e := &Engine{Verifier: &fakeVerifier{allow: true, delay: 50 * time.Millisecond}, VerifyTimeout: 5 * time.Millisecond}
	err := e.VerifySender(context.Background(), nil)
	var denied *fabricerr.SecurityDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected SecurityDeniedError on timeout, got %v", err)
	}
	if denied.SecurityReason != "timeout" {
		t.Fatalf("expected reason 'timeout', got %s", denied.SecurityReason)
	}
}

func TestSanitizeOutboundMassMention(t *testing.T) {
	e := &Engine{Rules: []OutboundRule{MassMentionRule{}}, SanitizeTimeout: 50 * time.Millisecond}
	msg := &model.Message{Content: model.TextContent("hello @everyone please respond")}
	out, err := e.SanitizeOutbound(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content[0].Text == msg.Content[0].Text {
		t.Fatal("expected mass mention to be neutralized")
	}
	if !containsFold(out.Content[0].Text, "everyone") {
		t.Fatal("expected visible text to survive neutralization")
	}
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func TestSanitizeOutboundControlChars(t *testing.T) {
	e := &Engine{Rules: []OutboundRule{ControlCharRule{}}, SanitizeTimeout: 50 * time.Millisecond}
	msg := &model.Message{Content: model.TextContent("line1\r\nline2\x07bell")}
	out, err := e.SanitizeOutbound(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.Content[0].Text
	want := "line1\nline2bell"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

type slowRule struct{ delay time.Duration }

func (r *slowRule) Name() string { return "slow" }
func (r *slowRule) Apply(ctx context.Context, msg *model.Message) (*model.Message, error) {
	select {
	case <-time.After(r.delay):
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSanitizeOutboundTimeoutDeny(t *testing.T) {
	e := &Engine{Rules: []OutboundRule{&slowRule{delay: 50 * time.Millisecond}}, SanitizeTimeout: 5 * time.Millisecond, SanitizeFallback: FallbackDeny}
	msg := &model.Message{Content: model.TextContent("x")}
	_, err := e.SanitizeOutbound(context.Background(), msg)
	var denied *fabricerr.SecurityDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected SecurityDeniedError on timeout, got %v", err)
	}
}

func TestSanitizeOutboundTimeoutAllowOriginal(t *testing.T) {
	e := &Engine{Rules: []OutboundRule{&slowRule{delay: 50 * time.Millisecond}}, SanitizeTimeout: 5 * time.Millisecond, SanitizeFallback: FallbackAllowOriginal}
	msg := &model.Message{Content: model.TextContent("x")}
	out, err := e.SanitizeOutbound(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content[0].Text != "x" {
		t.Fatalf("expected original content preserved, got %q", out.Content[0].Text)
	}
}
