// Package adapter defines the bridge adapter contract (spec.md §6.1): a
// base Adapter interface every bridge must implement, plus one optional
// capability interface per optional callback. Capability declarations are
// checked at registration time by asserting the adapter value against the
// interface the declared capability requires — mirroring how
// pkg/bridgeadapter.Adapter and bridgev2.MatrixAPI treat optional behavior
// as type assertions (see the ephemeralSender assertion in
// pkg/bridgeadapter/bridgeadapter.go) rather than runtime reflection.
package adapter

import (
	"context"
	"net/http"

	"github.com/beeper/bridgefabric/internal/fabricerr"
)

// Incoming is the adapter-normalized shape of one inbound event, prior to
// canonicalization by internal/ingest (spec.md §6.1).
type Incoming struct {
	ExternalRoomID    string
	ExternalUserID    string
	ExternalMessageID string
	ExternalReplyToID string
	Text              string
	Username          string
	DisplayName       string
	ChatType          string
	Timestamp         int64 // ms epoch, 0 if adapter didn't supply one
	Raw               map[string]any
}

// SendResult is the adapter's response to a successful send/edit.
type SendResult struct {
	ExternalMessageID string
	Raw               map[string]any
}

// Adapter is the mandatory contract every bridge adapter implements.
type Adapter interface {
	ChannelType() string
	TransformIncoming(payload []byte) (Incoming, error)
	SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (SendResult, error)
}

// Capability is a declared optional-callback name, from the fixed closed
// set enumerated in spec.md §6.1.
type Capability string

const (
	CapEditMessage           Capability = "edit_message"
	CapSendMedia             Capability = "send_media"
	CapEditMedia             Capability = "edit_media"
	CapVerifyWebhook         Capability = "verify_webhook"
	CapParseEvent            Capability = "parse_event"
	CapListenerChildSpecs    Capability = "listener_child_specs"
	CapCheckHealth           Capability = "check_health"
	CapExtractThreadContext  Capability = "extract_thread_context"
	CapParseMentions         Capability = "parse_mentions"
	CapStripMentions         Capability = "strip_mentions"
	CapWasMentioned          Capability = "was_mentioned?"
	CapExtractCommandHint    Capability = "extract_command_hint"
	CapVerifySender          Capability = "verify_sender"
	CapSanitizeOutbound      Capability = "sanitize_outbound"
)

// MessageEditor is the optional edit_message capability.
type MessageEditor interface {
	EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts map[string]any) (SendResult, error)
}

// MediaItem describes one outbound media attachment.
type MediaItem struct {
	Kind     string // image | audio | video | file
	MimeType string
	Data     []byte
	Filename string
}

// MediaSender is the optional send_media capability.
type MediaSender interface {
	SendMedia(ctx context.Context, externalRoomID string, item MediaItem, opts map[string]any) (SendResult, error)
}

// MediaEditor is the optional edit_media capability.
type MediaEditor interface {
	EditMedia(ctx context.Context, externalRoomID, externalMessageID string, item MediaItem, opts map[string]any) (SendResult, error)
}

// WebhookVerifier is the optional verify_webhook capability.
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request, opts map[string]any) error
}

// Event is a non-message event surfaced verbatim to the webhook caller.
type Event struct {
	EventType string
	Payload   map[string]any
}

// ParsedEvent is the union returned by EventParser.ParseEvent: exactly one
// of NoOp/Event/Message is set, mirroring spec.md §4.11 step 3.
type ParsedEvent struct {
	NoOp    bool
	Event   *Event
	Message *Incoming
}

// EventParser is the optional parse_event capability.
type EventParser interface {
	ParseEvent(r *http.Request) (ParsedEvent, error)
}

// ListenerSpec describes one child listener process to start, in the order
// declared.
type ListenerSpec struct {
	Name string
	Opts map[string]any
}

// ListenerProvider is the optional listener_child_specs capability.
type ListenerProvider interface {
	ListenerChildSpecs(bridgeID string, opts map[string]any) ([]ListenerSpec, error)
}

// HealthChecker is the optional check_health capability.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
	ProbeIntervalMS() int64
}

// ThreadContextExtractor is the optional extract_thread_context /
// compute_thread_root capability.
type ThreadContextExtractor interface {
	ExtractThreadContext(in Incoming) (threadID string, ok bool)
	ComputeThreadRoot(in Incoming) (rootID string, ok bool)
}

// MentionParser is the optional parse_mentions/strip_mentions/was_mentioned?
// capability.
type MentionParser interface {
	ParseMentions(text string) []string
	StripMentions(text string) string
	WasMentioned(text string, selfID string) bool
}

// CommandHintExtractor is the optional extract_command_hint capability.
type CommandHintExtractor interface {
	ExtractCommandHint(text string) (hint string, ok bool)
}

// SenderVerifier is the optional verify_sender capability (spec.md §4.13).
type SenderVerifier interface {
	VerifySender(ctx context.Context, in Incoming, rawPayload []byte, opts map[string]any) (claimedExternalUserID string, err error)
}

// OutboundSanitizer is the optional sanitize_outbound capability
// (spec.md §4.13).
type OutboundSanitizer interface {
	SanitizeOutbound(ctx context.Context, text string, opts map[string]any) (string, error)
}

// capabilityCheckers maps each declared Capability to a predicate asserting
// the adapter value implements the interface the capability requires.
var capabilityCheckers = map[Capability]func(a Adapter) bool{
	CapEditMessage: func(a Adapter) bool { _, ok := a.(MessageEditor); return ok },
	CapSendMedia: func(a Adapter) bool { _, ok := a.(MediaSender); return ok },
	CapEditMedia: func(a Adapter) bool { _, ok := a.(MediaEditor); return ok },
	CapVerifyWebhook: func(a Adapter) bool { _, ok := a.(WebhookVerifier); return ok },
	CapParseEvent: func(a Adapter) bool { _, ok := a.(EventParser); return ok },
	CapListenerChildSpecs: func(a Adapter) bool { _, ok := a.(ListenerProvider); return ok },
	CapCheckHealth: func(a Adapter) bool { _, ok := a.(HealthChecker); return ok },
	CapExtractThreadContext: func(a Adapter) bool { _, ok := a.(ThreadContextExtractor); return ok },
	CapParseMentions: func(a Adapter) bool { _, ok := a.(MentionParser); return ok },
	CapStripMentions: func(a Adapter) bool { _, ok := a.(MentionParser); return ok },
	CapWasMentioned: func(a Adapter) bool { _, ok := a.(MentionParser); return ok },
	CapExtractCommandHint: func(a Adapter) bool { _, ok := a.(CommandHintExtractor); return ok },
	CapVerifySender: func(a Adapter) bool { _, ok := a.(SenderVerifier); return ok },
	CapSanitizeOutbound: func(a Adapter) bool { _, ok := a.(OutboundSanitizer); return ok },
}

// CheckCapabilities validates that every declared capability is a known
// capability and that the adapter actually implements the callback it
// requires (spec.md §4.3/§6.1). Returns the first violation encountered, as
// one of the fabricerr taxonomy's *fabricerr.UnknownCapabilityError /
// *fabricerr.MissingCallbackError.
func CheckCapabilities(a Adapter, declared []string) error {
	for _, raw := range declared {
		cap := Capability(raw)
		checker, known := capabilityCheckers[cap]
		if !known {
			return &fabricerr.UnknownCapabilityError{Capability: raw}
		}
		if !checker(a) {
			return &fabricerr.MissingCallbackError{Capability: raw}
		}
	}
	return nil
}
