// Package model defines the canonical Room/Participant/Message graph that
// every bridge adapter's traffic is normalized into, plus the supporting
// entities (bindings, bridge config, routing policy, dead letters,
// onboarding flows, session routes) described in spec.md §3.
package model

import "time"

// RoomType enumerates the kinds of Room.
type RoomType string

const (
	RoomDirect  RoomType = "direct"
	RoomGroup   RoomType = "group"
	RoomChannel RoomType = "channel"
	RoomThread  RoomType = "thread"
)

// Room is a platform-agnostic conversation container.
type Room struct {
	ID   string
	Type RoomType
	Name string

	// ExternalBindings mirrors channel -> instance_id -> external_room_id,
	// kept denormalized alongside RoomBinding records for fast lookup.
	ExternalBindings map[string]map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewRoom(id string, typ RoomType) *Room {
	return &Room{
		ID:               id,
		Type:             typ,
		ExternalBindings: map[string]map[string]string{},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
}

// BindExternal records (channel, instanceID) -> externalRoomID on the room's
// denormalized binding map. Callers are expected to also create a
// RoomBinding record via Storage; this only updates the in-struct cache.
func (r *Room) BindExternal(channel, instanceID, externalRoomID string) {
	if r.ExternalBindings == nil {
		r.ExternalBindings = map[string]map[string]string{}
	}
	byInstance, ok := r.ExternalBindings[channel]
	if !ok {
		byInstance = map[string]string{}
		r.ExternalBindings[channel] = byInstance
	}
	byInstance[instanceID] = externalRoomID
}

// ParticipantType enumerates the kind of Participant.
type ParticipantType string

const (
	ParticipantHuman ParticipantType = "human"
	ParticipantAgent ParticipantType = "agent"
)

// Presence enumerates a Participant's presence state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

// Identity holds free-form profile attributes for a Participant.
type Identity struct {
	Name string
	Raw  map[string]any
}

// Participant is a platform-agnostic chat actor (human or agent).
type Participant struct {
	ID         string
	Type       ParticipantType
	Identity   Identity
	ExternalID map[string]string // channel -> external_user_id
	Presence   Presence

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewParticipant(id string, typ ParticipantType) *Participant {
	return &Participant{
		ID:         id,
		Type:       typ,
		ExternalID: map[string]string{},
		Presence:   PresenceOffline,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

// MessageRole enumerates the author role of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageStatus enumerates delivery status.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ContentBlockKind enumerates the kinds of content block a Message can carry.
type ContentBlockKind string

const (
	ContentText       ContentBlockKind = "text"
	ContentImage      ContentBlockKind = "image"
	ContentAudio      ContentBlockKind = "audio"
	ContentVideo      ContentBlockKind = "video"
	ContentFile       ContentBlockKind = "file"
	ContentToolUse    ContentBlockKind = "tool_use"
	ContentToolResult ContentBlockKind = "tool_result"
)

// ContentBlock is one ordered unit of Message content.
type ContentBlock struct {
	Kind ContentBlockKind
	Text string
	// Data carries kind-specific payload (URL, tool name/args, etc).
	Data map[string]any
}

// Receipt records per-participant delivery/read timestamps for a Message.
type Receipt struct {
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// Message is the canonical, platform-agnostic chat message.
type Message struct {
	ID           string
	RoomID       string
	SenderID     string
	Role         MessageRole
	Content      []ContentBlock
	ExternalID   string
	ReplyToID    string
	ThreadRootID string
	Status       MessageStatus
	Reactions    map[string]map[string]struct{} // emoji -> set<participant_id>
	Receipts     map[string]Receipt             // participant_id -> receipt
	Metadata     map[string]any

	InsertedAt time.Time
	UpdatedAt  time.Time
}

func NewMessage(id, roomID, senderID string, role MessageRole) *Message {
	return &Message{
		ID:         id,
		RoomID:     roomID,
		SenderID:   senderID,
		Role:       role,
		Reactions:  map[string]map[string]struct{}{},
		Receipts:   map[string]Receipt{},
		Metadata:   map[string]any{},
		InsertedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

// TextContent returns a single-block text content sequence, or an empty
// sequence when text is empty, per spec.md §4.4 step 3.
func TextContent(text string) []ContentBlock {
	if text == "" {
		return []ContentBlock{}
	}
	return []ContentBlock{{Kind: ContentText, Text: text}}
}

// BindingDirection enumerates which direction a RoomBinding participates in.
type BindingDirection string

const (
	DirectionInbound  BindingDirection = "inbound"
	DirectionOutbound BindingDirection = "outbound"
	DirectionBoth     BindingDirection = "both"
)

// ParticipatesInbound reports whether this direction is visible to ingest
// binding lookups (spec.md §3 invariant: outbound-only bindings never
// participate in ingest).
func (d BindingDirection) ParticipatesInbound() bool {
	return d == DirectionInbound || d == DirectionBoth
}

// ParticipatesOutbound reports whether this direction is visible to
// outbound routing (inbound-only bindings never appear in outbound
// resolution).
func (d BindingDirection) ParticipatesOutbound() bool {
	return d == DirectionOutbound || d == DirectionBoth
}

// RoomBinding maps an internal Room to one external chat on one bridge.
type RoomBinding struct {
	ID             string
	RoomID         string
	Channel        string
	InstanceID     string // legacy alias
	BridgeID       string // current; takes precedence over InstanceID when both set
	ExternalRoomID string
	Direction      BindingDirection

	CreatedAt time.Time
}

// EffectiveBridgeID resolves the bridge_id/instance_id alias per spec.md §9
// open question 3: BridgeID wins when present.
func (b *RoomBinding) EffectiveBridgeID() string {
	if b.BridgeID != "" {
		return b.BridgeID
	}
	return b.InstanceID
}

// BridgeConfig is the mutable, revision-guarded configuration for one bridge.
type BridgeConfig struct {
	ID             string
	AdapterModule  string
	Enabled        bool
	Capabilities   []string
	Opts           map[string]any
	DeliveryPolicy map[string]any
	Revision       int64
	Label          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryMode enumerates RoutingPolicy.DeliveryMode.
type DeliveryMode string

const (
	DeliveryPrimary    DeliveryMode = "primary"
	DeliveryBroadcast  DeliveryMode = "broadcast"
	DeliveryBestEffort DeliveryMode = "best_effort"
)

// FailoverPolicy enumerates RoutingPolicy.FailoverPolicy.
type FailoverPolicy string

const (
	FailoverNextAvailable FailoverPolicy = "next_available"
	FailoverNone          FailoverPolicy = "none"
)

// RoutingPolicy governs how a room's outbound deliveries are ordered/retried.
type RoutingPolicy struct {
	RoomID         string
	DeliveryMode   DeliveryMode
	FailoverPolicy FailoverPolicy
	FallbackOrder  []string
	DedupeScope    string
	Revision       int64
}

// DefaultRoutingPolicy returns the spec.md §4.6 default policy for a room
// with no explicit RoutingPolicy record.
func DefaultRoutingPolicy(roomID string) RoutingPolicy {
	return RoutingPolicy{
		RoomID:         roomID,
		DeliveryMode:   DeliveryBestEffort,
		FailoverPolicy: FailoverNextAvailable,
		FallbackOrder:  nil,
	}
}

// ReplayStatus enumerates DeadLetter.Replay.Status.
type ReplayStatus string

const (
	ReplayNever     ReplayStatus = "never"
	ReplaySucceeded ReplayStatus = "succeeded"
	ReplayFailed    ReplayStatus = "failed"
)

// DeadLetterReplay tracks replay bookkeeping on a DeadLetter record.
type DeadLetterReplay struct {
	Status   ReplayStatus
	Attempts int
}

// DeadLetterRequest captures everything needed to re-dispatch a failed
// outbound request.
type DeadLetterRequest struct {
	Operation      string
	Context        map[string]any
	Payload        map[string]any
	Options        map[string]any
	IdempotencyKey string
}

// DeadLetterDiagnostics records pressure/attempt context at capture time.
type DeadLetterDiagnostics struct {
	QueueCapacity int
	PressureLevel string
	AttemptCount  int
}

// DeadLetter is a persisted record of a terminally failed outbound request.
type DeadLetter struct {
	ID            string
	BridgeID      string
	Reason        string
	Category      string
	Disposition   string
	CorrelationID string
	Request       DeadLetterRequest
	Replay        DeadLetterReplay
	Diagnostics   DeadLetterDiagnostics

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OnboardingStatus enumerates OnboardingFlow.Status.
type OnboardingStatus string

const (
	OnboardingStarted            OnboardingStatus = "started"
	OnboardingDirectoryResolved  OnboardingStatus = "directory_resolved"
	OnboardingPaired             OnboardingStatus = "paired"
	OnboardingCompleted          OnboardingStatus = "completed"
	OnboardingCancelled          OnboardingStatus = "cancelled"
)

// OnboardingTransition is one recorded transition in a flow's history.
type OnboardingTransition struct {
	Transition     string
	Status         OnboardingStatus
	IdempotencyKey string
	At             time.Time
}

// OnboardingFlow is the persisted state of one onboarding FSM instance.
type OnboardingFlow struct {
	OnboardingID        string
	Status              OnboardingStatus
	Transitions         []OnboardingTransition
	SideEffects         []string
	CompletionMetadata  map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionKey identifies a cached outbound route.
type SessionKey struct {
	ChannelType string
	InstanceID  string
	RoomID      string
	ThreadID    string // optional; empty means "room scope"
}

// RoomScopeKey returns the thread-less variant of this key, used as the
// session manager's partition-local fallback lookup per spec.md §4.7.
func (k SessionKey) RoomScopeKey() SessionKey {
	k.ThreadID = ""
	return k
}

// Route describes a resolved outbound delivery target.
type Route struct {
	BridgeID       string
	AdapterModule  string
	Channel        string
	ExternalRoomID string
}

// SessionRouteEntry is the cached value for a SessionKey.
type SessionRouteEntry struct {
	Route       Route
	UpdatedAtMS int64
	ExpiresAtMS int64
	Seq         uint64
}
