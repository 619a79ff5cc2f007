// Package storage defines the abstract persistence contract for rooms,
// participants, messages, room bindings, bridge configs, routing policies,
// dead letters, and onboarding flows (spec.md §4.1), plus an in-memory
// reference implementation.
//
// Grounded on pkg/cron/store.go's tolerant StoreBackend contract and
// pkg/simpleruntime/session_store.go's mutex-guarded map-of-copies idiom.
// The in-memory get_or_create calls check and insert under one lock, so
// racing callers all receive the record the first caller inserted.
package storage

import (
	"context"

	"github.com/beeper/bridgefabric/internal/model"
)

// RoomFilter narrows a directory search over rooms.
type RoomFilter struct {
	NameContains string // case-insensitive substring match
	Channel      string
	ExternalID   string
}

// ParticipantFilter narrows a directory search over participants.
type ParticipantFilter struct {
	NameContains string
	Channel      string
	ExternalID   string
}

// Storage is the full persistence contract. Implementations never return
// an error for a missing key from a "get" lookup that has an explicit
// not_found semantics defined in spec.md §4.1 — callers get a typed
// *fabricerr.NotFoundError instead so error handling stays uniform.
type Storage interface {
	// Rooms
	CreateRoom(ctx context.Context, r *model.Room) error
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	UpdateRoom(ctx context.Context, r *model.Room) error
	DeleteRoom(ctx context.Context, id string) error
	ListRooms(ctx context.Context, filter RoomFilter) ([]*model.Room, error)

	// GetOrCreateRoomByExternalBinding resolves (channel, instanceID,
	// externalRoomID) to a Room, creating one with attrs if absent.
	// Concurrent callers racing on the same tuple converge on one winner.
	GetOrCreateRoomByExternalBinding(ctx context.Context, channel, instanceID, externalRoomID string, attrs model.Room) (*model.Room, error)

	// Participants
	CreateParticipant(ctx context.Context, p *model.Participant) error
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	UpdateParticipant(ctx context.Context, p *model.Participant) error
	DeleteParticipant(ctx context.Context, id string) error
	ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*model.Participant, error)

	GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalUserID string, attrs model.Participant) (*model.Participant, error)

	// Messages
	SaveMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// GetMessages returns up to limit messages for roomID, most-recent
	// first internally, reversed to chronological order before returning.
	GetMessages(ctx context.Context, roomID string, limit int) ([]*model.Message, error)
	// FindMessageByExternalID looks up a message by the (channel, bridgeID,
	// externalID) secondary index populated by SaveMessage.
	FindMessageByExternalID(ctx context.Context, channel, bridgeID, externalID string) (*model.Message, error)

	// Room bindings
	CreateRoomBinding(ctx context.Context, b *model.RoomBinding) error
	ListRoomBindings(ctx context.Context, roomID string) ([]*model.RoomBinding, error)
	DeleteRoomBinding(ctx context.Context, id string) error

	// Bridge configs
	PutBridgeConfig(ctx context.Context, cfg model.BridgeConfig) (*model.BridgeConfig, error)
	GetBridgeConfig(ctx context.Context, id string) (*model.BridgeConfig, error)
	ListBridgeConfigs(ctx context.Context, enabledFilter *bool) ([]*model.BridgeConfig, error)

	// Routing policies
	PutRoutingPolicy(ctx context.Context, p model.RoutingPolicy) (*model.RoutingPolicy, error)
	GetRoutingPolicy(ctx context.Context, roomID string) (*model.RoutingPolicy, error)

	// Dead letters
	SaveDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error)
	UpdateDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	DeleteDeadLetter(ctx context.Context, id string) error
	// ListDeadLetters returns every record for bridgeID (all bridges when
	// empty), oldest-first by CreatedAt, for ring eviction and replay scans.
	ListDeadLetters(ctx context.Context, bridgeID string) ([]*model.DeadLetter, error)

	// Onboarding
	SaveOnboarding(ctx context.Context, f *model.OnboardingFlow) error
	GetOnboarding(ctx context.Context, id string) (*model.OnboardingFlow, error)
}
