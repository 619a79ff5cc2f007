// Package ingest implements ingest_incoming, the inbound pipeline that
// turns one adapter.Incoming event into a canonical model.Message
// (spec.md §4.4): room/participant upsert, gating, moderation, sender
// verification, then persist.
//
// Grounded on the teacher's connector message-handling flow (resolve
// portal/ghost → convert event → run hooks → persist), generalized from
// Matrix-specific portal/ghost types to the canonical Room/Participant
// model.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/policy"
	"github.com/beeper/bridgefabric/internal/security"
	"github.com/beeper/bridgefabric/internal/signalbus"
	"github.com/beeper/bridgefabric/internal/storage"
)

// RoomTypeForChatType maps an adapter-reported chat_type string to a
// model.RoomType, per spec.md §4.4 step 1. Unknown or empty chat types map
// to direct.
func RoomTypeForChatType(chatType string) model.RoomType {
	switch chatType {
	case "private":
		return model.RoomDirect
	case "group", "supergroup":
		return model.RoomGroup
	case "channel":
		return model.RoomChannel
	case "thread":
		return model.RoomThread
	default:
		return model.RoomDirect
	}
}

// Context is the pipeline's return-side context (spec.md §4.4 "Context
// returned").
type Context struct {
	Room           *model.Room
	Participant    *model.Participant
	Channel        string
	InstanceModule string
	BridgeID       string
	ExternalRoomID string
	ChatType       string
	WasMentioned   bool
}

// Pipeline wires storage + policy + security into ingest_incoming.
type Pipeline struct {
	Storage  storage.Storage
	Policy   *policy.Engine
	Security *security.Engine
	Bus      *signalbus.Bus
	Log      *zerolog.Logger
	NewID    func() string
}

// IngestIncoming runs the full pipeline described in spec.md §4.4. A
// denial from gating, moderation, or sender verification aborts the
// pipeline before persistence; room/participant upserts already performed
// are left in place (idempotent side effect, no rollback). ad is the
// originating bridge adapter, consulted for its optional
// extract_thread_context/compute_thread_root and parse_mentions/
// was_mentioned? capabilities (spec.md §6.1); it may be nil if the caller
// has no adapter handle to offer.
func (p *Pipeline) IngestIncoming(ctx context.Context, instanceModule, channel, bridgeID string, in adapter.Incoming, ad adapter.Adapter, opts map[string]any) (*model.Message, *Context, error) {
	room, err := p.Storage.GetOrCreateRoomByExternalBinding(ctx, channel, bridgeID, in.ExternalRoomID, model.Room{
		Type: RoomTypeForChatType(in.ChatType),
		Name: in.DisplayName,
	})
	if err != nil {
		return nil, nil, err
	}

	participant, err := p.Storage.GetOrCreateParticipantByExternalID(ctx, channel, in.ExternalUserID, model.Participant{
		Type:     model.ParticipantHuman,
		Identity: model.Identity{Name: firstNonEmpty(in.DisplayName, in.Username)},
	})
	if err != nil {
		return nil, nil, err
	}

	msg := p.buildMessage(room, participant, channel, bridgeID, in)

	if replyTo, ok := p.resolveReplyTo(ctx, channel, bridgeID, in.ExternalReplyToID); ok {
		msg.ReplyToID = replyTo
	}
	if extractor, ok := ad.(adapter.ThreadContextExtractor); ok {
		if rootID, ok := extractor.ComputeThreadRoot(in); ok {
			msg.ThreadRootID = rootID
		}
	}

	var wasMentioned bool
	if mentions, ok := ad.(adapter.MentionParser); ok {
		selfID, _ := opts["self_external_id"].(string)
		wasMentioned = mentions.WasMentioned(in.Text, selfID)
	}

	ingestCtx := map[string]any{
		"room":            room,
		"participant":     participant,
		"channel":         channel,
		"instance_module": instanceModule,
		"bridge_id":       bridgeID,
		"external_room_id": in.ExternalRoomID,
		"chat_type":       in.ChatType,
		"was_mentioned":   wasMentioned,
	}

	if p.Policy != nil {
		if err := p.Policy.RunGating(ctx, ingestCtx, opts); err != nil {
			return nil, nil, err
		}

		result, err := p.Policy.RunModeration(ctx, msg, opts)
		if err != nil {
			return nil, nil, err
		}
		msg = result.Message
		if len(result.Flags) > 0 {
			policyMeta := map[string]any{}
			flags := make([]map[string]any, 0, len(result.Flags))
			for _, f := range result.Flags {
				flags = append(flags, map[string]any{"reason": f.Reason, "description": f.Description})
			}
			policyMeta["flags"] = flags
			msg.Metadata["policy"] = policyMeta
		}
	}

	if p.Security != nil {
		claimedSender, declared := claimedSenderFrom(opts)
		if declared && claimedSender != in.ExternalUserID {
			return nil, nil, &fabricerr.SecurityDeniedError{
				Stage:          fabricerr.StageVerifySender,
				SecurityReason: "sender_claim_mismatch",
				Description:    "claimed sender does not match external_user_id",
			}
		}
		if err := p.Security.VerifySender(ctx, ingestCtx); err != nil {
			return nil, nil, err
		}
		msg.Metadata["security"] = map[string]any{"verify": map[string]any{"decision": "allow"}}
	}

	if err := p.Storage.SaveMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	if p.Bus != nil {
		p.Bus.Emit("message.received", nil, signalbus.Metadata{
			"message_id": msg.ID,
			"room_id":    room.ID,
			"channel":    channel,
			"bridge_id":  bridgeID,
		})
	}

	return msg, &Context{
		Room:           room,
		Participant:    participant,
		Channel:        channel,
		InstanceModule: instanceModule,
		BridgeID:       bridgeID,
		ExternalRoomID: in.ExternalRoomID,
		ChatType:       in.ChatType,
		WasMentioned:   wasMentioned,
	}, nil
}

func (p *Pipeline) buildMessage(room *model.Room, participant *model.Participant, channel, bridgeID string, in adapter.Incoming) *model.Message {
	id := "msg_" + channel
	if p.NewID != nil {
		id = p.NewID()
	}
	msg := model.NewMessage(id, room.ID, participant.ID, model.RoleUser)
	msg.Content = model.TextContent(in.Text)
	msg.ExternalID = in.ExternalMessageID
	msg.Metadata["channel"] = channel
	msg.Metadata["bridge_id"] = bridgeID
	if in.Timestamp > 0 {
		msg.InsertedAt = time.UnixMilli(in.Timestamp).UTC()
	}
	return msg
}

func (p *Pipeline) resolveReplyTo(ctx context.Context, channel, bridgeID, externalReplyToID string) (string, bool) {
	if externalReplyToID == "" {
		return "", false
	}
	parent, err := p.Storage.FindMessageByExternalID(ctx, channel, bridgeID, externalReplyToID)
	if err != nil {
		return "", false
	}
	return parent.ID, true
}

func claimedSenderFrom(opts map[string]any) (string, bool) {
	if opts == nil {
		return "", false
	}
	v, ok := opts["claimed_external_user_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
