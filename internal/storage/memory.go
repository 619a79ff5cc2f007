package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
)

type bindingKey struct {
	channel        string
	instanceID     string
	externalRoomID string
}

type participantKey struct {
	channel        string
	externalUserID string
}

type messageKey struct {
	channel    string
	bridgeID   string
	externalID string
}

// Memory is the in-memory reference implementation of Storage. All maps are
// guarded by a single mutex: the contract only promises independent-key
// concurrency, and a single lock keeps the get_or_create race resolution
// (compare-and-insert, spec.md §5) trivial to reason about.
type Memory struct {
	mu sync.Mutex

	rooms        map[string]*model.Room
	roomsByBind  map[bindingKey]string // -> room id

	participants       map[string]*model.Participant
	participantsByExt  map[participantKey]string // -> participant id

	messages      map[string]*model.Message
	messagesByExt map[messageKey]string // -> message id
	messagesByRoom map[string][]string  // room id -> message ids, insertion order

	roomBindings map[string]*model.RoomBinding
	bindingsByRoom map[string][]string

	bridgeConfigs map[string]*model.BridgeConfig
	routingPolicies map[string]*model.RoutingPolicy

	deadLetters map[string]*model.DeadLetter

	onboarding map[string]*model.OnboardingFlow
}

// New creates an empty in-memory Storage.
func New() *Memory {
	return &Memory{
		rooms:           map[string]*model.Room{},
		roomsByBind:     map[bindingKey]string{},
		participants:    map[string]*model.Participant{},
		participantsByExt: map[participantKey]string{},
		messages:        map[string]*model.Message{},
		messagesByExt:   map[messageKey]string{},
		messagesByRoom:  map[string][]string{},
		roomBindings:    map[string]*model.RoomBinding{},
		bindingsByRoom:  map[string][]string{},
		bridgeConfigs:   map[string]*model.BridgeConfig{},
		routingPolicies: map[string]*model.RoutingPolicy{},
		deadLetters:     map[string]*model.DeadLetter{},
		onboarding:      map[string]*model.OnboardingFlow{},
	}
}

var _ Storage = (*Memory)(nil)

// --- Rooms ---

func cloneRoom(r *model.Room) *model.Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ExternalBindings = map[string]map[string]string{}
	for ch, byInst := range r.ExternalBindings {
		inner := map[string]string{}
		for k, v := range byInst {
			inner[k] = v
		}
		cp.ExternalBindings[ch] = inner
	}
	return &cp
}

func (m *Memory) CreateRoom(ctx context.Context, r *model.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = cloneRoom(r)
	return nil
}

func (m *Memory) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "room", ID: id}
	}
	return cloneRoom(r), nil
}

func (m *Memory) UpdateRoom(ctx context.Context, r *model.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[r.ID]; !ok {
		return &fabricerr.NotFoundError{Entity: "room", ID: r.ID}
	}
	r.UpdatedAt = time.Now().UTC()
	m.rooms[r.ID] = cloneRoom(r)
	return nil
}

func (m *Memory) DeleteRoom(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
	for k, v := range m.roomsByBind {
		if v == id {
			delete(m.roomsByBind, k)
		}
	}
	return nil
}

func (m *Memory) ListRooms(ctx context.Context, filter RoomFilter) ([]*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*model.Room
	needle := strings.ToLower(filter.NameContains)
	for _, id := range ids {
		r := m.rooms[id]
		if needle != "" && !strings.Contains(strings.ToLower(r.Name), needle) {
			continue
		}
		if filter.Channel != "" || filter.ExternalID != "" {
			matched := false
			for ch, byInst := range r.ExternalBindings {
				if filter.Channel != "" && ch != filter.Channel {
					continue
				}
				for _, ext := range byInst {
					if filter.ExternalID == "" || ext == filter.ExternalID {
						matched = true
						break
					}
				}
				if matched {
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, cloneRoom(r))
	}
	return out, nil
}

func (m *Memory) GetOrCreateRoomByExternalBinding(ctx context.Context, channel, instanceID, externalRoomID string, attrs model.Room) (*model.Room, error) {
	key := bindingKey{channel: channel, instanceID: instanceID, externalRoomID: externalRoomID}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.roomsByBind[key]; ok {
		// Another caller already won the race (or a prior call resolved this
		// binding); return the winner, never a second room.
		return cloneRoom(m.rooms[id]), nil
	}

	room := attrs
	if room.ID == "" {
		room.ID = newID()
	}
	if room.ExternalBindings == nil {
		room.ExternalBindings = map[string]map[string]string{}
	}
	room.BindExternal(channel, instanceID, externalRoomID)
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	room.UpdatedAt = time.Now().UTC()

	m.rooms[room.ID] = cloneRoom(&room)
	m.roomsByBind[key] = room.ID
	return cloneRoom(m.rooms[room.ID]), nil
}

// --- Participants ---

func cloneParticipant(p *model.Participant) *model.Participant {
	if p == nil {
		return nil
	}
	cp := *p
	cp.ExternalID = map[string]string{}
	for k, v := range p.ExternalID {
		cp.ExternalID[k] = v
	}
	raw := map[string]any{}
	for k, v := range p.Identity.Raw {
		raw[k] = v
	}
	cp.Identity.Raw = raw
	return &cp
}

func (m *Memory) CreateParticipant(ctx context.Context, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (m *Memory) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "participant", ID: id}
	}
	return cloneParticipant(p), nil
}

func (m *Memory) UpdateParticipant(ctx context.Context, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[p.ID]; !ok {
		return &fabricerr.NotFoundError{Entity: "participant", ID: p.ID}
	}
	p.UpdatedAt = time.Now().UTC()
	m.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (m *Memory) DeleteParticipant(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, id)
	for k, v := range m.participantsByExt {
		if v == id {
			delete(m.participantsByExt, k)
		}
	}
	return nil
}

func (m *Memory) ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*model.Participant
	needle := strings.ToLower(filter.NameContains)
	for _, id := range ids {
		p := m.participants[id]
		if needle != "" && !strings.Contains(strings.ToLower(p.Identity.Name), needle) {
			continue
		}
		if filter.Channel != "" {
			ext, ok := p.ExternalID[filter.Channel]
			if !ok {
				continue
			}
			if filter.ExternalID != "" && ext != filter.ExternalID {
				continue
			}
		}
		out = append(out, cloneParticipant(p))
	}
	return out, nil
}

func (m *Memory) GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalUserID string, attrs model.Participant) (*model.Participant, error) {
	key := participantKey{channel: channel, externalUserID: externalUserID}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.participantsByExt[key]; ok {
		return cloneParticipant(m.participants[id]), nil
	}

	p := attrs
	if p.ID == "" {
		p.ID = newID()
	}
	if p.ExternalID == nil {
		p.ExternalID = map[string]string{}
	}
	p.ExternalID[channel] = externalUserID
	if p.Presence == "" {
		p.Presence = model.PresenceOffline
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()

	m.participants[p.ID] = cloneParticipant(&p)
	m.participantsByExt[key] = p.ID
	return cloneParticipant(m.participants[p.ID]), nil
}

// --- Messages ---

func cloneMessage(msg *model.Message) *model.Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	cp.Content = append([]model.ContentBlock{}, msg.Content...)
	cp.Reactions = map[string]map[string]struct{}{}
	for emoji, set := range msg.Reactions {
		inner := map[string]struct{}{}
		for k := range set {
			inner[k] = struct{}{}
		}
		cp.Reactions[emoji] = inner
	}
	cp.Receipts = map[string]model.Receipt{}
	for k, v := range msg.Receipts {
		cp.Receipts[k] = v
	}
	cp.Metadata = map[string]any{}
	for k, v := range msg.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (m *Memory) SaveMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.messages[msg.ID]
	m.messages[msg.ID] = cloneMessage(msg)
	if !existed {
		m.messagesByRoom[msg.RoomID] = append(m.messagesByRoom[msg.RoomID], msg.ID)
	}

	bridgeID, _ := msg.Metadata["bridge_id"].(string)
	channel, _ := msg.Metadata["channel"].(string)
	if channel != "" && bridgeID != "" && msg.ExternalID != "" {
		key := messageKey{channel: channel, bridgeID: bridgeID, externalID: msg.ExternalID}
		m.messagesByExt[key] = msg.ID
	}
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "message", ID: id}
	}
	return cloneMessage(msg), nil
}

func (m *Memory) GetMessages(ctx context.Context, roomID string, limit int) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.messagesByRoom[roomID]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	// Take the most-recent `limit` ids (tail of insertion order), which are
	// already in chronological order.
	tail := ids[len(ids)-limit:]
	out := make([]*model.Message, 0, limit)
	for _, id := range tail {
		out = append(out, cloneMessage(m.messages[id]))
	}
	return out, nil
}

func (m *Memory) FindMessageByExternalID(ctx context.Context, channel, bridgeID, externalID string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageKey{channel: channel, bridgeID: bridgeID, externalID: externalID}
	id, ok := m.messagesByExt[key]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "message_external", ID: externalID}
	}
	return cloneMessage(m.messages[id]), nil
}

// --- Room bindings ---

func (m *Memory) CreateRoomBinding(ctx context.Context, b *model.RoomBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = newID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	cp := *b
	m.roomBindings[b.ID] = &cp
	m.bindingsByRoom[b.RoomID] = append(m.bindingsByRoom[b.RoomID], b.ID)
	return nil
}

func (m *Memory) ListRoomBindings(ctx context.Context, roomID string) ([]*model.RoomBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.RoomBinding
	for _, id := range m.bindingsByRoom[roomID] {
		b, ok := m.roomBindings[id]
		if !ok {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) DeleteRoomBinding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.roomBindings[id]
	if !ok {
		return nil
	}
	delete(m.roomBindings, id)
	ids := m.bindingsByRoom[b.RoomID]
	for i, bid := range ids {
		if bid == id {
			m.bindingsByRoom[b.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// --- Bridge configs ---

func (m *Memory) PutBridgeConfig(ctx context.Context, cfg model.BridgeConfig) (*model.BridgeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.bridgeConfigs[cfg.ID]
	if !ok {
		if cfg.Revision != 0 {
			return nil, &fabricerr.RevisionConflictError{Expected: 0, Actual: 0}
		}
		cfg.Revision = 1
		cfg.CreatedAt = time.Now().UTC()
		cfg.UpdatedAt = cfg.CreatedAt
		cp := cfg
		m.bridgeConfigs[cfg.ID] = &cp
		out := cp
		return &out, nil
	}

	if cfg.Revision != existing.Revision {
		return nil, &fabricerr.RevisionConflictError{Expected: existing.Revision, Actual: existing.Revision}
	}

	next := cfg
	next.Revision = existing.Revision + 1
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	cp := next
	m.bridgeConfigs[cfg.ID] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) GetBridgeConfig(ctx context.Context, id string) (*model.BridgeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.bridgeConfigs[id]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "bridge_config", ID: id}
	}
	cp := *cfg
	return &cp, nil
}

func (m *Memory) ListBridgeConfigs(ctx context.Context, enabledFilter *bool) ([]*model.BridgeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.bridgeConfigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*model.BridgeConfig
	for _, id := range ids {
		cfg := m.bridgeConfigs[id]
		if enabledFilter != nil && cfg.Enabled != *enabledFilter {
			continue
		}
		cp := *cfg
		out = append(out, &cp)
	}
	return out, nil
}

// --- Routing policies ---

func (m *Memory) PutRoutingPolicy(ctx context.Context, p model.RoutingPolicy) (*model.RoutingPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.routingPolicies[p.RoomID]
	if ok && p.Revision != existing.Revision {
		return nil, &fabricerr.RevisionConflictError{Expected: existing.Revision, Actual: existing.Revision}
	}
	if ok {
		p.Revision = existing.Revision + 1
	} else {
		p.Revision = 1
	}
	cp := p
	m.routingPolicies[p.RoomID] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) GetRoutingPolicy(ctx context.Context, roomID string) (*model.RoutingPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.routingPolicies[roomID]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "routing_policy", ID: roomID}
	}
	cp := *p
	return &cp, nil
}

// --- Dead letters ---

func (m *Memory) SaveDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	dl.UpdatedAt = time.Now().UTC()
	cp := *dl
	m.deadLetters[dl.ID] = &cp
	return nil
}

func (m *Memory) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "dead_letter", ID: id}
	}
	cp := *dl
	return &cp, nil
}

func (m *Memory) UpdateDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[dl.ID]; !ok {
		return &fabricerr.NotFoundError{Entity: "dead_letter", ID: dl.ID}
	}
	dl.UpdatedAt = time.Now().UTC()
	cp := *dl
	m.deadLetters[dl.ID] = &cp
	return nil
}

// DeleteDeadLetter removes a record; used by the bounded-ring eviction in
// internal/deadletter when max_records overflows.
func (m *Memory) DeleteDeadLetter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadLetters, id)
	return nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, bridgeID string) ([]*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		if bridgeID != "" && dl.BridgeID != bridgeID {
			continue
		}
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Onboarding ---

func (m *Memory) SaveOnboarding(ctx context.Context, f *model.OnboardingFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.UpdatedAt = time.Now().UTC()
	cp := *f
	cp.Transitions = append([]model.OnboardingTransition{}, f.Transitions...)
	cp.SideEffects = append([]string{}, f.SideEffects...)
	m.onboarding[f.OnboardingID] = &cp
	return nil
}

func (m *Memory) GetOnboarding(ctx context.Context, id string) (*model.OnboardingFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.onboarding[id]
	if !ok {
		return nil, &fabricerr.NotFoundError{Entity: "onboarding", ID: id}
	}
	cp := *f
	cp.Transitions = append([]model.OnboardingTransition{}, f.Transitions...)
	cp.SideEffects = append([]string{}, f.SideEffects...)
	return &cp, nil
}
