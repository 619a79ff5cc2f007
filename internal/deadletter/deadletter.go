// Package deadletter implements dead-letter capture and replay (spec.md
// §4.8): terminally-failed outbound requests are persisted with a unique
// id, and replay workers partitioned by dead_letter_id re-dispatch them
// through the outbound gateway idempotently.
//
// Grounded on internal/storage's compare-and-insert contract for
// persistence and internal/outbound's partitioned-goroutine-worker idiom
// for replay dispatch.
package deadletter

import (
	"context"
	"hash/fnv"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/config"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/outbound"
	"github.com/beeper/bridgefabric/internal/signalbus"
	"github.com/beeper/bridgefabric/internal/storage"
)

// Dispatcher is the subset of outbound.Gateway's surface replay needs,
// allowing tests to substitute a fake.
type Dispatcher interface {
	SendMessage(ctx context.Context, req outbound.Request) (adapter.SendResult, error)
	EditMessage(ctx context.Context, req outbound.Request) (adapter.SendResult, error)
	SendMedia(ctx context.Context, req outbound.Request) (adapter.SendResult, error)
	EditMedia(ctx context.Context, req outbound.Request) (adapter.SendResult, error)
}

// ReplayOutcome is what Replay returns.
type ReplayOutcome struct {
	AlreadyReplayed bool
	Result          adapter.SendResult
}

type replayJob struct {
	id       string
	resultCh chan replayResult
}

type replayResult struct {
	outcome ReplayOutcome
	err     error
}

// Store owns dead-letter persistence and the partitioned replay workers.
type Store struct {
	storage storage.Storage
	cfg     config.DeadLetterConfig
	bus     *signalbus.Bus
	log     *zerolog.Logger
	newID   func() string

	dispatcher Dispatcher
	mailboxes  []chan replayJob
}

// Options configures a new Store.
type Options struct {
	Storage    storage.Storage
	Config     config.DeadLetterConfig
	Bus        *signalbus.Bus
	Log        *zerolog.Logger
	NewID      func() string
	Dispatcher Dispatcher
}

// New builds a Store and starts its replay-worker goroutines, one per
// partition. Callers must call Close when done.
func New(opts Options) *Store {
	n := opts.Config.PartitionCount
	if n <= 0 {
		n = 1
	}
	s := &Store{
		storage:    opts.Storage,
		cfg:        opts.Config,
		bus:        opts.Bus,
		log:        opts.Log,
		newID:      opts.NewID,
		dispatcher: opts.Dispatcher,
		mailboxes:  make([]chan replayJob, n),
	}
	for i := range s.mailboxes {
		s.mailboxes[i] = make(chan replayJob, 64)
		go s.run(s.mailboxes[i])
	}
	return s
}

// Close stops every replay worker.
func (s *Store) Close() {
	for _, m := range s.mailboxes {
		close(m)
	}
}

// Capture persists dl (implementing outbound.DeadLetterSink), assigning an
// id if absent, then evicts the oldest record beyond max_records.
func (s *Store) Capture(ctx context.Context, dl *model.DeadLetter) (string, error) {
	if dl.ID == "" {
		dl.ID = s.newID()
	}
	if dl.Replay.Status == "" {
		dl.Replay.Status = model.ReplayNever
	}
	if err := s.storage.SaveDeadLetter(ctx, dl); err != nil {
		return "", err
	}
	s.emit("dead_letter.captured", dl.ID, nil)
	s.evictOverflow(ctx, dl.BridgeID)
	return dl.ID, nil
}

// evictOverflow drops the oldest records for bridgeID beyond max_records
// (spec.md §4.8: "bounded max_records; overflow discards oldest").
func (s *Store) evictOverflow(ctx context.Context, bridgeID string) {
	if s.cfg.MaxRecords <= 0 {
		return
	}
	records, err := s.storage.ListDeadLetters(ctx, bridgeID)
	if err != nil {
		return
	}
	overflow := len(records) - s.cfg.MaxRecords
	for i := 0; i < overflow; i++ {
		if err := s.storage.DeleteDeadLetter(ctx, records[i].ID); err == nil {
			s.emit("dead_letter.evicted", records[i].ID, nil)
		}
	}
}

// Replay re-dispatches the dead letter identified by id through the
// partition owning it, blocking until the worker completes the job.
func (s *Store) Replay(ctx context.Context, id string) (ReplayOutcome, error) {
	job := replayJob{id: id, resultCh: make(chan replayResult, 1)}
	s.mailboxes[partitionFor(id, len(s.mailboxes))] <- job

	select {
	case res := <-job.resultCh:
		return res.outcome, res.err
	case <-ctx.Done():
		return ReplayOutcome{}, ctx.Err()
	}
}

func (s *Store) run(mailbox chan replayJob) {
	for job := range mailbox {
		outcome, err := s.replay(context.Background(), job.id)
		job.resultCh <- replayResult{outcome: outcome, err: err}
	}
}

func (s *Store) replay(ctx context.Context, id string) (ReplayOutcome, error) {
	dl, err := s.storage.GetDeadLetter(ctx, id)
	if err != nil {
		return ReplayOutcome{}, err
	}

	if dl.Replay.Status == model.ReplaySucceeded {
		s.emit("dead_letter.replay_skipped", id, signalbus.Metadata{"reason": "already_replayed"})
		return ReplayOutcome{AlreadyReplayed: true}, nil
	}

	req := outbound.Request{
		Operation:      outbound.Operation(dl.Request.Operation),
		BridgeID:       dl.BridgeID,
		IdempotencyKey: dl.Request.IdempotencyKey,
		Opts:           dl.Request.Options,
	}
	if v, ok := dl.Request.Payload["external_room_id"].(string); ok {
		req.ExternalRoomID = v
	}
	if v, ok := dl.Request.Payload["text"].(string); ok {
		req.Text = v
	}
	if v, ok := dl.Request.Payload["external_message_id"].(string); ok {
		req.ExternalMessageID = v
	}

	res, dispatchErr := s.dispatch(ctx, req)
	if dispatchErr != nil {
		dl.Replay.Attempts++
		dl.Replay.Status = model.ReplayFailed
		_ = s.storage.UpdateDeadLetter(ctx, dl)
		s.emit("dead_letter.replay_failed", id, signalbus.Metadata{"error": dispatchErr.Error()})
		return ReplayOutcome{}, dispatchErr
	}

	dl.Replay.Attempts++
	dl.Replay.Status = model.ReplaySucceeded
	_ = s.storage.UpdateDeadLetter(ctx, dl)
	s.emit("dead_letter.replay_succeeded", id, nil)
	return ReplayOutcome{Result: res}, nil
}

func (s *Store) dispatch(ctx context.Context, req outbound.Request) (adapter.SendResult, error) {
	switch req.Operation {
	case outbound.OpEditMessage:
		return s.dispatcher.EditMessage(ctx, req)
	case outbound.OpSendMedia:
		return s.dispatcher.SendMedia(ctx, req)
	case outbound.OpEditMedia:
		return s.dispatcher.EditMedia(ctx, req)
	default:
		return s.dispatcher.SendMessage(ctx, req)
	}
}

func partitionFor(id string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32()) % count
}

func (s *Store) emit(name, id string, extra signalbus.Metadata) {
	if s.bus == nil {
		return
	}
	meta := signalbus.Metadata{"component": "deadletter", "dead_letter_id": id}
	for k, v := range extra {
		meta[k] = v
	}
	s.bus.Emit(name, nil, meta)
}
