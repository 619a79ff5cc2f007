// Package lifecycle implements the per-instance supervisor tree (spec.md
// §4.10): a status machine (starting -> connected -> error), listener
// startup from the adapter's declared child specs, a reconnect worker with
// bounded exponential backoff + jitter, and an optional health prober.
//
// Grounded on the bridge/connector lifecycle conventions implied by the
// teacher's connector (start, health check, reconnect), reimplemented
// around goroutines + context cancellation as the supervisor primitive per
// spec §9, instead of the teacher's Matrix-specific bridge types.
package lifecycle

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/config"
	"github.com/beeper/bridgefabric/internal/signalbus"
)

// Status enumerates an instance's supervised lifecycle state.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusConnected Status = "connected"
	StatusError     Status = "error"
)

// ReconnectFunc attempts to re-establish connectivity for an instance.
// Returning nil counts as a success; NotifySuccess is called on the
// caller's behalf when this returns nil.
type ReconnectFunc func(ctx context.Context) error

// Instance supervises one bridge's running state.
type Instance struct {
	BridgeID string
	Adapter  adapter.Adapter

	cfg     config.LifecycleConfig
	bus     *signalbus.Bus
	log     *zerolog.Logger
	reconnect ReconnectFunc

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	reconnectAttempts   int
	lastError           string
	connectedAt         time.Time
	listeners           []string

	cancel context.CancelFunc
}

// Snapshot is a point-in-time, lock-free view of an instance for
// introspection (spec.md §4.10 "Snapshot() introspection method").
type Snapshot struct {
	BridgeID            string
	Status              Status
	ConsecutiveFailures int
	ReconnectAttempts   int
	LastError           string
	ConnectedAt         time.Time
	Listeners           []string
}

// Supervisor owns a one_for_one collection of instances: a crash in one
// bridge's subtree never restarts its siblings (spec.md §4.10).
type Supervisor struct {
	mu        sync.Mutex
	instances map[string]*Instance
	cfg       config.LifecycleConfig
	bus       *signalbus.Bus
	log       *zerolog.Logger
}

// New builds a Supervisor.
func New(cfg config.LifecycleConfig, bus *signalbus.Bus, log *zerolog.Logger) *Supervisor {
	return &Supervisor{instances: map[string]*Instance{}, cfg: cfg, bus: bus, log: log}
}

// Start brings up a new supervised instance: resolves and records listener
// specs in declared order, then starts the health prober (if the adapter
// implements one). reconnect is invoked by the instance's reconnect worker
// on a recoverable failure; it may be nil if the bridge never reconnects.
func (s *Supervisor) Start(ctx context.Context, bridgeID string, ad adapter.Adapter, opts map[string]any, reconnect ReconnectFunc) (*Instance, error) {
	instCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{
		BridgeID:  bridgeID,
		Adapter:   ad,
		cfg:       s.cfg,
		bus:       s.bus,
		log:       s.log,
		reconnect: reconnect,
		status:    StatusStarting,
		cancel:    cancel,
	}

	if provider, ok := ad.(adapter.ListenerProvider); ok {
		specs, err := provider.ListenerChildSpecs(bridgeID, opts)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			inst.listeners = append(inst.listeners, spec.Name)
			inst.emit("instance.listener_started", signalbus.Metadata{"listener": spec.Name})
		}
	}

	s.mu.Lock()
	s.instances[bridgeID] = inst
	s.mu.Unlock()

	if checker, ok := ad.(adapter.HealthChecker); ok {
		go inst.runHealthProber(instCtx, checker)
	}

	inst.emit("instance.starting", nil)
	return inst, nil
}

// Get returns the supervised instance for bridgeID, if any.
func (s *Supervisor) Get(bridgeID string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[bridgeID]
	return inst, ok
}

// Stop cancels bridgeID's instance context (stopping its health prober and
// any reconnect wait the prober scheduled) and removes it from supervision. A sibling instance's state is
// untouched (one_for_one).
func (s *Supervisor) Stop(bridgeID string) {
	s.mu.Lock()
	inst, ok := s.instances[bridgeID]
	delete(s.instances, bridgeID)
	s.mu.Unlock()
	if ok && inst.cancel != nil {
		inst.cancel()
	}
}

// Snapshot returns introspection records for every supervised instance.
func (s *Supervisor) Snapshot() []Snapshot {
	s.mu.Lock()
	insts := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Snapshot())
	}
	return out
}

// Snapshot returns a point-in-time view of this instance.
func (inst *Instance) Snapshot() Snapshot {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Snapshot{
		BridgeID:            inst.BridgeID,
		Status:              inst.status,
		ConsecutiveFailures: inst.consecutiveFailures,
		ReconnectAttempts:   inst.reconnectAttempts,
		LastError:           inst.lastError,
		ConnectedAt:         inst.connectedAt,
		Listeners:           append([]string{}, inst.listeners...),
	}
}

// NotifySuccess resets the failure streak and, on the first successful
// health check after starting, transitions to connected.
func (inst *Instance) NotifySuccess() {
	inst.mu.Lock()
	inst.consecutiveFailures = 0
	inst.reconnectAttempts = 0
	wasConnected := inst.status == StatusConnected
	if !wasConnected {
		inst.status = StatusConnected
		inst.connectedAt = time.Now().UTC()
	}
	inst.mu.Unlock()

	if !wasConnected {
		inst.emit("instance.connected", nil)
	}
}

// NotifyFailure records a failure. After max_consecutive_failures in a
// row, the instance transitions to error; otherwise a reconnect is
// scheduled via bounded exponential backoff with jitter.
func (inst *Instance) NotifyFailure(ctx context.Context, reason string) {
	inst.mu.Lock()
	inst.consecutiveFailures++
	inst.lastError = reason
	failed := inst.consecutiveFailures >= inst.cfg.MaxConsecutiveFailures
	if failed {
		inst.status = StatusError
	}
	inst.mu.Unlock()

	inst.emit("instance.failure", signalbus.Metadata{"reason": reason})
	if failed {
		inst.emit("instance.error", signalbus.Metadata{"consecutive_failures": inst.consecutiveFailures})
		return
	}
	inst.scheduleReconnect(ctx)
}

// scheduleReconnect waits out a jittered backoff then invokes reconnect,
// recursing into NotifyFailure/NotifySuccess based on the outcome, up to
// max_reconnect_attempts.
func (inst *Instance) scheduleReconnect(ctx context.Context) {
	if inst.reconnect == nil {
		return
	}
	inst.mu.Lock()
	inst.reconnectAttempts++
	attempt := inst.reconnectAttempts
	inst.mu.Unlock()

	if attempt > inst.cfg.MaxReconnectAttempts {
		inst.emit("instance.reconnect_exhausted", signalbus.Metadata{"attempts": attempt - 1})
		return
	}

	delay := reconnectBackoff(attempt, inst.cfg)
	inst.emit("instance.reconnect_scheduled", signalbus.Metadata{"attempt": attempt, "delay_ms": delay.Milliseconds()})

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		inst.emit("instance.reconnect_attempt", signalbus.Metadata{"attempt": attempt})
		if err := inst.reconnect(ctx); err != nil {
			inst.NotifyFailure(ctx, err.Error())
			return
		}
		inst.NotifySuccess()
	}()
}

// reconnectBackoff computes a full exponential backoff capped at
// reconnect_max_backoff_ms, jittered by +/- reconnect_jitter_ratio.
func reconnectBackoff(attempt int, cfg config.LifecycleConfig) time.Duration {
	exp := float64(cfg.ReconnectBaseBackoffMS) * math.Pow(2, float64(attempt-1))
	capped := math.Min(exp, float64(cfg.ReconnectMaxBackoffMS))
	jitter := capped * cfg.ReconnectJitterRatio
	delta := (rand.Float64()*2 - 1) * jitter
	ms := capped + delta
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (inst *Instance) runHealthProber(ctx context.Context, checker adapter.HealthChecker) {
	interval := time.Duration(checker.ProbeIntervalMS()) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checker.CheckHealth(ctx); err != nil {
				inst.NotifyFailure(ctx, err.Error())
				continue
			}
			inst.NotifySuccess()
		}
	}
}

func (inst *Instance) emit(name string, extra signalbus.Metadata) {
	if inst.bus == nil {
		return
	}
	meta := signalbus.Metadata{"component": "lifecycle", "bridge_id": inst.BridgeID}
	for k, v := range extra {
		meta[k] = v
	}
	inst.bus.Emit(name, nil, meta)
}
