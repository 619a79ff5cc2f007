// Package outbound implements the partitioned outbound gateway (spec.md
// §4.5): a partition_count-way set of single-writer workers, each owning a
// bounded FIFO mailbox, a pressure level, and a sent-idempotency cache.
//
// Grounded on pkg/opencodebridge/opencode_manager.go's per-instance-state
// pattern (state owned exclusively by one goroutine, mutated only from
// within its own loop), generalized here into N goroutine-owned partitions
// addressed by hash(bridge_id, external_room_id) per spec.md §5's
// single-writer-worker requirement.
package outbound

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/config"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/registry"
	"github.com/beeper/bridgefabric/internal/security"
	"github.com/beeper/bridgefabric/internal/signalbus"
)

// Operation enumerates the four public outbound operations.
type Operation string

const (
	OpSendMessage Operation = "send_message"
	OpEditMessage Operation = "edit_message"
	OpSendMedia   Operation = "send_media"
	OpEditMedia   Operation = "edit_media"
)

// Request is one outbound delivery request (spec.md §4.5).
type Request struct {
	Operation         Operation
	BridgeID          string
	Channel           string
	ExternalRoomID    string
	ExternalMessageID string // required for edit operations
	Text              string
	Media             *adapter.MediaItem
	FallbackText      string // used when media is unsupported and policy is fallback_text
	IdempotencyKey    string
	Opts              map[string]any
}

// PressureLevel enumerates a partition's load state.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureWarn     PressureLevel = "warn"
	PressureDegraded PressureLevel = "degraded"
	PressureShed     PressureLevel = "shed"
)

// DeadLetterSink captures terminally-failed requests. internal/deadletter
// implements this; outbound depends only on the interface to avoid an
// import cycle (deadletter depends on outbound for replay dispatch).
type DeadLetterSink interface {
	Capture(ctx context.Context, dl *model.DeadLetter) (string, error)
}

// DegradedAction runs when a partition is under "degraded" pressure,
// before dispatch. The default throttles by OutboundConfig.DegradedThrottleMS.
type DegradedAction func(ctx context.Context, cfg config.OutboundConfig) error

// ShedAction runs when a partition is under "shed" pressure, before
// dispatch. A non-nil error rejects the request; a nil return lets dispatch
// proceed. The default rejects with *fabricerr.LoadShedError.
type ShedAction func(ctx context.Context, partitionIdx int) error

func defaultDegradedAction(ctx context.Context, cfg config.OutboundConfig) error {
	timer := time.NewTimer(time.Duration(cfg.DegradedThrottleMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func defaultShedAction(ctx context.Context, partitionIdx int) error {
	return &fabricerr.LoadShedError{Partition: partitionIdx}
}

// Classifier decides whether an adapter-returned error is terminal or
// retryable (spec.md §4.5 step 7). TerminalError lets an adapter error mark
// itself terminal without the gateway needing to know its concrete type.
type Classifier func(err error) fabricerr.OutboundErrorCategory

// TerminalError is an optional interface an adapter's error can implement
// to force terminal classification (e.g. invalid_request, 4xx).
type TerminalError interface {
	Terminal() bool
}

func defaultClassifier(err error) fabricerr.OutboundErrorCategory {
	if t, ok := err.(TerminalError); ok && t.Terminal() {
		return fabricerr.CategoryTerminal
	}
	return fabricerr.CategoryRetryable
}

// Gateway is the partitioned outbound delivery engine.
type Gateway struct {
	cfg         config.OutboundConfig
	registry    *registry.Registry
	security    *security.Engine
	bus         *signalbus.Bus
	log         *zerolog.Logger
	deadLetters DeadLetterSink
	classifier  Classifier
	degraded    DegradedAction
	shed        ShedAction
	partitions  []*partition
}

// Options configures a new Gateway.
type Options struct {
	Config      config.OutboundConfig
	Registry    *registry.Registry
	Security    *security.Engine
	Bus         *signalbus.Bus
	Log         *zerolog.Logger
	DeadLetters DeadLetterSink
	Classifier  Classifier
	Degraded    DegradedAction
	Shed        ShedAction
}

// New builds a Gateway and starts its partition worker goroutines. Callers
// must call Close when done to stop the workers.
func New(opts Options) *Gateway {
	if opts.Log == nil {
		nop := zerolog.Nop()
		opts.Log = &nop
	}
	if opts.Classifier == nil {
		opts.Classifier = defaultClassifier
	}
	if opts.Degraded == nil {
		opts.Degraded = defaultDegradedAction
	}
	if opts.Shed == nil {
		opts.Shed = defaultShedAction
	}
	g := &Gateway{
		cfg:         opts.Config,
		registry:    opts.Registry,
		security:    opts.Security,
		bus:         opts.Bus,
		log:         opts.Log,
		deadLetters: opts.DeadLetters,
		classifier:  opts.Classifier,
		degraded:    opts.Degraded,
		shed:        opts.Shed,
	}
	n := opts.Config.PartitionCount
	if n <= 0 {
		n = 1
	}
	g.partitions = make([]*partition, n)
	for i := 0; i < n; i++ {
		p := &partition{
			idx:     i,
			mailbox: make(chan *task, opts.Config.QueueCapacity),
			cache:   newSentCache(opts.Config.SentCacheSize, time.Duration(opts.Config.SentCacheTTLMS)*time.Millisecond),
		}
		g.partitions[i] = p
		go g.run(p)
	}
	return g
}

// Close stops every partition worker by closing its mailbox. Each worker
// still processes the requests already buffered in its mailbox before it
// exits; Close does not wait for that.
func (g *Gateway) Close() {
	for _, p := range g.partitions {
		close(p.mailbox)
	}
}

func partitionFor(bridgeID, externalRoomID string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(bridgeID))
	h.Write([]byte{0})
	h.Write([]byte(externalRoomID))
	return int(h.Sum32() % uint32(count))
}

type task struct {
	ctx      context.Context
	req      Request
	resultCh chan outcome
}

type outcome struct {
	result adapter.SendResult
	err    error
}

// SendMessage delivers a text message.
func (g *Gateway) SendMessage(ctx context.Context, req Request) (adapter.SendResult, error) {
	req.Operation = OpSendMessage
	return g.submit(ctx, req)
}

// EditMessage edits a previously-sent text message. req.ExternalMessageID
// is required.
func (g *Gateway) EditMessage(ctx context.Context, req Request) (adapter.SendResult, error) {
	req.Operation = OpEditMessage
	return g.submit(ctx, req)
}

// SendMedia delivers a media attachment.
func (g *Gateway) SendMedia(ctx context.Context, req Request) (adapter.SendResult, error) {
	req.Operation = OpSendMedia
	return g.submit(ctx, req)
}

// EditMedia edits a previously-sent media attachment. req.ExternalMessageID
// is required.
func (g *Gateway) EditMedia(ctx context.Context, req Request) (adapter.SendResult, error) {
	req.Operation = OpEditMedia
	return g.submit(ctx, req)
}

func (g *Gateway) submit(ctx context.Context, req Request) (adapter.SendResult, error) {
	if (req.Operation == OpEditMessage || req.Operation == OpEditMedia) && req.ExternalMessageID == "" {
		return adapter.SendResult{}, &fabricerr.MissingExternalMessageIDError{}
	}

	idx := partitionFor(req.BridgeID, req.ExternalRoomID, len(g.partitions))
	p := g.partitions[idx]

	key := idempotencyKey(req)
	if cached, ok := p.cache.get(key); ok {
		g.emit("delivery.skipped_duplicate", idx, req, nil)
		return cached, nil
	}

	t := &task{ctx: ctx, req: req, resultCh: make(chan outcome, 1)}
	select {
	case p.mailbox <- t:
	default:
		return adapter.SendResult{}, &fabricerr.QueueFullError{Partition: idx, Capacity: cap(p.mailbox)}
	}

	select {
	case o := <-t.resultCh:
		if o.err == nil {
			p.cache.put(key, o.result)
		}
		return o.result, o.err
	case <-ctx.Done():
		return adapter.SendResult{}, ctx.Err()
	}
}

func idempotencyKey(req Request) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	if req.ExternalMessageID != "" {
		return string(req.Operation) + ":" + req.ExternalMessageID
	}
	return fmt.Sprintf("%s:%s:%s:%s", req.Operation, req.BridgeID, req.ExternalRoomID, req.Text)
}

func (g *Gateway) emit(name string, partitionIdx int, req Request, extra signalbus.Metadata) {
	if g.bus == nil {
		return
	}
	meta := signalbus.Metadata{
		"partition":  partitionIdx,
		"operation":  string(req.Operation),
		"bridge_id":  req.BridgeID,
		"channel":    req.Channel,
	}
	for k, v := range extra {
		meta[k] = v
	}
	g.bus.Emit(name, nil, meta)
}

func (g *Gateway) run(p *partition) {
	for t := range p.mailbox {
		t.resultCh <- g.process(p, t)
	}
}

func (g *Gateway) process(p *partition, t *task) outcome {
	fillRatio := float64(len(p.mailbox)) / float64(cap(p.mailbox))
	level := pressureLevelFor(fillRatio, g.cfg)
	if level != p.pressure {
		g.emit("pressure.transition", p.idx, t.req, signalbus.Metadata{"from": string(p.pressure), "to": string(level)})
		p.pressure = level
	}

	switch level {
	case PressureShed:
		if err := g.shed(t.ctx, p.idx); err != nil {
			g.emit("pressure.action", p.idx, t.req, signalbus.Metadata{"action": "shed"})
			return outcome{err: err}
		}
	case PressureDegraded:
		if err := g.degraded(t.ctx, g.cfg); err != nil {
			return outcome{err: err}
		}
		g.emit("pressure.action", p.idx, t.req, signalbus.Metadata{"action": "degraded"})
	}

	entry, ok := g.registry.Get(t.req.BridgeID)
	if !ok {
		return outcome{err: &fabricerr.BridgeNotFoundError{BridgeID: t.req.BridgeID}}
	}

	req := t.req
	text := req.Text
	if req.Operation == OpSendMessage || req.Operation == OpEditMessage {
		if g.security != nil {
			sanitized, err := g.security.SanitizeOutbound(t.ctx, &model.Message{Content: model.TextContent(text)})
			if err != nil {
				return outcome{err: err}
			}
			if len(sanitized.Content) > 0 {
				text = sanitized.Content[0].Text
			} else {
				text = ""
			}
		}
	}

	var mediaFellBack bool
	if req.Operation == OpSendMedia || req.Operation == OpEditMedia {
		converted, fallbackText, err := g.preflightMedia(entry, req)
		if err != nil {
			return outcome{err: err}
		}
		if converted {
			req.Operation = OpSendMessage
			text = fallbackText
			mediaFellBack = true
		}
	}

	res, err, category, attempt := g.dispatch(t.ctx, entry, req, text)
	if err == nil {
		if mediaFellBack {
			if res.Raw == nil {
				res.Raw = map[string]any{}
			}
			res.Raw["media_fallback"] = true
			res.Raw["fallback_mode"] = "text_send"
			g.emit("media.fallback", p.idx, req, signalbus.Metadata{"fallback_mode": "text_send"})
		}
		g.emit("outbound.completed", p.idx, req, nil)
		return outcome{result: res}
	}

	g.emit("outbound.classified_error", p.idx, req, signalbus.Metadata{"category": string(category), "reason": err.Error()})

	var deadLetterID string
	if g.deadLetters != nil {
		dl := &model.DeadLetter{
			BridgeID: req.BridgeID,
			Reason:   err.Error(),
			Category: string(category),
			Request: model.DeadLetterRequest{
				Operation:      string(req.Operation),
				IdempotencyKey: idempotencyKey(req),
				Payload:        map[string]any{"text": text, "external_room_id": req.ExternalRoomID, "external_message_id": req.ExternalMessageID},
				Options:        req.Opts,
			},
			Diagnostics: model.DeadLetterDiagnostics{
				QueueCapacity: cap(p.mailbox),
				PressureLevel: string(level),
				AttemptCount:  attempt,
			},
		}
		if id, derr := g.deadLetters.Capture(t.ctx, dl); derr == nil {
			deadLetterID = id
		}
	}

	return outcome{err: &fabricerr.OutboundError{
		OutboundReason: "dispatch_failed",
		Category:       category,
		Disposition:    fabricerr.DispositionTerminal,
		Attempt:        attempt,
		MaxAttempts:    g.cfg.MaxAttempts,
		DeadLetterID:   deadLetterID,
		Cause:          err,
	}}
}

func (g *Gateway) dispatch(ctx context.Context, entry registry.ManifestEntry, req Request, text string) (adapter.SendResult, error, fabricerr.OutboundErrorCategory, int) {
	maxAttempts := g.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	var lastCategory fabricerr.OutboundErrorCategory = fabricerr.CategoryRetryable

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := g.invoke(ctx, entry, req, text)
		if err == nil {
			return res, nil, "", attempt
		}
		lastErr = err
		lastCategory = g.classifier(err)
		if lastCategory == fabricerr.CategoryTerminal || attempt == maxAttempts {
			return adapter.SendResult{}, lastErr, lastCategory, attempt
		}

		delay := fullJitterBackoff(attempt, g.cfg.BaseBackoffMS, g.cfg.MaxBackoffMS)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return adapter.SendResult{}, ctx.Err(), fabricerr.CategoryTerminal, attempt
		}
		timer.Stop()
	}
	return adapter.SendResult{}, lastErr, lastCategory, maxAttempts
}

func (g *Gateway) invoke(ctx context.Context, entry registry.ManifestEntry, req Request, text string) (adapter.SendResult, error) {
	switch req.Operation {
	case OpSendMessage:
		return entry.Adapter.SendMessage(ctx, req.ExternalRoomID, text, req.Opts)
	case OpEditMessage:
		editor, ok := entry.Adapter.(adapter.MessageEditor)
		if !ok {
			return adapter.SendResult{}, fmt.Errorf("adapter %s does not implement edit_message", entry.AdapterModule)
		}
		return editor.EditMessage(ctx, req.ExternalRoomID, req.ExternalMessageID, text, req.Opts)
	case OpSendMedia:
		sender, ok := entry.Adapter.(adapter.MediaSender)
		if !ok {
			return adapter.SendResult{}, fmt.Errorf("adapter %s does not implement send_media", entry.AdapterModule)
		}
		return sender.SendMedia(ctx, req.ExternalRoomID, *req.Media, req.Opts)
	case OpEditMedia:
		editor, ok := entry.Adapter.(adapter.MediaEditor)
		if !ok {
			return adapter.SendResult{}, fmt.Errorf("adapter %s does not implement edit_media", entry.AdapterModule)
		}
		return editor.EditMedia(ctx, req.ExternalRoomID, req.ExternalMessageID, *req.Media, req.Opts)
	default:
		return adapter.SendResult{}, fmt.Errorf("unknown operation %s", req.Operation)
	}
}

// preflightMedia checks capability declaration and size limits for a media
// operation (spec.md §4.5 step 5). converted=true means the caller should
// fall back to a send_message with fallbackText.
func (g *Gateway) preflightMedia(entry registry.ManifestEntry, req Request) (converted bool, fallbackText string, err error) {
	if req.Media == nil {
		return false, "", &fabricerr.UnsupportedMediaError{Kind: "unknown", Causes: []string{"no media payload"}}
	}

	var causes []string
	switch req.Operation {
	case OpSendMedia:
		if _, ok := entry.Adapter.(adapter.MediaSender); !ok {
			causes = append(causes, "adapter does not implement send_media")
		}
	case OpEditMedia:
		if _, ok := entry.Adapter.(adapter.MediaEditor); !ok {
			causes = append(causes, "adapter does not implement edit_media")
		}
	}
	if !hasCapability(entry.Capabilities, req.Media.Kind) {
		causes = append(causes, "bridge does not declare capability for kind "+req.Media.Kind)
	}
	if g.cfg.MaxMediaBytes > 0 && int64(len(req.Media.Data)) > g.cfg.MaxMediaBytes {
		causes = append(causes, "media exceeds max_media_bytes")
	}

	if len(causes) == 0 {
		return false, "", nil
	}

	policy := g.cfg.UnsupportedMediaPolicy
	if policy == "reject" {
		return false, "", &fabricerr.UnsupportedMediaError{Kind: req.Media.Kind, Causes: causes}
	}
	return true, req.FallbackText, nil
}

// hasCapability reports whether declared includes either the generic
// send_media capability or a kind-specific tag (image/audio/video/file),
// per spec.md §4.5 step 5's "channel declares :image|:audio|:video|:file".
func hasCapability(declared []string, kind string) bool {
	for _, d := range declared {
		if d == string(adapter.CapSendMedia) || d == kind {
			return true
		}
	}
	return false
}

func pressureLevelFor(fillRatio float64, cfg config.OutboundConfig) PressureLevel {
	switch {
	case fillRatio >= cfg.ShedRatio:
		return PressureShed
	case fillRatio >= cfg.DegradedRatio:
		return PressureDegraded
	case fillRatio >= cfg.WarnRatio:
		return PressureWarn
	default:
		return PressureNormal
	}
}

// fullJitterBackoff implements the AWS "full jitter" exponential backoff
// strategy: a uniform random duration between 0 and
// min(maxBackoff, base*2^(attempt-1)).
func fullJitterBackoff(attempt int, baseMS, maxMS int64) time.Duration {
	if baseMS <= 0 {
		baseMS = 1
	}
	ceiling := maxMS
	if ceiling <= 0 {
		ceiling = baseMS
	}
	backoff := baseMS
	for i := 1; i < attempt && backoff < ceiling; i++ {
		backoff *= 2
		if backoff > ceiling {
			backoff = ceiling
			break
		}
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(backoff)) * time.Millisecond
}

type partition struct {
	idx      int
	mailbox  chan *task
	pressure PressureLevel
	cache    *sentCache
}
