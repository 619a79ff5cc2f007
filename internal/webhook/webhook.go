// Package webhook implements the bridge entry point (spec.md §4.11/§6.4):
// resolving a target bridge, verifying and parsing an inbound
// webhook/payload, deduping it, and handing message events to the ingest
// pipeline. It exposes no net/http.Server scaffolding — callers own their
// own listener and call RouteWebhook/RoutePayload per request.
//
// Grounded on the teacher's connector entry point (resolve portal/bridge →
// verify → transform → dedupe → ingest) composed here from
// internal/registry, internal/configstore, internal/dedupe, and
// internal/ingest.
package webhook

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/configstore"
	"github.com/beeper/bridgefabric/internal/dedupe"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/ingest"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/registry"
	"github.com/beeper/bridgefabric/internal/signalbus"
)

// DefaultMaxBodyBytes bounds a webhook body absent an explicit Router.MaxBodyBytes.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// Outcome is the union RoutePayload/RouteWebhook return, mirroring
// adapter.ParsedEvent's shape plus the dedupe/ingest results layered on
// top of a message event.
type Outcome struct {
	NoOp      bool
	Event     *adapter.Event
	Duplicate bool
	Message   *model.Message
	Context   *ingest.Context
}

// Router composes bridge resolution, verification, dedupe, and ingest
// into the two entry points a caller's HTTP (or other transport) layer
// invokes per request.
type Router struct {
	Registry     *registry.Registry
	ConfigStore  *configstore.Store
	Dedupe       *dedupe.Set
	DedupeTTL    time.Duration
	Ingest       *ingest.Pipeline
	Bus          *signalbus.Bus
	MaxBodyBytes int64
}

func (rt *Router) maxBodyBytes() int64 {
	if rt.MaxBodyBytes > 0 {
		return rt.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func (rt *Router) dedupeTTL() time.Duration {
	if rt.DedupeTTL > 0 {
		return rt.DedupeTTL
	}
	return 24 * time.Hour
}

// RoutePayload handles a pre-extracted payload (no transport envelope):
// resolve bridge, transform_incoming, dedupe, ingest.
func (rt *Router) RoutePayload(ctx context.Context, instanceModule, bridgeID, channel string, payload []byte, opts map[string]any) (Outcome, error) {
	entry, _, err := rt.resolveBridge(ctx, bridgeID)
	if err != nil {
		return Outcome{}, err
	}
	in, err := entry.Adapter.TransformIncoming(payload)
	if err != nil {
		return Outcome{}, err
	}
	return rt.handleParsed(ctx, entry, instanceModule, channel, adapter.ParsedEvent{Message: &in}, opts)
}

// RouteWebhook handles a transport-level webhook request: resolve bridge,
// verify_webhook (if declared), parse_event or transform_incoming,
// dedupe, ingest.
func (rt *Router) RouteWebhook(ctx context.Context, instanceModule, bridgeID, channel string, r *http.Request, opts map[string]any) (Outcome, error) {
	entry, _, err := rt.resolveBridge(ctx, bridgeID)
	if err != nil {
		return Outcome{}, err
	}

	if verifier, ok := entry.Adapter.(adapter.WebhookVerifier); ok {
		if err := verifier.VerifyWebhook(r, opts); err != nil {
			return Outcome{}, err
		}
	}

	var parsed adapter.ParsedEvent
	if parser, ok := entry.Adapter.(adapter.EventParser); ok {
		parsed, err = parser.ParseEvent(r)
		if err != nil {
			return Outcome{}, err
		}
	} else {
		body, err := rt.readBody(r)
		if err != nil {
			return Outcome{}, err
		}
		in, err := entry.Adapter.TransformIncoming(body)
		if err != nil {
			return Outcome{}, err
		}
		parsed = adapter.ParsedEvent{Message: &in}
	}

	return rt.handleParsed(ctx, entry, instanceModule, channel, parsed, opts)
}

func (rt *Router) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := io.LimitReader(r.Body, rt.maxBodyBytes()+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, &fabricerr.BodyReadFailedError{Cause: err}
	}
	if int64(len(body)) > rt.maxBodyBytes() {
		return nil, &fabricerr.TooLargeError{Limit: rt.maxBodyBytes(), Got: int64(len(body))}
	}
	return body, nil
}

func (rt *Router) resolveBridge(ctx context.Context, bridgeID string) (registry.ManifestEntry, *model.BridgeConfig, error) {
	entry, ok := rt.Registry.Get(bridgeID)
	if !ok {
		return registry.ManifestEntry{}, nil, &fabricerr.BridgeNotFoundError{BridgeID: bridgeID}
	}
	cfg, err := rt.ConfigStore.GetBridgeConfig(ctx, bridgeID)
	if err != nil {
		return registry.ManifestEntry{}, nil, &fabricerr.BridgeNotFoundError{BridgeID: bridgeID}
	}
	if !cfg.Enabled {
		return registry.ManifestEntry{}, nil, &fabricerr.BridgeDisabledError{BridgeID: bridgeID}
	}
	return entry, cfg, nil
}

func (rt *Router) handleParsed(ctx context.Context, entry registry.ManifestEntry, instanceModule, channel string, parsed adapter.ParsedEvent, opts map[string]any) (Outcome, error) {
	if parsed.NoOp {
		return Outcome{NoOp: true}, nil
	}
	if parsed.Event != nil {
		return Outcome{Event: parsed.Event}, nil
	}
	if parsed.Message == nil {
		return Outcome{NoOp: true}, nil
	}

	in := *parsed.Message
	if in.ExternalMessageID != "" && rt.Dedupe != nil {
		key := dedupe.Key{BridgeID: entry.BridgeID, Channel: channel, ExternalMessageID: in.ExternalMessageID}
		if rt.Dedupe.CheckAndMark(key, rt.dedupeTTL()) == dedupe.OutcomeDuplicate {
			rt.emit("delivery.skipped_duplicate", entry.BridgeID)
			return Outcome{Duplicate: true}, nil
		}
	}

	if instanceModule == "" {
		instanceModule = entry.AdapterModule
	}
	if instanceModule == "" {
		return Outcome{}, &fabricerr.MissingInstanceModuleError{BridgeID: entry.BridgeID}
	}

	msg, ingestCtx, err := rt.Ingest.IngestIncoming(ctx, instanceModule, channel, entry.BridgeID, in, entry.Adapter, opts)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Message: msg, Context: ingestCtx}, nil
}

func (rt *Router) emit(name, bridgeID string) {
	if rt.Bus == nil {
		return
	}
	rt.Bus.Emit(name, nil, signalbus.Metadata{"component": "webhook", "bridge_id": bridgeID})
}

// StatusFor maps a webhook-path error to the HTTP status code spec.md
// §6.4 assigns it. A nil error maps to 200. Unrecognized errors map to
// 500, since they represent an unexpected internal failure.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch err.(type) {
	case *fabricerr.InvalidJSONError, *fabricerr.BodyReadFailedError:
		return http.StatusBadRequest
	case *fabricerr.InvalidSignatureError:
		return http.StatusUnauthorized
	case *fabricerr.TimeoutError:
		return http.StatusRequestTimeout
	case *fabricerr.TooLargeError:
		return http.StatusRequestEntityTooLarge
	case *fabricerr.MissingInstanceModuleError:
		return http.StatusInternalServerError
	case *fabricerr.BridgeNotFoundError:
		return http.StatusNotFound
	case *fabricerr.BridgeDisabledError:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
