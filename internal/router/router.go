// Package router implements route_outbound (spec.md §4.6): resolving a
// room's outbound bindings into an ordered route list and executing
// delivery according to the room's RoutingPolicy.
//
// Grounded on internal/outbound's adapter-dispatch contract and
// internal/configstore's revisioned BridgeConfig/RoutingPolicy lookups.
package router

import (
	"context"

	"github.com/beeper/bridgefabric/internal/adapter"
	"github.com/beeper/bridgefabric/internal/configstore"
	"github.com/beeper/bridgefabric/internal/fabricerr"
	"github.com/beeper/bridgefabric/internal/model"
	"github.com/beeper/bridgefabric/internal/outbound"
	"github.com/beeper/bridgefabric/internal/signalbus"
	"github.com/beeper/bridgefabric/internal/storage"
)

// Route is a resolved outbound delivery target (an alias of model.Route).
type Route = model.Route

// Gateway is the subset of outbound.Gateway's public surface the router
// needs, allowing tests to substitute a fake.
type Gateway interface {
	SendMessage(ctx context.Context, req outbound.Request) (adapter.SendResult, error)
}

// Router resolves and executes outbound deliveries for a room.
type Router struct {
	Storage     storage.Storage
	ConfigStore *configstore.Store
	Gateway     Gateway
	Bus         *signalbus.Bus
}

// DeliveryOutcome summarizes one route_outbound execution (spec.md §4.6
// "Record outcome summary").
type DeliveryOutcome struct {
	Attempted      int
	Delivered      int
	Failed         int
	DeliveryMode   model.DeliveryMode
	FailoverPolicy model.FailoverPolicy
	Routes         []RouteResult
}

// RouteResult is the per-route delivery result within a DeliveryOutcome.
type RouteResult struct {
	BridgeID          string
	Delivered         bool
	ExternalMessageID string
	Error             string
}

// RouteOutbound resolves msg.RoomID's eligible bindings, orders them per
// the room's RoutingPolicy, executes delivery per delivery_mode, and
// records the outcome summary in the message's persisted metadata
// (spec.md §4.6).
func (r *Router) RouteOutbound(ctx context.Context, msg *model.Message, opts map[string]any) (DeliveryOutcome, error) {
	text := ""
	if len(msg.Content) > 0 {
		text = msg.Content[0].Text
	}

	routes, err := r.resolveRoutes(ctx, msg.RoomID)
	if err != nil {
		return DeliveryOutcome{}, err
	}
	if len(routes) == 0 {
		return DeliveryOutcome{}, &fabricerr.NoRoutesError{RoomID: msg.RoomID}
	}

	policyRec, err := r.ConfigStore.GetRoutingPolicy(ctx, msg.RoomID)
	if err != nil {
		return DeliveryOutcome{}, err
	}

	ordered := orderRoutes(routes, policyRec.FallbackOrder)

	outcome := DeliveryOutcome{DeliveryMode: policyRec.DeliveryMode, FailoverPolicy: policyRec.FailoverPolicy}

	var winningExternalID string
	switch policyRec.DeliveryMode {
	case model.DeliveryBroadcast:
		for _, route := range ordered {
			outcome.Attempted++
			result, err := r.send(ctx, route, text, opts)
			if err != nil {
				outcome.Failed++
				outcome.Routes = append(outcome.Routes, RouteResult{BridgeID: route.BridgeID, Error: err.Error()})
				continue
			}
			outcome.Delivered++
			outcome.Routes = append(outcome.Routes, RouteResult{BridgeID: route.BridgeID, Delivered: true, ExternalMessageID: result.ExternalMessageID})
			if winningExternalID == "" {
				winningExternalID = result.ExternalMessageID
			}
		}
	default: // primary, best_effort
		for _, route := range ordered {
			outcome.Attempted++
			result, err := r.send(ctx, route, text, opts)
			if err == nil {
				outcome.Delivered++
				outcome.Routes = append(outcome.Routes, RouteResult{BridgeID: route.BridgeID, Delivered: true, ExternalMessageID: result.ExternalMessageID})
				winningExternalID = result.ExternalMessageID
				break
			}
			outcome.Failed++
			outcome.Routes = append(outcome.Routes, RouteResult{BridgeID: route.BridgeID, Error: err.Error()})
			if policyRec.FailoverPolicy != model.FailoverNextAvailable {
				break
			}
		}
	}

	if winningExternalID != "" {
		msg.ExternalID = winningExternalID
	}

	r.recordOutcome(ctx, msg, outcome)
	r.emit(msg.RoomID, outcome)
	return outcome, nil
}

// recordOutcome persists the delivery outcome summary onto the message's
// metadata, per spec.md §4.6. Persistence failures are swallowed: the
// outbound delivery itself already happened and must not be undone by a
// bookkeeping write failing.
func (r *Router) recordOutcome(ctx context.Context, msg *model.Message, outcome DeliveryOutcome) {
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	routeSummaries := make([]map[string]any, 0, len(outcome.Routes))
	for _, rr := range outcome.Routes {
		routeSummaries = append(routeSummaries, map[string]any{
			"bridge_id":           rr.BridgeID,
			"delivered":           rr.Delivered,
			"external_message_id": rr.ExternalMessageID,
			"error":               rr.Error,
		})
	}
	msg.Metadata["routing_outcome"] = map[string]any{
		"attempted":       outcome.Attempted,
		"delivered":       outcome.Delivered,
		"failed":          outcome.Failed,
		"delivery_mode":   string(outcome.DeliveryMode),
		"failover_policy": string(outcome.FailoverPolicy),
		"routes":          routeSummaries,
	}
	_ = r.Storage.SaveMessage(ctx, msg)
}

func (r *Router) send(ctx context.Context, route Route, text string, opts map[string]any) (adapter.SendResult, error) {
	return r.Gateway.SendMessage(ctx, outbound.Request{
		BridgeID:       route.BridgeID,
		Channel:        route.Channel,
		ExternalRoomID: route.ExternalRoomID,
		Text:           text,
		Opts:           opts,
	})
}

// resolveRoutes lists bindings participating in outbound direction and
// resolves each to a Route via its enabled BridgeConfig.
func (r *Router) resolveRoutes(ctx context.Context, roomID string) ([]Route, error) {
	bindings, err := r.Storage.ListRoomBindings(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var routes []Route
	for _, b := range bindings {
		if !b.Direction.ParticipatesOutbound() {
			continue
		}
		bridgeID := b.EffectiveBridgeID()
		cfg, err := r.ConfigStore.GetBridgeConfig(ctx, bridgeID)
		if err != nil {
			continue // unknown bridge: silently excluded from the route list
		}
		if !cfg.Enabled {
			continue
		}
		routes = append(routes, Route{
			BridgeID:       bridgeID,
			AdapterModule:  cfg.AdapterModule,
			Channel:        b.Channel,
			ExternalRoomID: b.ExternalRoomID,
		})
	}
	return routes, nil
}

// orderRoutes places routes named in fallbackOrder first (in listed
// order), then any remaining routes in their original (binding insertion)
// order.
func orderRoutes(routes []Route, fallbackOrder []string) []Route {
	if len(fallbackOrder) == 0 {
		return routes
	}

	byBridge := make(map[string]Route, len(routes))
	for _, r := range routes {
		byBridge[r.BridgeID] = r
	}

	ordered := make([]Route, 0, len(routes))
	used := make(map[string]bool, len(routes))
	for _, bridgeID := range fallbackOrder {
		if route, ok := byBridge[bridgeID]; ok && !used[bridgeID] {
			ordered = append(ordered, route)
			used[bridgeID] = true
		}
	}
	for _, r := range routes {
		if !used[r.BridgeID] {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

func (r *Router) emit(roomID string, outcome DeliveryOutcome) {
	if r.Bus == nil {
		return
	}
	r.Bus.Emit("route_outbound.completed", signalbus.Measurements{
		"attempted": float64(outcome.Attempted),
		"delivered": float64(outcome.Delivered),
		"failed":    float64(outcome.Failed),
	}, signalbus.Metadata{
		"room_id":         roomID,
		"delivery_mode":   string(outcome.DeliveryMode),
		"failover_policy": string(outcome.FailoverPolicy),
	})
}
