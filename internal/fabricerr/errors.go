// Package fabricerr defines the typed error taxonomy described in spec.md
// §7. Every error carries a stable Reason and, where useful, a
// human-readable Description; structs follow the teacher's
// pkg/aierrors convention (Error()/Unwrap(), errors.As-friendly).
package fabricerr

import "fmt"

// Reason is a stable error-reason code, stringly typed so it's a safe key
// for telemetry metadata and comparisons via errors.As on the containing type.
type Reason string

const (
	ReasonNotFound              Reason = "not_found"
	ReasonAmbiguous             Reason = "ambiguous"
	ReasonInvalidOnboardingID   Reason = "invalid_onboarding_id"
	ReasonRevisionConflict      Reason = "revision_conflict"
	ReasonBridgeNotFound        Reason = "bridge_not_found"
	ReasonBridgeDisabled        Reason = "bridge_disabled"
	ReasonInvalidSignature      Reason = "invalid_signature"
	ReasonQueueFull             Reason = "queue_full"
	ReasonLoadShed              Reason = "load_shed"
	ReasonMissingExternalMsgID  Reason = "missing_external_message_id"
	ReasonUnsupportedMedia      Reason = "unsupported_media"
	ReasonMediaPolicyDenied     Reason = "media_policy_denied"
	ReasonNoRoutes              Reason = "no_routes"
	ReasonNoRoute               Reason = "no_route"
	ReasonExpired               Reason = "expired"
	ReasonUnknownCapability     Reason = "unknown_capability"
	ReasonFatalRequiredBridge   Reason = "fatal_required_bridge_error"
	ReasonDegradedOptionalBridge Reason = "degraded_optional_bridge_error"
	ReasonInvalidJSON           Reason = "invalid_json"
	ReasonBodyReadFailed        Reason = "request_body_read_failed"
	ReasonTooLarge              Reason = "too_large"
	ReasonTimeout               Reason = "timeout"
	ReasonMissingInstanceModule Reason = "missing_instance_module"
)

// NotFoundError means a requested id doesn't exist in storage.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not_found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Reason() Reason { return ReasonNotFound }

// AmbiguousError means a directory lookup matched more than one record.
type AmbiguousError struct {
	Entity string
	Count  int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s ambiguous: %d matches", e.Entity, e.Count)
}

func (e *AmbiguousError) Reason() Reason { return ReasonAmbiguous }

// RevisionConflictError reports an optimistic-concurrency mismatch on a
// BridgeConfig (or any other revisioned record) write.
type RevisionConflictError struct {
	Expected int64
	Actual   int64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision_conflict: expected=%d actual=%d", e.Expected, e.Actual)
}

func (e *RevisionConflictError) Reason() Reason { return ReasonRevisionConflict }

// PolicyStage enumerates which policy stage produced a PolicyDeniedError.
type PolicyStage string

const (
	StageGating     PolicyStage = "gating"
	StageModeration PolicyStage = "moderation"
)

// PolicyDeniedError is returned when gating or moderation denies a message.
type PolicyDeniedError struct {
	Stage       PolicyStage
	PolicyReason string
	Description string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy_denied[%s]: %s: %s", e.Stage, e.PolicyReason, e.Description)
}

// SecurityStage enumerates which security stage produced a SecurityDeniedError.
type SecurityStage string

const (
	StageVerifySender    SecurityStage = "verify_sender"
	StageSanitizeOutbound SecurityStage = "sanitize_outbound"
)

// SecurityDeniedError is returned when sender verification or outbound
// sanitization denies an operation.
type SecurityDeniedError struct {
	Stage        SecurityStage
	SecurityReason string
	Description  string
}

func (e *SecurityDeniedError) Error() string {
	return fmt.Sprintf("security_denied[%s]: %s: %s", e.Stage, e.SecurityReason, e.Description)
}

// BridgeNotFoundError means a bridge_id has no BridgeConfig record.
type BridgeNotFoundError struct {
	BridgeID string
}

func (e *BridgeNotFoundError) Error() string { return fmt.Sprintf("bridge_not_found: %s", e.BridgeID) }

// BridgeDisabledError means a bridge_id's BridgeConfig.Enabled is false.
type BridgeDisabledError struct {
	BridgeID string
}

func (e *BridgeDisabledError) Error() string { return fmt.Sprintf("bridge_disabled: %s", e.BridgeID) }

// InvalidSignatureError means webhook signature verification failed.
type InvalidSignatureError struct{}

func (e *InvalidSignatureError) Error() string { return "invalid_signature" }

// OutboundErrorCategory classifies OutboundError for retry policy purposes.
type OutboundErrorCategory string

const (
	CategoryTerminal  OutboundErrorCategory = "terminal"
	CategoryRetryable OutboundErrorCategory = "retryable"
)

// OutboundErrorDisposition mirrors Category but names the gateway's final
// decision on the request (terminal failures and exhausted retries both end
// up "terminal" in disposition terms once returned to the caller).
type OutboundErrorDisposition string

const (
	DispositionTerminal OutboundErrorDisposition = "terminal"
	DispositionRetry    OutboundErrorDisposition = "retry"
)

// OutboundError is returned by the outbound gateway on a failed operation.
type OutboundError struct {
	OutboundReason string
	Category       OutboundErrorCategory
	Disposition    OutboundErrorDisposition
	Attempt        int
	MaxAttempts    int
	DeadLetterID   string
	Cause          error
}

func (e *OutboundError) Error() string {
	return fmt.Sprintf("outbound_error[%s]: attempt=%d/%d category=%s", e.OutboundReason, e.Attempt, e.MaxAttempts, e.Category)
}

func (e *OutboundError) Unwrap() error { return e.Cause }

// QueueFullError means a partition's bounded FIFO rejected an enqueue.
type QueueFullError struct {
	Partition int
	Capacity  int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue_full: partition=%d capacity=%d", e.Partition, e.Capacity)
}

// LoadShedError means the shed_action rejected a request under pressure.
type LoadShedError struct {
	Partition int
}

func (e *LoadShedError) Error() string { return fmt.Sprintf("load_shed: partition=%d", e.Partition) }

// MissingExternalMessageIDError means an edit operation lacked the required
// external_message_id.
type MissingExternalMessageIDError struct{}

func (e *MissingExternalMessageIDError) Error() string { return "missing_external_message_id" }

// UnsupportedMediaError is returned when media preflight rejects a send.
type UnsupportedMediaError struct {
	Kind   string
	Causes []string
}

func (e *UnsupportedMediaError) Error() string {
	return fmt.Sprintf("unsupported_media[%s]: %v", e.Kind, e.Causes)
}

// MediaPolicyDeniedError is returned when a media size/type rule rejects a send.
type MediaPolicyDeniedError struct {
	Rule string
}

func (e *MediaPolicyDeniedError) Error() string { return fmt.Sprintf("media_policy_denied: %s", e.Rule) }

// NoRoutesError means outbound routing found zero eligible bindings.
type NoRoutesError struct {
	RoomID string
}

func (e *NoRoutesError) Error() string { return fmt.Sprintf("no_routes: room=%s", e.RoomID) }

// NoRouteError means session resolution exhausted state, partition, and
// provided fallbacks.
type NoRouteError struct {
	Key string
}

func (e *NoRouteError) Error() string { return fmt.Sprintf("no_route: %s", e.Key) }

// FatalRequiredBridgeError aborts manifest bootstrap when a required
// bridge's manifest failed to load.
type FatalRequiredBridgeError struct {
	Diagnostic any
}

func (e *FatalRequiredBridgeError) Error() string { return fmt.Sprintf("fatal_required_bridge_error: %+v", e.Diagnostic) }

// UnknownCapabilityError means a manifest declared a capability string
// outside the fixed closed set (spec.md §6.1).
type UnknownCapabilityError struct {
	Capability string
}

func (e *UnknownCapabilityError) Error() string { return fmt.Sprintf("unknown_capability: %s", e.Capability) }

// MissingCallbackError means an adapter declared a capability but doesn't
// implement the Go interface that capability requires.
type MissingCallbackError struct {
	Capability string
}

func (e *MissingCallbackError) Error() string {
	return fmt.Sprintf("missing_callback_for_capability: %s", e.Capability)
}

// InvalidTransitionError is returned by the onboarding FSM on an illegal
// transition request.
type InvalidTransitionError struct {
	From       string
	Transition string
	Allowed    []string
	Class      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid_transition: from=%s transition=%s allowed=%v class=%s", e.From, e.Transition, e.Allowed, e.Class)
}

// InvalidJSONError means a webhook body failed to parse as JSON.
type InvalidJSONError struct{ Cause error }

func (e *InvalidJSONError) Error() string { return fmt.Sprintf("invalid_json: %v", e.Cause) }
func (e *InvalidJSONError) Unwrap() error  { return e.Cause }

// BodyReadFailedError means reading a webhook request body failed before
// any JSON parsing was attempted.
type BodyReadFailedError struct{ Cause error }

func (e *BodyReadFailedError) Error() string {
	return fmt.Sprintf("request_body_read_failed: %v", e.Cause)
}
func (e *BodyReadFailedError) Unwrap() error { return e.Cause }

// TooLargeError means a webhook body exceeded the configured size limit.
type TooLargeError struct {
	Limit int64
	Got   int64
}

func (e *TooLargeError) Error() string { return fmt.Sprintf("too_large: limit=%d got=%d", e.Limit, e.Got) }

// TimeoutError means a webhook-bound operation exceeded its deadline.
type TimeoutError struct{ Stage string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.Stage) }

// MissingInstanceModuleError means a webhook route was called without an
// instance/adapter module resolvable for the target bridge.
type MissingInstanceModuleError struct{ BridgeID string }

func (e *MissingInstanceModuleError) Error() string {
	return fmt.Sprintf("missing_instance_module: %s", e.BridgeID)
}
