package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the orchestration core.
var (
	// ErrNamespaceUnavailable means the actor platform is not configured.
	ErrNamespaceUnavailable = fmt.Errorf("actor namespace unavailable")
	ErrAgentNotFound        = fmt.Errorf("agent not found")
	ErrActorStopped         = fmt.Errorf("actor stopped")
	ErrAgentNotInitialized  = fmt.Errorf("agent not initialized")
	ErrAgentBusy            = fmt.Errorf("agent generation already in progress")

	// ErrTemplateFetch means the sandbox service reported failure or returned nothing.
	ErrTemplateFetch    = fmt.Errorf("template fetch failed")
	ErrInvalidSelection = fmt.Errorf("template selection invalid")
	// ErrSelectionFailed never leaves the selector; it is logged and replaced by the fallback.
	ErrSelectionFailed = fmt.Errorf("template selection failed")
	ErrSandbox         = fmt.Errorf("sandbox operation failed")

	ErrWebSocketUpgrade = fmt.Errorf("websocket upgrade failed")
	ErrOriginNotAllowed = fmt.Errorf("origin not allowed")

	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrStateStore       = fmt.Errorf("state store operation failed")
	ErrSchemaViolation  = fmt.Errorf("response does not match schema")

	// Caller-visible resilience errors. These propagate unchanged through the selector.
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrSecurityPolicy    = fmt.Errorf("request blocked by security policy")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrContextOverflow   = fmt.Errorf("context window exceeded")
	ErrUpstreamFailure   = fmt.Errorf("upstream service failure")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Orchestrator.CloneAgent")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "sandbox", "actor"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsCallerVisible reports whether err must propagate to the caller instead of
// being absorbed by a fallback (rate limits and security-policy rejections).
func IsCallerVisible(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrSecurityPolicy)
}

// ErrorCode is a machine-parseable error category for monitoring and API bodies.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodeNamespaceUnavailable ErrorCode = "NAMESPACE_UNAVAILABLE"
	CodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	CodeActorStopped         ErrorCode = "ACTOR_STOPPED"
	CodeAgentNotInitialized  ErrorCode = "AGENT_NOT_INITIALIZED"
	CodeAgentBusy            ErrorCode = "AGENT_BUSY"
	CodeTemplateFetch        ErrorCode = "TEMPLATE_FETCH_FAILURE"
	CodeInvalidSelection     ErrorCode = "INVALID_SELECTION"
	CodeSelectionFailed      ErrorCode = "SELECTION_FAILURE"
	CodeSandbox              ErrorCode = "SANDBOX"
	CodeWebSocketUpgrade     ErrorCode = "WEBSOCKET_UPGRADE"
	CodeOriginNotAllowed     ErrorCode = "ORIGIN_NOT_ALLOWED"
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeStateStore           ErrorCode = "STATE_STORE"
	CodeSchemaViolation      ErrorCode = "SCHEMA_VIOLATION"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeSecurityPolicy       ErrorCode = "SECURITY_POLICY"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeUpstreamFailure      ErrorCode = "UPSTREAM_FAILURE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeSandboxSessionNotFound ErrorCode = "SANDBOX_SESSION_NOT_FOUND"
	CodeTemplateNotFound       ErrorCode = "TEMPLATE_NOT_FOUND"
	CodeSandboxTimeout         ErrorCode = "SANDBOX_TIMEOUT"
	CodeInferenceTimeout       ErrorCode = "INFERENCE_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrNamespaceUnavailable: CodeNamespaceUnavailable,
	ErrAgentNotFound:        CodeAgentNotFound,
	ErrActorStopped:         CodeActorStopped,
	ErrAgentNotInitialized:  CodeAgentNotInitialized,
	ErrAgentBusy:            CodeAgentBusy,
	ErrTemplateFetch:        CodeTemplateFetch,
	ErrInvalidSelection:     CodeInvalidSelection,
	ErrSelectionFailed:      CodeSelectionFailed,
	ErrSandbox:              CodeSandbox,
	ErrWebSocketUpgrade:     CodeWebSocketUpgrade,
	ErrOriginNotAllowed:     CodeOriginNotAllowed,
	ErrProviderNotFound:     CodeProviderNotFound,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
	ErrStateStore:           CodeStateStore,
	ErrSchemaViolation:      CodeSchemaViolation,
	ErrRateLimit:            CodeRateLimit,
	ErrSecurityPolicy:       CodeSecurityPolicy,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrGatewayAuthFailed:    CodeGatewayAuth,
	ErrContextOverflow:      CodeContextOverflow,
	ErrUpstreamFailure:      CodeUpstreamFailure,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"sandbox":  CodeSandboxSessionNotFound,
		"template": CodeTemplateNotFound,
		"agent":    CodeAgentNotFound,
	},
	ErrTimeout: {
		"sandbox":   CodeSandboxTimeout,
		"inference": CodeInferenceTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Prefer the most specific sentinel: ErrGatewayAuthFailed wraps ErrAuthInvalid.
	if errors.Is(err, ErrGatewayAuthFailed) {
		return CodeGatewayAuth
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// HTTPStatusOf maps an error to the HTTP status surfaced to API callers.
func HTTPStatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrSecurityPolicy), errors.Is(err, ErrOriginNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAgentBusy):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
