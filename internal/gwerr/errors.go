package gwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure. The pipeline engine keys its retry and
// failover decisions off the kind, never off message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindAuth
	KindRateLimited
	KindUpstreamTransient
	KindUpstreamRejected
	KindToolShape
	KindGatewayBusy
	KindTimeout
	KindPolicyViolation
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindAuth:
		return "auth_error"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindToolShape:
		return "tool_shape_error"
	case KindGatewayBusy:
		return "gateway_busy"
	case KindTimeout:
		return "timeout"
	case KindPolicyViolation:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// Error is the typed error surfaced by every pipeline stage.
type Error struct {
	Kind    Kind
	Message string
	// Reason is a machine-readable code, e.g. "missing_required:command".
	Reason string
	// RetryAfterSec carries the upstream Retry-After hint for rate limits.
	RetryAfterSec int
	Cause         error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a typed error without a cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithReason tags the error with a machine-readable reason code.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// KindOf extracts the kind from err, KindUnknown when untyped.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// Retryable reports whether the pipeline may try an alternative target.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the error kind onto the status the client receives.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadRequest, KindToolShape, KindPolicyViolation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindGatewayBusy:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamRejected:
		return http.StatusBadGateway
	case KindUpstreamTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// OpenAIBody renders err in OpenAI's error envelope.
func OpenAIBody(err error) []byte {
	kind := KindOf(err)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"type":    kind.String(),
			"code":    ReasonOf(err),
		},
	}
	b, _ := json.Marshal(body)
	return b
}

// AnthropicBody renders err in Anthropic's error envelope.
func AnthropicBody(err error) []byte {
	body := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    anthropicType(KindOf(err)),
			"message": err.Error(),
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func anthropicType(k Kind) string {
	switch k {
	case KindBadRequest, KindToolShape, KindPolicyViolation:
		return "invalid_request_error"
	case KindAuth:
		return "authentication_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindGatewayBusy, KindTimeout:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// ReasonOf extracts the machine-readable reason code, "" when absent.
func ReasonOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Reason != "" {
		return ge.Reason
	}
	return ""
}
