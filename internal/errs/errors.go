package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// JSON-RPC error codes. These are wire contract and must not change.
const (
	CodeParse              = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternal           = -32603
	CodeExternalService    = -32000
	CodeAuthRequired       = -32001 // shared with resource-not-found, disambiguated by data.kind
	CodeAccessDenied       = -32002
	CodeFeatureUnavailable = -32003
	CodeValidation         = -32004
	CodeTimeout            = -32005
	CodeRateLimited        = -32006
	CodeCircuitOpen        = -32007
)

// Kind identifies the error category; it always appears in data.kind so
// clients can disambiguate shared codes.
type Kind string

const (
	KindParse              Kind = "parse_error"
	KindInvalidRequest     Kind = "invalid_request"
	KindMethodNotFound     Kind = "method_not_found"
	KindInvalidParams      Kind = "invalid_params"
	KindInternal           Kind = "internal_error"
	KindExternalService    Kind = "external_service_error"
	KindAuthRequired       Kind = "auth_required"
	KindAuthExpired        Kind = "expired"
	KindAuthRevoked        Kind = "revoked"
	KindResourceNotFound   Kind = "resource_not_found"
	KindAccessDenied       Kind = "access_denied"
	KindFeatureUnavailable Kind = "feature_unavailable"
	KindValidation         Kind = "validation_error"
	KindTimeout            Kind = "timeout_error"
	KindRateLimited        Kind = "rate_limit_exceeded"
	KindCircuitOpen        Kind = "circuit_breaker_open"
	KindOversizedResult    Kind = "oversized_result"
	KindMessageTooLarge    Kind = "message_size_exceeded"
	KindCanceled           Kind = "canceled"
)

// Base error types for errors.Is checks across packages.
var (
	ErrNotFound         = errors.New("not found")
	ErrAuthRequired     = errors.New("authentication required")
	ErrAccessDenied     = errors.New("access denied")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrCircuitOpen      = errors.New("circuit breaker open")
)

// Error is the typed error carried from the first catch point to the
// dispatcher, which serializes it into exactly one JSON-RPC error response.
type Error struct {
	Code       int
	Kind       Kind
	Message    string
	Service    string            // backend that failed, if any
	Suggestion string            // operator-facing hint, always populated on the wire
	Fields     map[string]string // per-field validation detail
	Data       map[string]interface{}
	Retryable  bool
	Err        error // wrapped cause; never serialized
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Service)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the package sentinels against typed errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindResourceNotFound
	case ErrAuthRequired:
		return e.Kind == KindAuthRequired || e.Kind == KindAuthExpired || e.Kind == KindAuthRevoked
	case ErrAccessDenied:
		return e.Kind == KindAccessDenied
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrInvalidInput:
		return e.Kind == KindValidation || e.Kind == KindInvalidParams
	case ErrConnectionFailed:
		return e.Kind == KindExternalService
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	}
	return errors.Is(e.Err, target)
}

// WithData attaches an extra data entry serialized into the wire error.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// WithCause records the underlying error without exposing it on the wire.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// WireData builds the JSON-RPC error data payload. Every error carries at
// least kind and suggestion; secrets and stack traces never appear here.
func (e *Error) WireData() map[string]interface{} {
	data := make(map[string]interface{}, len(e.Data)+4)
	for k, v := range e.Data {
		data[k] = v
	}
	data["kind"] = string(e.Kind)
	if e.Suggestion != "" {
		data["suggestion"] = e.Suggestion
	}
	if e.Service != "" {
		data["service"] = e.Service
	}
	if len(e.Fields) > 0 {
		data["fields"] = e.Fields
	}
	return data
}

// Constructors. One per taxonomy row so call sites stay short.

func Parse(msg string) *Error {
	return &Error{Code: CodeParse, Kind: KindParse, Message: msg,
		Suggestion: "check JSON framing and encoding"}
}

func InvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Kind: KindInvalidRequest, Message: msg,
		Suggestion: "send a JSON-RPC 2.0 request object"}
}

func MethodNotFound(name string) *Error {
	return &Error{Code: CodeMethodNotFound, Kind: KindMethodNotFound,
		Message:    fmt.Sprintf("unknown method or tool %q", name),
		Suggestion: "call tools/list for available tools"}
}

func InvalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Kind: KindInvalidParams, Message: msg,
		Suggestion: "check required parameters and types"}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Kind: KindInternal,
		Message:    "internal server error",
		Suggestion: "retry later; report if persistent",
		Err:        err}
}

func External(service string, err error) *Error {
	return &Error{Code: CodeExternalService, Kind: KindExternalService,
		Message:    fmt.Sprintf("%s request failed", service),
		Service:    service,
		Suggestion: "backend error; retry may succeed",
		Retryable:  true,
		Err:        err}
}

func AuthRequired(msg string) *Error {
	if msg == "" {
		msg = "authentication required"
	}
	return &Error{Code: CodeAuthRequired, Kind: KindAuthRequired, Message: msg,
		Suggestion: "call authenticate with a valid api_key first"}
}

func AuthExpired() *Error {
	return &Error{Code: CodeAuthRequired, Kind: KindAuthExpired,
		Message:    "api key expired",
		Suggestion: "rotate the api key and authenticate again"}
}

func AuthRevoked() *Error {
	return &Error{Code: CodeAuthRequired, Kind: KindAuthRevoked,
		Message:    "api key revoked",
		Suggestion: "obtain a new api key"}
}

func ResourceNotFound(uri string) *Error {
	return &Error{Code: CodeAuthRequired, Kind: KindResourceNotFound,
		Message:    fmt.Sprintf("resource %q not found", uri),
		Suggestion: "call resources/list for available resources"}
}

func AccessDenied(permission string) *Error {
	return &Error{Code: CodeAccessDenied, Kind: KindAccessDenied,
		Message:    fmt.Sprintf("missing permission %q", permission),
		Suggestion: "use a key that grants the required permission"}
}

func FeatureUnavailable(feature, service string) *Error {
	return &Error{Code: CodeFeatureUnavailable, Kind: KindFeatureUnavailable,
		Message:    fmt.Sprintf("feature %q is unavailable", feature),
		Service:    service,
		Suggestion: "check get_health_status for backend state"}
}

func Validation(msg string, fields map[string]string) *Error {
	return &Error{Code: CodeValidation, Kind: KindValidation, Message: msg,
		Fields:     fields,
		Suggestion: "fix the listed fields and retry"}
}

func OversizedResult(estimatedBytes, maxBytes int64) *Error {
	e := &Error{Code: CodeValidation, Kind: KindOversizedResult,
		Message:    "estimated result exceeds the configured size limit",
		Suggestion: "narrow the time range, reduce fields, or use streaming"}
	return e.WithData("estimated_bytes", estimatedBytes).WithData("max_bytes", maxBytes)
}

func Timeout(d time.Duration) *Error {
	e := &Error{Code: CodeTimeout, Kind: KindTimeout,
		Message:    fmt.Sprintf("operation exceeded %s", d),
		Suggestion: "narrow the query or raise the tool timeout"}
	return e.WithData("timeout_seconds", d.Seconds())
}

func RateLimited(retryAfter time.Duration) *Error {
	secs := retryAfter.Seconds()
	if secs < 1 {
		secs = 1
	}
	e := &Error{Code: CodeRateLimited, Kind: KindRateLimited,
		Message:    "rate limit exceeded",
		Suggestion: "slow down and retry after the indicated delay"}
	return e.WithData("retry_after_seconds", secs)
}

func CircuitOpen(service string) *Error {
	return &Error{Code: CodeCircuitOpen, Kind: KindCircuitOpen,
		Message:    fmt.Sprintf("circuit breaker open for %s", service),
		Service:    service,
		Suggestion: "wait for the recovery window; check get_circuit_breaker_status"}
}

// MessageTooLarge reports a frame over the transport cap. size is the
// declared frame length when the framing carries one; pass 0 when the
// violation is detected without knowing the full size.
func MessageTooLarge(size, max int64) *Error {
	e := &Error{Code: CodeInvalidRequest, Kind: KindMessageTooLarge,
		Message:    "frame exceeds maximum message size",
		Suggestion: "split the request or raise transport.max_frame_bytes"}
	if size > 0 {
		e = e.WithData("frame_bytes", size)
	}
	return e.WithData("max_bytes", max)
}

// Classify translates an arbitrary error into the taxonomy. Typed errors pass
// through untouched; everything else is mapped by inspection.
func Classify(service string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(0).WithCause(err)
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeInternal, Kind: KindCanceled, Message: "request canceled", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(0).WithCause(err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || isConnectionMessage(err) {
		return External(service, err)
	}

	return Internal(err)
}

// IsMatchedFailure reports whether an error should count against a circuit
// breaker: connection failures, timeouts, and 5xx-shaped backend errors.
// Validation, auth, and not-found never trip a breaker.
func IsMatchedFailure(err error) bool {
	if err == nil {
		return false
	}
	var typed *Error
	if errors.As(err, &typed) {
		switch typed.Kind {
		case KindExternalService:
			// Persistent backend rejections (bad credentials) are not
			// infrastructure failures and must not open the breaker.
			return typed.Retryable
		case KindTimeout:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		isConnectionMessage(err)
}

// IsRetryable reports whether an adapter may retry the failed call.
func IsRetryable(err error) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Retryable
	}
	return IsMatchedFailure(err) && !errors.Is(err, context.Canceled)
}

// IsCanceled reports a context cancellation that must produce no response.
func IsCanceled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var typed *Error
	return errors.As(err, &typed) && typed.Kind == KindCanceled
}

func isConnectionMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}
