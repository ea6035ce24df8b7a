// Package coreerrors implements the classified error taxonomy described in
// the orchestrator's error handling design: validation, lookup,
// authorization, capacity, external (transient/permanent), state, execution
// and internal errors, plus the retry/circuit-breaker machinery external
// adapters (provider clients, the ALEX-OS client) build on.
package coreerrors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error along the taxonomy's semantic axes.
type Kind int

const (
	KindValidation Kind = iota
	KindLookup
	KindAuthorization
	KindCapacity
	KindExternalTransient
	KindExternalPermanent
	KindState
	KindExecution
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindLookup:
		return "lookup"
	case KindAuthorization:
		return "authorization"
	case KindCapacity:
		return "capacity"
	case KindExternalTransient:
		return "external_transient"
	case KindExternalPermanent:
		return "external_permanent"
	case KindState:
		return "state"
	case KindExecution:
		return "execution"
	default:
		return "internal"
	}
}

// CoreError is the common shape every taxonomy error implements: a kind, a
// human-readable message, and the wrapped cause (if any).
type CoreError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// TransientError signals a retriable external failure (rate limit, 5xx,
// connection reset). RetryAfter, when non-zero, is a server-suggested wait.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter int // seconds; 0 means "no hint, use backoff"
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error (status=%d): %v", e.StatusCode, e.Err)
}
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError signals a non-retriable external failure (bad credential,
// 4xx other than 429).
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error (status=%d): %v", e.StatusCode, e.Err)
}
func (e *PermanentError) Unwrap() error { return e.Err }

// DegradedError signals a call that partially succeeded (e.g. a provider
// substitution) and carries a fallback value callers may use instead of
// failing outright.
type DegradedError struct {
	Err             error
	FallbackContent string
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("degraded: %v (fallback available)", e.Err)
}
func (e *DegradedError) Unwrap() error { return e.Err }

func NewTransientError(err error, statusCode, retryAfter int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode, RetryAfter: retryAfter}
}

func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

func NewDegradedError(err error, fallback string) *DegradedError {
	return &DegradedError{Err: err, FallbackContent: fallback}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func IsDegraded(err error) bool {
	var d *DegradedError
	return errors.As(err, &d)
}

// ClassifyExternalError turns an opaque error from an HTTP call into a
// TransientError or PermanentError by inspecting network error types and
// HTTP-status-shaped substrings, mirroring how provider clients in the
// corpus classify failures without a typed error from the transport.
func ClassifyExternalError(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	if statusCode != 0 {
		if isTransientHTTPStatus(statusCode) {
			return NewTransientError(err, statusCode, 0)
		}
		if isPermanentHTTPStatus(statusCode) {
			return NewPermanentError(err, statusCode)
		}
	}
	if isNetworkError(err) {
		return NewTransientError(err, 0, 0)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "eof"):
		return NewTransientError(err, statusCode, 0)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid api key"), strings.Contains(msg, "not found"):
		return NewPermanentError(err, statusCode)
	}
	return err
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func isPermanentHTTPStatus(status int) bool {
	switch status {
	case 400, 401, 403, 404, 405, 409, 410, 422:
		return true
	}
	return false
}

// FormatForLLM turns a technical error into the kind of short, actionable
// message suitable for surfacing to an end user or an agent, rather than a
// raw Go error string.
func FormatForLLM(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return "the provider endpoint is not reachable; verify it is running and reachable from this process"
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return "the provider is rate-limiting requests; this call will be retried automatically with backoff"
	case strings.Contains(msg, "timeout"):
		return "the request timed out; consider a smaller prompt or a longer timeout"
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"):
		return "the configured credential was rejected; check the provider API key"
	default:
		return err.Error()
	}
}
