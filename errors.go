package orkestra

import (
	"errors"
	"fmt"
	"time"
)

// Error type constants used in ClientError.Type. Classification happens once,
// at the transport boundary; every layer above treats it as final.
const (
	ErrorTypeConfiguration    = "Configuration"
	ErrorTypeNetwork          = "Network"
	ErrorTypeServer           = "Server"
	ErrorTypeClient           = "Client"
	ErrorTypeRateLimit        = "RateLimit"
	ErrorTypeProtocolMismatch = "ProtocolMismatch"
	ErrorTypeQueueTimeout     = "QueueTimeout"
	ErrorTypeCircuitOpen      = "CircuitOpen"
	ErrorTypeThrottled        = "Throttled"
	ErrorTypeValidation       = "Validation"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrClosed is returned when a request is issued against a closed client.
	ErrClosed = errors.New("orkestra: client closed")

	// ErrCircuitOpen is returned when the circuit breaker is in open state.
	ErrCircuitOpen = errors.New("orkestra: circuit open")

	// ErrThrottled is returned when the local rate limiter denies a request.
	ErrThrottled = errors.New("orkestra: throttled")

	// ErrQueueTimeout is returned when a queued request is not admitted
	// before its queue-wait deadline.
	ErrQueueTimeout = errors.New("orkestra: queue wait deadline exceeded")
)

// Attempt records one physical call attempt for diagnostics. The full history
// is attached to the final outcome, success or failure.
type Attempt struct {
	Number     int
	StatusCode int
	ErrorType  string
	Err        string
	Delay      time.Duration
	At         time.Time
}

// ClientError is the classified error surfaced by the client.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Attempt    int
	Attempts   []Attempt
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d)", msg, e.Attempt)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrThrottled:
		return e.Type == ErrorTypeThrottled
	case ErrQueueTimeout:
		return e.Type == ErrorTypeQueueTimeout
	}
	return false
}

// IsRetryable reports whether the classification permits another attempt.
// Only transient-network and transient-server failures qualify; a rate limited
// response qualifies when the server supplied a retry hint.
func (e *ClientError) IsRetryable() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeServer:
		return true
	case ErrorTypeRateLimit:
		return e.RetryAfter > 0
	default:
		return false
	}
}

// IsTransient determines if an error represents a transient failure that
// might succeed if the caller re-issues it, including failures the client
// itself refuses to retry (queue timeouts, open circuit, local throttle).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrThrottled) || errors.Is(err, ErrQueueTimeout) {
		return true
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeServer, ErrorTypeRateLimit,
			ErrorTypeQueueTimeout, ErrorTypeCircuitOpen, ErrorTypeThrottled:
			return true
		}
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d\n", e.Attempt)
	}
	for _, a := range e.Attempts {
		info += fmt.Sprintf("  attempt %d: status=%d type=%s err=%q delay=%v\n",
			a.Number, a.StatusCode, a.ErrorType, a.Err, a.Delay)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}
