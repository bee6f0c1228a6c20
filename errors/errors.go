// Package errors provides the classified error model shared by every
// runtime component. Each failure carries a Kind from a closed set so that
// callers can branch on the contract (timeout, locked, validation, ...)
// without string matching, plus helper functions for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/European-XFEL/Karabo-sub006/pkg/retry"
)

// Kind classifies a failure according to the runtime's error contracts.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota
	// KindTimeout marks a correlated call that exceeded its timeout.
	KindTimeout
	// KindDisconnected marks a target instance lost while a call was pending.
	KindDisconnected
	// KindLocked marks a reconfigure refused because another id holds the device.
	KindLocked
	// KindStateForbidden marks a slot or write refused by allowedStates.
	KindStateForbidden
	// KindValidation marks a reconfigure that failed schema validation.
	KindValidation
	// KindProtocolMisuse marks a framed message lacking required fields or
	// naming an unknown type.
	KindProtocolMisuse
	// KindUnauthorized marks a message refused by the pre-login allow-list
	// or by read-only mode.
	KindUnauthorized
	// KindTokenInvalid marks a token refused by the auth server.
	KindTokenInvalid
	// KindCast marks a type mismatch on a typed Hash access.
	KindCast
	// KindOverflow marks an integer unbox or narrowing that lost range.
	KindOverflow
	// KindKeyNotFound marks access to a missing Hash path.
	KindKeyNotFound
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindLocked:
		return "locked"
	case KindStateForbidden:
		return "stateForbidden"
	case KindValidation:
		return "validation"
	case KindProtocolMisuse:
		return "protocolMisuse"
	case KindUnauthorized:
		return "unauthorized"
	case KindTokenInvalid:
		return "tokenInvalid"
	case KindCast:
		return "cast"
	case KindOverflow:
		return "overflow"
	case KindKeyNotFound:
		return "keyNotFound"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	ErrAlreadyStarted = errors.New("instance already started")
	ErrNotStarted     = errors.New("instance not started")
	ErrShuttingDown   = errors.New("instance is shutting down")

	ErrNoConnection   = errors.New("no broker connection available")
	ErrConnectionLost = errors.New("broker connection lost")

	ErrDuplicateInstanceID = errors.New("instance id already in use")
)

// Error is a classified error. Kind identifies the violated contract, Key
// optionally names the Hash path or property involved, and Timeout carries
// the exceeded bound for KindTimeout errors.
type Error struct {
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
	Key       string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTimeout reports whether err is a KindTimeout error.
func IsTimeout(err error) bool { return Is(err, KindTimeout) }

// IsDisconnected reports whether err is a KindDisconnected error.
func IsDisconnected(err error) bool { return Is(err, KindDisconnected) }

// IsLocked reports whether err is a KindLocked error.
func IsLocked(err error) bool { return Is(err, KindLocked) }

// IsStateForbidden reports whether err is a KindStateForbidden error.
func IsStateForbidden(err error) bool { return Is(err, KindStateForbidden) }

// IsValidation reports whether err is a KindValidation error.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsKeyNotFound reports whether err is a KindKeyNotFound error.
func IsKeyNotFound(err error) bool { return Is(err, KindKeyNotFound) }

// IsCast reports whether err is a KindCast error.
func IsCast(err error) bool { return Is(err, KindCast) }

// IsOverflow reports whether err is a KindOverflow error.
func IsOverflow(err error) bool { return Is(err, KindOverflow) }

// IsUnauthorized reports whether err is a KindUnauthorized error.
func IsUnauthorized(err error) bool { return Is(err, KindUnauthorized) }

// NewTimeout creates a KindTimeout error carrying the exceeded bound.
func NewTimeout(timeout time.Duration, component, operation string) error {
	return &Error{
		Kind:      KindTimeout,
		Component: component,
		Operation: operation,
		Timeout:   timeout,
		Message:   fmt.Sprintf("%s.%s: no reply within %v", component, operation, timeout),
	}
}

// NewDisconnected creates a KindDisconnected error for a lost instance.
func NewDisconnected(instanceID, component, operation string) error {
	return &Error{
		Kind:      KindDisconnected,
		Component: component,
		Operation: operation,
		Key:       instanceID,
		Message:   fmt.Sprintf("%s.%s: instance %q is gone", component, operation, instanceID),
	}
}

// NewLocked creates a KindLocked error naming the lock holder.
func NewLocked(holder, component string) error {
	return &Error{
		Kind:      KindLocked,
		Component: component,
		Key:       holder,
		Message:   fmt.Sprintf("%s is locked by %q", component, holder),
	}
}

// NewStateForbidden creates a KindStateForbidden error.
func NewStateForbidden(key, state string) error {
	return &Error{
		Kind:    KindStateForbidden,
		Key:     key,
		Message: fmt.Sprintf("%q may not be used in state %q", key, state),
	}
}

// NewValidation creates a KindValidation error carrying the offending key.
func NewValidation(key, reason string) error {
	return &Error{
		Kind:    KindValidation,
		Key:     key,
		Message: fmt.Sprintf("validation of %q failed: %s", key, reason),
	}
}

// NewProtocolMisuse creates a KindProtocolMisuse error.
func NewProtocolMisuse(reason string) error {
	return &Error{Kind: KindProtocolMisuse, Message: reason}
}

// NewUnauthorized creates a KindUnauthorized error.
func NewUnauthorized(reason string) error {
	return &Error{Kind: KindUnauthorized, Message: reason}
}

// NewTokenInvalid creates a KindTokenInvalid error with the auth server's reason.
func NewTokenInvalid(reason string) error {
	return &Error{Kind: KindTokenInvalid, Message: reason}
}

// NewCast creates a KindCast error for a typed access mismatch.
func NewCast(key, want, got string) error {
	return &Error{
		Kind:    KindCast,
		Key:     key,
		Message: fmt.Sprintf("cannot cast %q from %s to %s", key, got, want),
	}
}

// NewOverflow creates a KindOverflow error.
func NewOverflow(key, detail string) error {
	return &Error{
		Kind:    KindOverflow,
		Key:     key,
		Message: fmt.Sprintf("overflow at %q: %s", key, detail),
	}
}

// NewKeyNotFound creates a KindKeyNotFound error for a missing path.
func NewKeyNotFound(key string) error {
	return &Error{
		Kind:    KindKeyNotFound,
		Key:     key,
		Message: fmt.Sprintf("key %q not found", key),
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps an error with context and attaches a Kind.
func WrapKind(err error, kind Kind, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &Error{
		Kind:      kind,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// IsTransient checks whether an error is worth retrying: broker hiccups,
// timeouts and cancellations qualify, contract violations do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch KindOf(err) {
	case KindTimeout, KindDisconnected:
		return true
	case KindUnknown:
		// fall through to the generic checks below
	default:
		return false
	}

	if errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// RetryConfig defines configuration for retrying transient failures.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines whether an error should be retried at the given attempt.
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return IsTransient(err)
}

// ToRetryConfig converts to the retry framework's Config type. MaxRetries
// counts additional attempts beyond the first, the framework counts total
// attempts, hence the +1. Jitter is enabled for production use.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
