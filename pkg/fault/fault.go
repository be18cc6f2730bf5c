// Package fault defines the structured error taxonomy shared by every kernel
// component. Every failure that reaches a calling principal is a *Fault with a
// machine-readable Kind plus enough concrete detail (amounts, names, retry
// hints) for an automated caller to decide whether to retry, pay more, or
// abandon. Kernel-internal invariant violations are not Faults; they panic.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a fault. The set is closed: dispatch code switches on it.
type Kind string

const (
	PermissionDenied    Kind = "PERMISSION_DENIED"
	ExecutionError      Kind = "EXECUTION_ERROR"
	ExecutionTimeout    Kind = "EXECUTION_TIMEOUT"
	InsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	QuotaExceeded       Kind = "QUOTA_EXCEEDED"
	RateLimited         Kind = "RATE_LIMITED"
	NotFound            Kind = "NOT_FOUND"
	DuplicateID         Kind = "DUPLICATE_ID"
	TypeChanged         Kind = "TYPE_CHANGED"
	AmbiguousEdit       Kind = "AMBIGUOUS_EDIT"
	InvalidArgument     Kind = "INVALID_ARGUMENT"
)

// Fault is a structured kernel failure.
type Fault struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Balance detail, set for InsufficientBalance and QuotaExceeded.
	Have int64 `json:"have,omitempty"`
	Need int64 `json:"need,omitempty"`

	// RetryAfter is set for RateLimited.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Subject names the artifact, principal, or resource the fault is about.
	Subject string `json:"subject,omitempty"`

	// Cause carries the underlying error for logs; never shown to sandboxed code.
	Cause error `json:"-"`
}

func (f *Fault) Error() string {
	switch f.Kind {
	case InsufficientBalance, QuotaExceeded:
		return fmt.Sprintf("%s: %s (have=%d, need=%d)", f.Kind, f.Message, f.Have, f.Need)
	case RateLimited:
		return fmt.Sprintf("%s: %s (retry_after=%s)", f.Kind, f.Message, f.RetryAfter)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
}

func (f *Fault) Unwrap() error { return f.Cause }

// New constructs a Fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Denied is a PermissionDenied fault naming the denied subject.
func Denied(subject, format string, args ...any) *Fault {
	f := New(PermissionDenied, format, args...)
	f.Subject = subject
	return f
}

// Insufficient reports a balance shortfall on resource.
func Insufficient(resource string, have, need int64) *Fault {
	return &Fault{
		Kind:    InsufficientBalance,
		Message: fmt.Sprintf("insufficient %s", resource),
		Subject: resource,
		Have:    have,
		Need:    need,
	}
}

// OverQuota reports an allocatable resource overflow.
func OverQuota(resource string, have, need int64) *Fault {
	return &Fault{
		Kind:    QuotaExceeded,
		Message: fmt.Sprintf("quota exceeded for %s", resource),
		Subject: resource,
		Have:    have,
		Need:    need,
	}
}

// Limited reports a renewable resource rate violation.
func Limited(resource string, retryAfter time.Duration) *Fault {
	return &Fault{
		Kind:       RateLimited,
		Message:    fmt.Sprintf("rate limit on %s", resource),
		Subject:    resource,
		RetryAfter: retryAfter,
	}
}

// IsKind reports whether err is a *Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or ExecutionError when err is not a Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ExecutionError
}
