// Package errs provides structured error types and helpers for optiondesk components.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies an error category within the reconciliation pipeline.
type Code string

const (
	// CodeMalformedMessage indicates a venue message that could not be normalized.
	CodeMalformedMessage Code = "malformed_message"
	// CodeInvalidTransition indicates an order lifecycle transition the state machine rejects.
	CodeInvalidTransition Code = "invalid_transition"
	// CodePrecisionOverflow indicates a decimal operation that would exceed the configured scale.
	CodePrecisionOverflow Code = "precision_overflow"
	// CodeGapUnresolved indicates a sequence gap released best-effort after the bounded wait.
	CodeGapUnresolved Code = "gap_unresolved"
	// CodePersistenceFailure indicates a durable write that failed after retries.
	CodePersistenceFailure Code = "persistence_failure"
	// CodeAuth indicates authentication or session errors against the venue.
	CodeAuth Code = "auth"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the venue or store is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the optiondesk stack.
type E struct {
	Component string
	Code      Code
	Entity    string
	Seq       uint64
	Message   string
	RawMsg    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithEntity records the entity key (order id or contract key) the error concerns.
func WithEntity(entity string) Option {
	trimmed := strings.TrimSpace(entity)
	return func(e *E) {
		e.Entity = trimmed
	}
}

// WithSeq records the sequence marker associated with the failing event.
func WithSeq(seq uint64) Option {
	return func(e *E) {
		e.Seq = seq
	}
}

// WithRawMessage captures the raw venue payload fragment that triggered the error.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Entity != "" {
		parts = append(parts, "entity="+strconv.Quote(e.Entity))
	}
	if e.Seq > 0 {
		parts = append(parts, "seq="+strconv.FormatUint(e.Seq, 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target carries the same component and code, enabling errors.Is matching.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok || e == nil || other == nil {
		return false
	}
	if other.Component != "" && other.Component != e.Component {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the error code from err when it wraps an *E; empty otherwise.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
