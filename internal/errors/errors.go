package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code identifies a failure condition across the system.
type Code string

// Class decides how the caller reacts to a failure.
type Class string

const (
	// ClassRecoverable marks transient or expected steady-state conditions.
	// The current action is skipped, the cycle and daemon continue.
	ClassRecoverable Class = "recoverable"
	// ClassNonRetryable marks permanent request-shape failures. The retry
	// engine must not spend budget on them.
	ClassNonRetryable Class = "non_retryable"
	// ClassFatal marks unclassified failures that count toward the daemon's
	// consecutive-failure budget.
	ClassFatal Class = "fatal"
)

// Attributes supply the default behaviour for a code.
type Attributes struct {
	Message string
	Class   Class
	Alert   bool
}

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeInitialization   Code = "INITIALIZATION_FAILURE"
	CodeRPCFailure       Code = "RPC_FAILURE"
	CodeHTTPClient       Code = "HTTP_CLIENT_ERROR"
	CodeHTTPServer       Code = "HTTP_SERVER_ERROR"
	CodeTimeout          Code = "TIMEOUT"
	CodeStalePrice       Code = "STALE_PRICE"
	CodeGasCeiling       Code = "GAS_PRICE_CEILING"
	CodeBalanceShortfall Code = "INSUFFICIENT_BALANCE"
	CodeTxReverted       Code = "TX_REVERTED"
	CodeTxUnderpriced    Code = "TX_UNDERPRICED"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeFailureBudget    Code = "FAILURE_BUDGET_EXHAUSTED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:          {Message: "unknown error", Class: ClassFatal, Alert: true},
		CodeInvalidArgument:  {Message: "invalid argument", Class: ClassNonRetryable},
		CodeInitialization:   {Message: "component not initialised", Class: ClassFatal, Alert: true},
		CodeRPCFailure:       {Message: "ledger RPC failure", Class: ClassRecoverable},
		CodeHTTPClient:       {Message: "http client error", Class: ClassNonRetryable},
		CodeHTTPServer:       {Message: "http server error", Class: ClassRecoverable},
		CodeTimeout:          {Message: "operation timed out", Class: ClassRecoverable},
		CodeStalePrice:       {Message: "oracle price too old", Class: ClassRecoverable},
		CodeGasCeiling:       {Message: "gas price above ceiling", Class: ClassRecoverable},
		CodeBalanceShortfall: {Message: "insufficient balance", Class: ClassNonRetryable, Alert: true},
		CodeTxReverted:       {Message: "transaction reverted", Class: ClassNonRetryable, Alert: true},
		CodeTxUnderpriced:    {Message: "transaction underpriced", Class: ClassRecoverable},
		CodeStorageFailure:   {Message: "storage failure", Class: ClassRecoverable, Alert: true},
		CodeFailureBudget:    {Message: "consecutive failure budget exhausted", Class: ClassFatal, Alert: true},
	}
)

// Register adds or replaces the attributes for a code. Business packages call
// this from init when they introduce their own codes.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the registered attributes, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the single error type used across component boundaries. Callers
// switch on Code and Class rather than on concrete types.
type Error struct {
	code     Code
	message  string
	cause    error
	class    *Class
	alert    *bool
	metadata map[string]string
}

// Option configures optional fields on a new Error.
type Option func(*Error)

// WithClass overrides the class registered for the code.
func WithClass(class Class) Option {
	return func(e *Error) { e.class = &class }
}

// WithAlert overrides whether the error should page somebody.
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithMetadata attaches a diagnostic key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New builds an Error for the given code.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new Error.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Wrapf is Wrap with a formatted message.
func Wrapf(code Code, cause error, format string, args ...any) *Error {
	return Wrap(code, cause, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors by code so sentinel comparisons work through errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the bare message without the code prefix.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Class returns the effective class, honouring per-instance overrides.
func (e *Error) Class() Class {
	if e == nil {
		return ClassFatal
	}
	if e.class != nil {
		return *e.class
	}
	return AttributesOf(e.code).Class
}

// ShouldAlert reports whether the error warrants an alert event.
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Metadata returns a copy of any attached diagnostic pairs.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// From extracts the classified error from an error chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of any error; unclassified errors map to UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ClassOf returns the class of any error. Unclassified errors are Fatal: they
// count toward the daemon's shutdown budget rather than looping silently.
func ClassOf(err error) Class {
	if e, ok := From(err); ok {
		return e.Class()
	}
	return ClassFatal
}

// IsRecoverable reports whether the loop may log the error and continue.
func IsRecoverable(err error) bool {
	return ClassOf(err) == ClassRecoverable
}

// IsNonRetryable reports whether the retry engine must abort immediately.
func IsNonRetryable(err error) bool {
	return ClassOf(err) == ClassNonRetryable
}

// ShouldAlert reports whether any error in the chain requests an alert.
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}
