package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures surfaced by the watchdog
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypePduUnreachable ErrorType = "pdu_unreachable"
	ErrorTypeRemoteShell    ErrorType = "remote_shell"
	ErrorTypeMaintenance    ErrorType = "maintenance"
	ErrorTypeIO             ErrorType = "io"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeCancelled      ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// NewPduUnreachableError reports an SNMP transport, timeout or missing-value failure
func NewPduUnreachableError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePduUnreachable, message, cause)
}

// NewRemoteShellError reports an SSH authentication, connect or timeout failure
func NewRemoteShellError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeRemoteShell, message, cause)
}

func NewMaintenanceError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeMaintenance, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// AsDomainError returns the first DomainError in err's chain
func AsDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// TypeOf returns the ErrorType of the first DomainError in err's chain, or "" if there is none
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

func IsNotFoundError(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

func IsConflictError(err error) bool {
	return TypeOf(err) == ErrorTypeConflict
}

func IsPduUnreachableError(err error) bool {
	return TypeOf(err) == ErrorTypePduUnreachable
}

func IsRemoteShellError(err error) bool {
	return TypeOf(err) == ErrorTypeRemoteShell
}

func IsMaintenanceError(err error) bool {
	return TypeOf(err) == ErrorTypeMaintenance
}

func IsIOError(err error) bool {
	return TypeOf(err) == ErrorTypeIO
}

func IsInternalError(err error) bool {
	return TypeOf(err) == ErrorTypeInternal
}

func IsCancelledError(err error) bool {
	return TypeOf(err) == ErrorTypeCancelled
}

// ErrorCollection aggregates errors from bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
