// Package ublerr defines the shared error taxonomy used across ubl-gate.
//
// Callers should branch on Kind and Code rather than matching error strings.
package ublerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the gate's seven error families.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindIntegrity   Kind = "INTEGRITY"
	KindPolicy      Kind = "POLICY"
	KindResource    Kind = "RESOURCE"
	KindIdempotency Kind = "IDEMPOTENCY"
	KindAuth        Kind = "AUTH"
	KindInternal    Kind = "INTERNAL"
)

// Error is the structured error type returned by every ubl-gate package.
type Error struct {
	Kind    Kind
	Code    string
	RuleID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s.%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error with no cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error carrying an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// WithRuleID attaches a policy rule id to an error.
func (e *Error) WithRuleID(ruleID string) *Error {
	e.RuleID = ruleID
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RuleIDOf extracts the RuleID carried by err, if any.
func RuleIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RuleID
	}
	return ""
}

// CodeOf extracts the Code carried by err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
