// Package errors provides a coded error type shared by the pipeline stages
package errors

// Import as perr to keep the standard library errors package reachable

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies failures so callers can decide whether to skip,
// retry later, or abort a tag's run
type ErrorCode uint16

const (
	// ErrorCodeUnknown is for unclassified errors
	ErrorCodeUnknown ErrorCode = iota

	// ErrorCodeInvalidArgument is for bad input parameters
	ErrorCodeInvalidArgument

	// ErrorCodeValidation is for configuration or payload validation failures
	ErrorCodeValidation

	// ErrorCodeNotFound is for missing resources
	ErrorCodeNotFound

	// ErrorCodeParse is for post times no rule could normalize
	ErrorCodeParse

	// ErrorCodeStoreEmpty means a tag has no data yet; callers treat it as empty
	ErrorCodeStoreEmpty

	// ErrorCodeClassificationParse is for classifier output that could not be repaired
	ErrorCodeClassificationParse

	// ErrorCodeClassifierCall is for network or API failures talking to the classifier
	ErrorCodeClassifierCall

	// ErrorCodeRun is for store or ledger failures that abort a tag's run
	ErrorCodeRun
)

var codeNames = map[ErrorCode]string{
	ErrorCodeUnknown:             "unknown",
	ErrorCodeInvalidArgument:     "invalid_argument",
	ErrorCodeValidation:          "validation",
	ErrorCodeNotFound:            "not_found",
	ErrorCodeParse:               "parse",
	ErrorCodeStoreEmpty:          "store_empty",
	ErrorCodeClassificationParse: "classification_parse",
	ErrorCodeClassifierCall:      "classifier_call",
	ErrorCodeRun:                 "run",
}

// String returns the stable name of the code
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

// HTTPStatusCode turns an ErrorCode into an http status code
func HTTPStatusCode(c ErrorCode) int {
	switch c {
	case ErrorCodeNotFound, ErrorCodeStoreEmpty:
		return http.StatusNotFound
	case ErrorCodeInvalidArgument, ErrorCodeValidation:
		return http.StatusBadRequest
	case ErrorCodeClassifierCall:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type
// msg is developer facing, code is machine facing, orig is the wrapped cause
type Error struct {
	orig error
	msg  string
	code ErrorCode
	op   string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped error, if any
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts an ErrorCode from any error, defaulting to Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err carries the given code anywhere in its chain
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = stderrs.Unwrap(err)
	}
	return false
}

// HTTPStatus returns the mapped HTTP status for any error
func HTTPStatus(err error) int { return HTTPStatusCode(CodeOf(err)) }

// WithOp attaches an operation label to an *Error (copy-on-write)
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// New returns a new *Error with the given code and message
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

// WrapIf wraps only when err != nil
func WrapIf(err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, msg)
}

// Parsef returns a time parse error
func Parsef(format string, a ...any) error { return Newf(ErrorCodeParse, format, a...) }

// StoreEmptyf returns a store empty error
func StoreEmptyf(format string, a ...any) error { return Newf(ErrorCodeStoreEmpty, format, a...) }

// ClassificationParsef returns a classification parse error
func ClassificationParsef(format string, a ...any) error {
	return Newf(ErrorCodeClassificationParse, format, a...)
}

// InvalidArgf returns an invalid argument error
func InvalidArgf(format string, a ...any) error { return Newf(ErrorCodeInvalidArgument, format, a...) }

// NotFoundf returns a not found error
func NotFoundf(format string, a ...any) error { return Newf(ErrorCodeNotFound, format, a...) }

// Skippable reports whether err only affects a single classification chunk
func Skippable(err error) bool {
	return IsCode(err, ErrorCodeClassificationParse) || IsCode(err, ErrorCodeClassifierCall)
}
