// Package errors defines the coded errors returned by the stores and jobs.
// Every code maps to Metadata that decides whether the caller may retry and
// whether details can be shown to an operator.
package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeConfiguration Code = "CONFIGURATION_ERROR"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeCorruptData   Code = "CORRUPT_DATA"
	CodePartialBatch  Code = "PARTIAL_BATCH_FAILURE"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
)

type Metadata struct {
	Retryable      bool
	Fatal          bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeConfiguration: {
		Fatal:          true,
		PublicMessage:  "configuration invalid",
		DetailsAllowed: true,
	},
	CodeValidation: {
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeNotFound: {
		PublicMessage: "resource not found",
	},
	CodeCorruptData: {
		PublicMessage:  "stored data is corrupt",
		DetailsAllowed: true,
	},
	CodePartialBatch: {
		PublicMessage:  "some documents in the batch failed",
		DetailsAllowed: true,
	},
	CodeInternal: {
		Retryable:     true,
		PublicMessage: "internal error",
	},
	CodeDependency: {
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// Is reports whether err carries the given code anywhere in its chain,
// including every branch of a joined or combined error.
func Is(err error, code Code) bool {
	found := false
	walk(err, func(e *Error) bool {
		found = e.code == code
		return !found
	})
	return found
}

// IsRetryable reports whether the outermost coded error in err may succeed
// on a later attempt. Uncoded errors are treated as internal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(As(err).Code()).Retryable
}

// Is makes errors.Is match any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// walk visits coded errors depth first until visit returns false.
func walk(err error, visit func(*Error) bool) bool {
	if err == nil {
		return true
	}
	if typed, ok := err.(*Error); ok && typed != nil {
		if !visit(typed) {
			return false
		}
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if !walk(inner, visit) {
				return false
			}
		}
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), visit)
	}
	return true
}
