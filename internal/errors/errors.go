package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error so callers can branch on the reason.
type Code int

const (
	// CodeInvalidState means the operation is not valid for the current
	// session or question state, e.g. submitting to a closed question.
	CodeInvalidState Code = iota + 1
	// CodeInvalidArgument means the input is malformed: wrong value shape
	// for the question type, bad options, oversized question text.
	CodeInvalidArgument
	CodeNotFound
	CodeRateLimited
	CodeUnauthenticated
	CodePermissionDenied
	CodeInternal
)

var code2str = map[Code]string{
	CodeInvalidState:     "invalid state",
	CodeInvalidArgument:  "invalid argument",
	CodeNotFound:         "not found",
	CodeRateLimited:      "rate limited",
	CodeUnauthenticated:  "unauthenticated",
	CodePermissionDenied: "permission denied",
	CodeInternal:         "internal",
}

var code2http = map[Code]int{
	CodeInvalidState:     http.StatusBadRequest,
	CodeInvalidArgument:  http.StatusUnprocessableEntity,
	CodeNotFound:         http.StatusNotFound,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeUnauthenticated:  http.StatusUnauthorized,
	CodePermissionDenied: http.StatusForbidden,
	CodeInternal:         http.StatusInternalServerError,
}

func (c Code) String() string {
	if s, ok := code2str[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: code.String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as *Error, wrapping unknown errors as internal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
