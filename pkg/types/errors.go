package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch without parsing messages
type ErrorKind string

const (
	KindConfig             ErrorKind = "config"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindAuth               ErrorKind = "auth"
	KindTransport          ErrorKind = "transport"
	KindPartialBuild       ErrorKind = "partial_build"
	KindNotFound           ErrorKind = "not_found"
	KindMalformed          ErrorKind = "malformed"
	KindInternal           ErrorKind = "internal"
)

// Error is a classified error with a human-readable detail
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is works against sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// ErrBackendUnavailable is returned by lifecycle calls while the execution backend is absent
var ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}

// NewError creates a classified error
func NewError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func ConfigError(detail string, err error) error {
	return NewError(KindConfig, detail, err)
}

func AuthError(detail string, err error) error {
	return NewError(KindAuth, detail, err)
}

func TransportError(detail string, err error) error {
	return NewError(KindTransport, detail, err)
}

func PartialBuildError(detail string, err error) error {
	return NewError(KindPartialBuild, detail, err)
}

func NotFoundError(detail string) error {
	return NewError(KindNotFound, detail, nil)
}

func MalformedError(detail string, err error) error {
	return NewError(KindMalformed, detail, err)
}

// BackendUnavailableError annotates ErrBackendUnavailable with a detail
func BackendUnavailableError(detail string, err error) error {
	return NewError(KindBackendUnavailable, detail, err)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
