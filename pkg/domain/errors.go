package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a command was rejected.
type ErrorKind string

// Error kinds surfaced synchronously by commands.
const (
	KindNotFound               ErrorKind = "NotFound"
	KindDeleted                ErrorKind = "Deleted"
	KindAlreadyExists          ErrorKind = "AlreadyExists"
	KindUnauthorized           ErrorKind = "Unauthorized"
	KindInvalidState           ErrorKind = "InvalidState"
	KindHasActiveReferences    ErrorKind = "HasActiveReferences"
	KindInvalidWindow          ErrorKind = "InvalidWindow"
	KindAlreadyLocked          ErrorKind = "AlreadyLocked"
	KindNotLocked              ErrorKind = "NotLocked"
	KindNegotiationInProgress  ErrorKind = "NegotiationInProgress"
	KindNegotiationNotAccepted ErrorKind = "NegotiationNotAccepted"
	KindInsufficientFunds      ErrorKind = "InsufficientFunds"
	KindInvalidArgument        ErrorKind = "InvalidArgument"
	// KindConflict reports that another writer committed first; retry the command.
	KindConflict ErrorKind = "Conflict"
)

// Sentinels for errors.Is matching. A Deleted error also matches ErrNotFound.
var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrDeleted                = &Error{Kind: KindDeleted}
	ErrAlreadyExists          = &Error{Kind: KindAlreadyExists}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrHasActiveReferences    = &Error{Kind: KindHasActiveReferences}
	ErrInvalidWindow          = &Error{Kind: KindInvalidWindow}
	ErrAlreadyLocked          = &Error{Kind: KindAlreadyLocked}
	ErrNotLocked              = &Error{Kind: KindNotLocked}
	ErrNegotiationInProgress  = &Error{Kind: KindNegotiationInProgress}
	ErrNegotiationNotAccepted = &Error{Kind: KindNegotiationNotAccepted}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrConflict               = &Error{Kind: KindConflict}
)

// Error is the typed failure returned by every marketplace command.
type Error struct {
	Kind    ErrorKind
	Entity  EntityType
	Key     string
	Message string
}

// NewError builds an Error.
func NewError(kind ErrorKind, entity EntityType, key, msg string) *Error {
	return &Error{Kind: kind, Entity: entity, Key: key, Message: msg}
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, entity EntityType, key, format string, args ...any) *Error {
	return NewError(kind, entity, key, fmt.Sprintf(format, args...))
}

// NotFound reports an absent record.
func NotFound(entity EntityType, key string) *Error {
	return NewError(KindNotFound, entity, key, "")
}

// Deleted reports a tombstoned record.
func Deleted(entity EntityType, key string) *Error {
	return NewError(KindDeleted, entity, key, "")
}

// Code names the error the way callers render it, e.g. ProductNotFound.
func (e *Error) Code() string {
	switch e.Kind {
	case KindNotFound, KindDeleted, KindAlreadyExists:
		if e.Entity != "" {
			return titleEntity(e.Entity) + string(e.Kind)
		}
	}
	return string(e.Kind)
}

func (e *Error) Error() string {
	msg := e.Code()
	if e.Key != "" {
		msg += " " + string(e.Entity) + "=" + e.Key
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is matches on Kind so sentinels compare equal to any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return t.Entity == "" || t.Entity == e.Entity
	}
	return t.Kind == KindNotFound && e.Kind == KindDeleted && (t.Entity == "" || t.Entity == e.Entity)
}

// KindOf extracts the kind from err, or "" when err is not a domain error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func titleEntity(entity EntityType) string {
	s := string(entity)
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
