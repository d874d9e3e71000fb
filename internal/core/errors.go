package core

import (
	"context"
	"errors"
)

// Error codes for domain errors.
const (
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeRoomFull           = "room_full"
	ErrCodeRoomNotFound       = "room_not_found"
	ErrCodeGroupNotFound      = "group_not_found"
	ErrCodeNotMember          = "not_member"
	ErrCodeAlreadyJoined      = "already_joined"
	ErrCodeRoomExists         = "room_exists"
	ErrCodeStateNotFound      = "state_not_found"
	ErrCodeStorageUnavailable = "storage_unavailable"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeTimeout            = "timeout"
	ErrCodeInternal           = "internal"
)

var (
	ErrUnauthorized       = errors.New("not authorized")
	ErrRoomFull           = errors.New("room is full")
	ErrRoomNotFound       = errors.New("room not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrNotMember          = errors.New("not a member")
	ErrAlreadyJoined      = errors.New("already joined")
	ErrRoomExists         = errors.New("room already exists")
	ErrStateNotFound      = errors.New("room state not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBadRequest         = errors.New("bad request")

	// ErrDeliveryTimeout is recovered inside the router by queueing; callers
	// never see it from Send.
	ErrDeliveryTimeout = errors.New("delivery timed out")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// NewError builds a CoreError with the given code.
func NewError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// ErrorCode maps an error onto its wire code.
func ErrorCode(err error) string {
	var ce *CoreError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrRoomFull):
		return ErrCodeRoomFull
	case errors.Is(err, ErrRoomNotFound):
		return ErrCodeRoomNotFound
	case errors.Is(err, ErrGroupNotFound):
		return ErrCodeGroupNotFound
	case errors.Is(err, ErrNotMember):
		return ErrCodeNotMember
	case errors.Is(err, ErrAlreadyJoined):
		return ErrCodeAlreadyJoined
	case errors.Is(err, ErrRoomExists):
		return ErrCodeRoomExists
	case errors.Is(err, ErrStateNotFound):
		return ErrCodeStateNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return ErrCodeStorageUnavailable
	case errors.Is(err, ErrBadRequest):
		return ErrCodeBadRequest
	case errors.Is(err, ErrDeliveryTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}

// AsCoreError converts any error into a CoreError suitable for the wire.
func AsCoreError(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	code := ErrorCode(err)
	if code == ErrCodeInternal {
		return NewError(code, "internal error")
	}
	return NewError(code, err.Error())
}
