package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNotFound         = errors.New("not found")
	ErrSendFailed       = errors.New("send failed")
	ErrAlreadyConnected = errors.New("already connected as another user")
)

// SendFailedError marks a message that moved to MessageStatusFailed.
// The caller may retry it explicitly by TempID.
type SendFailedError struct {
	TempID string
	Err    error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.TempID, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

func (e *SendFailedError) Is(target error) bool { return target == ErrSendFailed }

// ConnectionError is a transport-level failure. It stays inside the Connection Manager.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
