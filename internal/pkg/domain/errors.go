package domain

import (
	"errors"
	"fmt"
)

var (
	//ErrNotFound is returned when an entity does not exist or belongs to another tenant
	ErrNotFound = errors.New("not found")
	//ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("invalid state")
	//ErrInvalidInput is returned for malformed requests
	ErrInvalidInput = errors.New("invalid input")
	//ErrRemoteUnavailable is returned when the vendor cloud times out or rejects a call
	ErrRemoteUnavailable = errors.New("remote unavailable")
	//ErrBroadcastFailure is returned when real-time subscribers could not be notified
	ErrBroadcastFailure = errors.New("broadcast failure")
	//ErrPersistence is returned when a database write fails
	ErrPersistence = errors.New("persistence failure")
	//ErrNotConnected is returned by Send on a connection that is not connected
	ErrNotConnected = errors.New("not connected")
)

//RemoteError describes a failed call to the vendor cloud
type RemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote returned status %d", e.Op, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
	}
	return e.Op + ": remote unavailable"
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

//Is makes every RemoteError match ErrRemoteUnavailable
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

//NotFoundf wraps ErrNotFound with a formatted message
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

//InvalidStatef wraps ErrInvalidState with a formatted message
func InvalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}

//PersistenceError wraps a storage error so that it matches ErrPersistence
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
