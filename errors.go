package moler

import (
	"errors"
)

// Engine errors
var (
	// API misuse errors
	ErrWrongUsage = errors.New("wrong usage")
	ErrWrongState = errors.New("observer in wrong state")
	ErrNoResult   = errors.New("no result since observer was cancelled")

	// State gate errors
	ErrCommandWrongState = errors.New("command started outside its creation state")
	ErrEventWrongState   = errors.New("event started outside its creation state")

	// Deadline errors
	ErrCommandTimeout  = errors.New("command timed out")
	ErrObserverTimeout = errors.New("observer timed out")

	// State machine errors
	ErrDeviceFailure = errors.New("device failure")

	// Transport errors
	ErrRemoteEndpointNotConnected = errors.New("remote endpoint not connected")
	ErrRemoteEndpointDisconnected = errors.New("remote endpoint disconnected")
	ErrConnectionTimeout          = errors.New("connection timed out")

	// Internal errors
	ErrInternal        = errors.New("internal error")
	ErrReceiverFailure = errors.New("receiver failure")

	// Configuration errors
	ErrConfigUnknownFormat = errors.New("unknown config file format")
	ErrConfigUnknownIOType = errors.New("unknown io type")
	ErrConfigHostMissing   = errors.New("host is required")
	ErrDeviceNotFound      = errors.New("device not found in configuration")

	// Scheduler errors
	ErrSchedulerAlreadyInitialized = errors.New("default scheduler already initialized")
	ErrSchedulerUnknownKind        = errors.New("unknown scheduler kind")
	ErrJobCallbackNil              = errors.New("job callback is nil")
	ErrJobIntervalInvalid          = errors.New("job interval must be positive")
)
