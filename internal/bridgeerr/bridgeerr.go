// Package bridgeerr defines the closed set of wire error codes (§6, §7 of
// the specification) and a BridgeError type that driver and router code
// raises to carry one of them.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Code is one of the machine-readable error codes in the wire protocol.
type Code string

const (
	DeviceNotConnected   Code = "DEVICE_NOT_CONNECTED"
	ConnectionFailed     Code = "CONNECTION_FAILED"
	InvalidCommand       Code = "INVALID_COMMAND"
	PermissionDenied     Code = "PERMISSION_DENIED"
	Timeout              Code = "TIMEOUT"
	DeviceBusy           Code = "DEVICE_BUSY"
	InvalidConfiguration Code = "INVALID_CONFIGURATION"
	StreamError          Code = "STREAM_ERROR"
)

// BridgeError is the error type returned by drivers, the registry, and the
// router. The router maps it directly onto an outbound error envelope; the
// message must never contain OS paths or credentials.
type BridgeError struct {
	Code    Code
	Message string
	cause   error
}

func (e *BridgeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *BridgeError) Unwrap() error { return e.cause }

// New constructs a BridgeError with no wrapped cause.
func New(code Code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// Wrap constructs a BridgeError that wraps a lower-level transport error.
// The cause is available via errors.Unwrap but its text is not repeated
// in the message shown to clients unless explicitly included.
func Wrap(code Code, message string, cause error) *BridgeError {
	return &BridgeError{Code: code, Message: message, cause: cause}
}

// As extracts a *BridgeError from err, or returns a synthesized
// STREAM_ERROR wrapping err if it is not already a BridgeError. The router
// uses this so that every driver error, typed or not, reaches the client
// as a valid envelope.
func As(err error) *BridgeError {
	if err == nil {
		return nil
	}
	var be *BridgeError
	if errors.As(err, &be) {
		return be
	}
	return Wrap(StreamError, "unclassified driver error", err)
}
