package ublk

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/queue"
)

// Error represents a structured ublk error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "ADD_DEV", "START_DEV")
	DevID int64         // Device ID (-1 if not applicable)
	Queue int           // Queue number (-1 if not applicable)
	Code  UblkErrorCode // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.DevID >= 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("ublk: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "ublk: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel UblkError values and other *Error values by code
func (e *Error) Is(target error) bool {
	if ue, ok := target.(UblkError); ok {
		return e.Code == UblkErrorCode(ue)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// UblkErrorCode represents high-level error categories
type UblkErrorCode string

const (
	ErrCodeNotImplemented     UblkErrorCode = "not implemented"
	ErrCodeDeviceNotFound     UblkErrorCode = "device not found"
	ErrCodeDeviceBusy         UblkErrorCode = "device busy"
	ErrCodeInvalidParameters  UblkErrorCode = "invalid parameters"
	ErrCodeInvalidGeometry    UblkErrorCode = "invalid device geometry"
	ErrCodeKernelNotSupported UblkErrorCode = "kernel does not support ublk"
	ErrCodePermissionDenied   UblkErrorCode = "permission denied"
	ErrCodeInsufficientMemory UblkErrorCode = "insufficient memory"
	ErrCodeIOError            UblkErrorCode = "I/O error"
	ErrCodeTimeout            UblkErrorCode = "timeout"
	ErrCodeDeviceOffline      UblkErrorCode = "device offline"
	ErrCodeProtocolViolation  UblkErrorCode = "protocol violation"
)

// UblkError is a sentinel matching every *Error of the same code
type UblkError string

func (e UblkError) Error() string {
	return "ublk: " + string(e)
}

const (
	ErrNotImplemented     UblkError = "not implemented"
	ErrDeviceNotFound     UblkError = "device not found"
	ErrDeviceBusy         UblkError = "device busy"
	ErrInvalidParameters  UblkError = "invalid parameters"
	ErrKernelNotSupported UblkError = "kernel does not support ublk"
	ErrPermissionDenied   UblkError = "permission denied"
	ErrInsufficientMemory UblkError = "insufficient memory"
	ErrTimeout            UblkError = "timeout"
	ErrDeviceOffline      UblkError = "device offline"
	ErrProtocolViolation  UblkError = "protocol violation"
)

// NewError creates a new structured error
func NewError(op string, code UblkErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: -1, Queue: -1, Code: code, Msg: msg}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, devID uint32, code UblkErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: int64(devID), Queue: -1, Code: code, Msg: msg}
}

// WrapError wraps an existing error with ublk context. The code is taken
// from the innermost errno or sentinel found in the chain.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ue *Error
	if errors.As(inner, &ue) {
		e := *ue
		e.Op = op
		return &e
	}

	e := &Error{Op: op, DevID: -1, Queue: -1, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	switch {
	case errors.Is(inner, interfaces.ErrInvalidGeometry):
		e.Code = ErrCodeInvalidGeometry
	case errors.Is(inner, queue.ErrProtocolViolation):
		e.Code = ErrCodeProtocolViolation
	case errors.As(inner, &errno):
		e.Code = mapErrnoToCode(errno)
		e.Errno = errno
	}
	return e
}

// wrapDevError is WrapError with the device id filled in
func wrapDevError(op string, devID uint32, inner error) *Error {
	e := WrapError(op, inner)
	if e != nil {
		e.DevID = int64(devID)
	}
	return e
}

// mapErrnoToCode maps syscall errno to ublk error codes
func mapErrnoToCode(errno syscall.Errno) UblkErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY, syscall.EEXIST:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code UblkErrorCode) bool {
	var ublkErr *Error
	if errors.As(err, &ublkErr) {
		return ublkErr.Code == code
	}
	return false
}

// IsErrno checks if an error carries a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	return err != nil && errors.Is(err, errno)
}
