package xdna

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-xdna/internal/pdev"
)

// Error represents a structured xdna error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "DRM_IOCTL_AMDXDNA_CREATE_HWCTX", "import_bo")
	Device string        // Device node path ("" if not applicable)
	Handle uint32        // Kernel handle involved (0 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Device != "" {
		parts = append(parts, "dev="+e.Device)
	}
	if e.Handle != 0 {
		parts = append(parts, fmt.Sprintf("handle=%d", e.Handle))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("xdna: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "xdna: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code. A target carrying a message only
// matches errors with the same message, so ErrNoValidWorkload is narrower
// than ErrInvalidParameters.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te == nil {
		return false
	}
	if e.Code != te.Code {
		return false
	}
	return te.Msg == "" || te.Msg == e.Msg
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeDriverRejected     ErrorCode = "driver rejected request"
	ErrCodeNotFound           ErrorCode = "resource not found"
	ErrCodePrecondition       ErrorCode = "precondition violated"
	ErrCodeUnsupported        ErrorCode = "not supported"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeBusy               ErrorCode = "device busy"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
)

// Sentinel errors, matched with errors.Is
var (
	ErrDriverRejected     = &Error{Code: ErrCodeDriverRejected}
	ErrNotFound           = &Error{Code: ErrCodeNotFound}
	ErrPrecondition       = &Error{Code: ErrCodePrecondition}
	ErrUnsupported        = &Error{Code: ErrCodeUnsupported}
	ErrPermissionDenied   = &Error{Code: ErrCodePermissionDenied}
	ErrInvalidParameters  = &Error{Code: ErrCodeInvalidParameters}
	ErrTimeout            = &Error{Code: ErrCodeTimeout}
	ErrBusy               = &Error{Code: ErrCodeBusy}
	ErrInsufficientMemory = &Error{Code: ErrCodeInsufficientMemory}

	ErrQueueUnbound    = &Error{Code: ErrCodePrecondition, Msg: "hardware queue is not bound to a context"}
	ErrNoValidWorkload = &Error{Code: ErrCodeInvalidParameters, Msg: "no valid workload"}
	ErrSessionClosed   = &Error{Code: ErrCodePrecondition, Msg: "session is closed"}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
		Inner: errno,
	}
}

// NewDeviceError creates a new error tied to a device node
func NewDeviceError(op, device string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with xdna context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var xe *Error
	if errors.As(inner, &xe) {
		return &Error{
			Op:     op,
			Device: xe.Device,
			Handle: xe.Handle,
			Code:   xe.Code,
			Errno:  xe.Errno,
			Msg:    xe.Msg,
			Inner:  xe.Inner,
		}
	}

	// Driver failures keep the symbolic command name
	var ioe *pdev.IoctlError
	if errors.As(inner, &ioe) {
		if op == "" {
			op = ioe.Cmd
		}
		return &Error{
			Op:    op,
			Code:  mapDriverErrno(ioe.Errno),
			Errno: ioe.Errno,
			Msg:   ioe.Error(),
			Inner: inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeDriverRejected,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to xdna error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeUnsupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIME, syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeDriverRejected
	}
}

// mapDriverErrno classifies a failed ioctl. Everything the driver refuses
// is driver-rejected except the cases callers branch on.
func mapDriverErrno(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ETIME, syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.ENOMEM:
		return ErrCodeInsufficientMemory
	case syscall.EBUSY:
		return ErrCodeBusy
	default:
		return ErrCodeDriverRejected
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Errno == errno
	}
	return false
}
