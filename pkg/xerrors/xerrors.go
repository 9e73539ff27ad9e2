package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"syscall"
)

// Kind classifies heicfs errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindUnreadable
	KindUndecodable
	KindUnsupported
	KindEncoderFailed
	KindCacheIO
	KindCancelled
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindUnreadable:
		return "unreadable source"
	case KindUndecodable:
		return "undecodable image"
	case KindUnsupported:
		return "unsupported pixel format"
	case KindEncoderFailed:
		return "encoder failed"
	case KindCacheIO:
		return "cache i/o error"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrPermission),
		errors.Is(err, os.ErrPermission):
		return KindUnreadable
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Errno maps an error to the errno returned over FUSE. Cancellation
// maps to EIO: it is only observed by waiters when the pipeline shuts
// down under them. Request-level interrupts are handled by the adapter
// before this mapping applies.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindNotFound:
		return syscall.ENOENT
	case KindInvalid:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}
