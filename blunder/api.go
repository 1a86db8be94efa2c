// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach an FsError value to Go errors while
// still conforming to the Go error interface. The value is later used to pick
// the errno presented to a file-protocol client.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
// merry records a stacktrace at the point of wrapping. Details() and
// Stacktrace() expose it for logging.
//
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

// FsError is the value attached to errors produced by the h2fs packages.
//
// There are two groups of constants:
//  - constants that correspond to linux/POSIX errnos as defined in errno.h
//  - h2fs-specific constants for on-disk decode failures
//
// The h2fs-specific constants live outside the errno space so that callers
// (and tests) can tell a checksum failure from a decompression failure even
// though both are reported to clients as EIO. Use UnixErrno() to obtain the
// value to send on the wire.
//
type FsError int

const (
	NotPermError      FsError = FsError(int(unix.EPERM))        // Operation not permitted
	NotFoundError     FsError = FsError(int(unix.ENOENT))       // No such file or directory
	IOError           FsError = FsError(int(unix.EIO))          // I/O error
	BadFileError      FsError = FsError(int(unix.EBADF))        // Bad file number
	NotDirError       FsError = FsError(int(unix.ENOTDIR))      // Not a directory
	IsDirError        FsError = FsError(int(unix.EISDIR))       // Is a directory
	InvalidArgError   FsError = FsError(int(unix.EINVAL))       // Invalid argument
	ReadOnlyError     FsError = FsError(int(unix.EROFS))        // Read-only file system
	OutOfRangeError   FsError = FsError(int(unix.ERANGE))       // Math result not representable
	NameTooLongError  FsError = FsError(int(unix.ENAMETOOLONG)) // File name too long
	NotSupportedError FsError = FsError(int(unix.ENOTSUP))      // Operation not supported
	StaleHandleError  FsError = FsError(int(unix.ESTALE))       // Stale file handle
)

// Errors that map to constants already defined above
const (
	NotFileError    FsError = IsDirError
	NotSymlinkError FsError = InvalidArgError
)

// SuccessError is the FsError of a nil error
const SuccessError FsError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to h2fs
	ChecksumMismatchError FsError = 1000 + iota
	UnsupportedCodecError
	DecompressFailureError
	UnexpectedBlockTypeError
	NoRadixError
	CorruptBlockError
	UnhandledObjectKindError
	NoVolumeHeaderError
	RootNotFoundError
	ReadPastEndError
)

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

// String returns a short name for h2fs-specific FsError values and the unix
// error text for those in the errno space.
func (err FsError) String() string {
	switch err {
	case SuccessError:
		return "Success"
	case ChecksumMismatchError:
		return "ChecksumMismatch"
	case UnsupportedCodecError:
		return "UnsupportedCodec"
	case DecompressFailureError:
		return "DecompressFailure"
	case UnexpectedBlockTypeError:
		return "UnexpectedBlockType"
	case NoRadixError:
		return "NoRadix"
	case CorruptBlockError:
		return "CorruptBlock"
	case UnhandledObjectKindError:
		return "UnhandledObjectKind"
	case NoVolumeHeaderError:
		return "NoVolumeHeader"
	case RootNotFoundError:
		return "RootNotFound"
	case ReadPastEndError:
		return "ReadPastEnd"
	default:
		return unix.Errno(err).Error()
	}
}

// UnixErrno returns the errno a file-protocol client should see for err.
//
// h2fs-specific values are folded onto the closest POSIX errno.
//
func (err FsError) UnixErrno() unix.Errno {
	switch err {
	case ChecksumMismatchError, UnsupportedCodecError, DecompressFailureError,
		UnexpectedBlockTypeError, NoRadixError, CorruptBlockError,
		UnhandledObjectKindError, NoVolumeHeaderError, RootNotFoundError:
		return unix.EIO
	case ReadPastEndError:
		return unix.EINVAL
	default:
		return unix.Errno(err)
	}
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: If e already carries an FsError it is replaced.
//
func AddError(e error, errValue FsError) error {
	if nil == e {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	errno, ok := merry.Value(e, "errno").(int)
	if !ok {
		return failureErrno
	}

	return errno
}

// UnixErrno returns the errno to present to a client for e.
//
// Errors never annotated by this package are reported as EIO.
//
func UnixErrno(e error) unix.Errno {
	errno := Errno(e)

	switch errno {
	case successErrno:
		return unix.Errno(0)
	case failureErrno:
		return unix.EIO
	default:
		return FsError(errno).UnixErrno()
	}
}

// ErrorString returns the error text followed by its FsError, if set.
func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	errno, ok := merry.Value(e, "errno").(int)
	if !ok {
		return e.Error()
	}

	return fmt.Sprintf("%s. Error Value: %v", e.Error(), FsError(errno))
}

// Is checks if an error matches a particular FsError
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
