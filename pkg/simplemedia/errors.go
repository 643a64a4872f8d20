package simplemedia

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a failure for callers and for the HTTP surface.
type Code string

const (
	CodeFileTooLarge     Code = "file_too_large"
	CodeInvalidMime      Code = "invalid_mime"
	CodeVirusDetected    Code = "virus_detected"
	CodeStorageError     Code = "storage_error"
	CodePending          Code = "pending"
	CodeSignatureInvalid Code = "signature_invalid"
	CodeSignatureExpired Code = "signature_expired"
	CodeTooManyPixels    Code = "too_many_pixels"
	CodeDecodeFailed     Code = "decode_failed"
	CodeNotFound         Code = "not_found"
)

// Error types
var (
	// ErrFileTooLarge indicates the upload exceeds a size ceiling
	ErrFileTooLarge = &Error{Code: CodeFileTooLarge}

	// ErrInvalidMime indicates the sniffed type is not allowed or disagrees with the declared one
	ErrInvalidMime = &Error{Code: CodeInvalidMime}

	// ErrVirusDetected indicates the scanner did not return a clean verdict
	ErrVirusDetected = &Error{Code: CodeVirusDetected}

	// ErrStorage indicates a storage driver or record store failure
	ErrStorage = &Error{Code: CodeStorageError}

	// ErrPending indicates a duplicate upload is still in flight
	ErrPending = &Error{Code: CodePending}

	// ErrSignatureInvalid indicates a capability signature did not verify
	ErrSignatureInvalid = &Error{Code: CodeSignatureInvalid}

	// ErrSignatureExpired indicates a capability is past its expiry
	ErrSignatureExpired = &Error{Code: CodeSignatureExpired}

	// ErrTooManyPixels indicates an image exceeds the pixel budget
	ErrTooManyPixels = &Error{Code: CodeTooManyPixels}

	// ErrDecodeFailed indicates an image could not be decoded
	ErrDecodeFailed = &Error{Code: CodeDecodeFailed}

	// ErrNotFound indicates an asset, row or stored object does not exist
	ErrNotFound = &Error{Code: CodeNotFound}

	// ErrInvalidKey indicates a storage key that cannot be mapped safely
	ErrInvalidKey = errors.New("invalid storage key")

	// ErrStorageBackendNotFound indicates no driver is registered under a name
	ErrStorageBackendNotFound = errors.New("storage backend not found")
)

// Error is a classified failure. Two Errors match under errors.Is when
// their codes are equal, so the package sentinels match any error of the
// same code regardless of Op or Detail.
type Error struct {
	Code   Code
	Op     string
	Detail string
	Err    error
}

// NewError returns a classified error.
func NewError(code Code, op, detail string, err error) *Error {
	return &Error{Code: code, Op: op, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes every StorageError match ErrStorage.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodeStorageError
}

// CodeOf returns the classification of err, or "" when err carries none.
// A StorageError wrapping ErrNotFound classifies as not_found.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var se *StorageError
	if errors.As(err, &se) {
		return CodeStorageError
	}
	return ""
}

// IsNotFound reports whether err is a not_found failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
