package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned when the document or filesystem item is gone
	ErrNotFound = errors.New("remote document not found")

	// ErrUnauthorized is returned when the token was refused
	ErrUnauthorized = errors.New("invalid credentials")

	// ErrForbidden is returned when the user lacks the permission
	ErrForbidden = errors.New("operation forbidden")

	// ErrConflict is returned on concurrent creations or updates
	ErrConflict = errors.New("conflicting remote operation")

	// ErrUploadCancelled is returned when the upload batch was cancelled
	ErrUploadCancelled = errors.New("upload cancelled")

	// ErrOngoingRequest is returned while the server still runs an identical
	// idempotent request
	ErrOngoingRequest = errors.New("request still in progress on the server")
)

// HTTPError is a non 2xx answer of the server. It matches the sentinel of
// its status with errors.Is.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrConflict:
		return e.Status == http.StatusConflict && e.Code != codeOngoingRequest
	case ErrOngoingRequest:
		return e.Code == codeOngoingRequest
	}
	return false
}

// IsServerUnavailable reports whether err is a 502, 503 or 504 answer, after
// which a creation may still have happened on the server
func IsServerUnavailable(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.Status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

const codeOngoingRequest = "OngoingRequestException"

// UploadError is a failure while sending the content of a file
type UploadError struct {
	Path  string
	Batch string
	Chunk int
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed (batch %s, chunk %d): %v", e.Path, e.Batch, e.Chunk, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ExpiredToken reports whether the upload credentials of the batch expired,
// in which case the upload must start again with a new batch
func (e *UploadError) ExpiredToken() bool {
	return e.Err != nil && strings.Contains(e.Err.Error(), "ExpiredToken")
}

// CorruptedFileError is returned when a downloaded file does not match the
// digest announced by the server
type CorruptedFileError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *CorruptedFileError) Error() string {
	return fmt.Sprintf("corrupted download of %s: expected digest %s, got %s", e.Path, e.Expected, e.Actual)
}

// ConnectionError wraps network failures
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransferPausedError is returned when a transfer stops because it was paused
// or the engine is shutting down. The transfer row is kept for a resume.
type TransferPausedError struct {
	Nature   string
	Path     string
	Transfer int64
}

func (e *TransferPausedError) Error() string {
	return fmt.Sprintf("%s of %s paused", e.Nature, e.Path)
}
