// Package errors defines the sentinel errors shared by the note store, the
// repository and the HTTP layer, plus an AppError carrying an HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStoreUnavailable: the index directory is inaccessible, locked by
	// another writer, or corrupt at open time.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStoreClosed: an operation was attempted on a closed store.
	ErrStoreClosed = errors.New("store closed")
	// ErrQuerySyntax: a free-text query could not be parsed.
	ErrQuerySyntax = errors.New("query syntax error")
	// ErrIO: reading or writing the index failed.
	ErrIO = errors.New("index i/o failure")
	// ErrNotSaved: a save was not durably committed.
	ErrNotSaved = errors.New("note not saved")

	ErrNoteNotFound = errors.New("note not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrTimeout      = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Wrap annotates err with sentinel so that errors.Is matches both.
func Wrap(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrQuerySyntax):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrStoreClosed), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
