package heartbeat

import (
	"fmt"
	"net/http"
)

// Error is a heartbeat failure that maps onto an HTTP status. Nothing was
// persisted when one is returned.
type Error struct {
	Status    int
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func badRequest(code string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: code}
}

var (
	ErrMissingBookID            = badRequest("missing_book_id")
	ErrTooManyPendingNotes      = badRequest("too_many_pending_notes")
	ErrTooManyPendingHighlights = badRequest("too_many_pending_highlights")
	ErrBookNotFound             = &Error{Status: http.StatusNotFound, Code: "book_not_found"}
	ErrQuotaExceeded            = &Error{Status: http.StatusPaymentRequired, Code: "quota_exceeded"}
)

func storageUnavailable(err error) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: "storage_unavailable", Retryable: true, Err: err}
}

func quotaUnavailable(err error) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: "quota_unavailable", Retryable: true, Err: err}
}
