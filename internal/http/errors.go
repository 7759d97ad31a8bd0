package http

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes callers branch on. StatusError unwraps to one of these
// so call sites can use errors.Is without caring about the exact code.
var (
	// ErrNotFound marks a 404. Fatal, never retried.
	ErrNotFound = errors.New("URL not found")

	// ErrForbidden marks a 403. Fatal, never retried.
	ErrForbidden = errors.New("access forbidden")

	// ErrServerError marks any 5xx. Transient, retried with backoff.
	ErrServerError = errors.New("server error")

	// ErrRangeIgnored marks a range request that did not come back as
	// 206 partial content.
	ErrRangeIgnored = errors.New("server ignored range request")
)

// StatusError carries the URL and status code of a failed request.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return fmt.Sprintf("URL not found (404): %s", e.URL)
	case e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("access forbidden (403): %s", e.URL)
	case e.StatusCode >= 500:
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.URL)
	default:
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.URL)
	}
}

// Unwrap exposes the class sentinel for the carried status code, or nil
// for codes outside the taxonomy.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode >= 500:
		return ErrServerError
	default:
		return nil
	}
}

// ClassifyStatus maps a response status to the error taxonomy. Success
// statuses (2xx) map to nil; everything else yields a *StatusError.
// 416 carries no class sentinel: only the resume path can decide
// whether "range not satisfiable" means "already complete".
func ClassifyStatus(url string, code int) error {
	if code >= 200 && code < 300 {
		return nil
	}

	return &StatusError{URL: url, StatusCode: code}
}
