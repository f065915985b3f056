package ics

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotModified is returned by Fetch when the server answered a
// conditional request with 304. The caller's previous body is still valid.
var ErrNotModified = errors.New("ics: feed not modified")

// FetchErrorKind distinguishes HTTP status failures from transport failures.
type FetchErrorKind int

const (
	FetchErrorStatus FetchErrorKind = iota + 1
	FetchErrorTransport
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchErrorStatus:
		return "status"
	case FetchErrorTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// FetchError reports a failed feed download.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string // redacted
	StatusCode int    // set for FetchErrorStatus
	Err        error  // set for FetchErrorTransport
}

func (e *FetchError) Error() string {
	if e.Kind == FetchErrorStatus {
		return fmt.Sprintf("ics fetch %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("ics fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed: transport
// failures, 5xx, 408 and 429.
func (e *FetchError) Retryable() bool {
	if e.Kind == FetchErrorTransport {
		return true
	}
	switch {
	case e.StatusCode >= 500 && e.StatusCode < 600:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

// ParseError reports a document that could not be parsed at all.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "ics parse: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
