package sapgate

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindNetwork          ErrorKind = "NetworkError"
	KindUpstreamServer   ErrorKind = "UpstreamServerError"
	KindUpstreamClient   ErrorKind = "UpstreamClientError"
	KindOverallTimeout   ErrorKind = "OverallTimeoutExceeded"
	KindRetriesExhausted ErrorKind = "RetriesExhausted"
	KindNoFreshCache     ErrorKind = "NoFreshCacheAvailable"
	KindCanceled         ErrorKind = "Canceled"
	KindInvalidRequest   ErrorKind = "InvalidRequest"
	kindUnknown          ErrorKind = "Unknown"
)

// FetchError is the typed failure of a fetch cycle. Err keeps the underlying
// cause so callers can still log it when stale data is served instead.
type FetchError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int // upstream status, 0 when no response was received
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindUpstreamServer
}

// KindOf returns the kind of the outermost FetchError in err's chain.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return kindUnknown
}

// RootCause walks nested FetchErrors down to the first attempt-level failure.
func RootCause(err error) error {
	for {
		var fe *FetchError
		if !errors.As(err, &fe) {
			return err
		}
		var inner *FetchError
		if fe.Err == nil || !errors.As(fe.Err, &inner) {
			return fe
		}
		err = fe.Err
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status >= 500 || status == http.StatusTooManyRequests:
		return KindUpstreamServer
	default:
		return KindUpstreamClient
	}
}

// httpStatusFor maps a failure to the status the gateway answers with.
func httpStatusFor(err error) int {
	var fe *FetchError
	if !errors.As(err, &fe) {
		// Anything not raised by the upstream path is a local failure.
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUpstreamClient:
		if fe.StatusCode >= 400 && fe.StatusCode < 500 {
			return fe.StatusCode
		}
		return http.StatusBadGateway
	case KindOverallTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return 499
	case KindNoFreshCache:
		if fe.Err != nil {
			return httpStatusFor(fe.Err)
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
