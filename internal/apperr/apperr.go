package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure for the scheduler boundary. Transient errors
// are retried with backoff, permanent errors dead-letter immediately, and
// content-quality errors request a fallback stage instead of failing.
type Kind string

const (
	KindTransient      Kind = "transient"
	KindPermanent      Kind = "permanent"
	KindContentQuality Kind = "content_quality"
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

func Quality(err error) error {
	return &Error{Kind: KindContentQuality, Err: err}
}

// HTTPError carries the status code of a failed external call so the
// classifier can separate rate limits and server errors from bad requests.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func retryableStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

/*
Classify maps an arbitrary error onto the taxonomy:
  - explicit *Error wins;
  - HTTP 408/429/5xx are transient, other HTTP statuses permanent;
  - network timeouts are transient;
  - everything unrecognized is treated as transient so that flaky
    infrastructure heals through the normal backoff path. Attempt caps
    bound the damage when the guess is wrong.

Context cancellation is permanent: the caller is gone, retrying inside
this execution is pointless (the job lease will expire and be reclaimed).
*/
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if retryableStatus(he.StatusCode) {
			return KindTransient
		}
		return KindPermanent
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindTransient
}

// IsRetryable is the predicate handed to retry.Policy for external calls.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Classify(err) == KindTransient
}
