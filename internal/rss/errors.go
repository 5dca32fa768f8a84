package rss

import (
	"errors"
	"fmt"
)

// ErrAutodiscoveryFailed means a page was not a feed and no usable feed link
// could be found on it, or the link that was found did not lead to a feed.
var ErrAutodiscoveryFailed = errors.New("autodiscovery failed")

// FetchError is returned for every failed fetch. Transient failures (network
// errors, timeouts, 5xx, 429) are retried; the rest are permanent.
type FetchError struct {
	URL       string
	Status    int // 0 when no response was received
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s failure: HTTP %d: %v", e.URL, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s failure: %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a FetchError worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// IsPermanent reports whether err is a FetchError that will not go away on retry.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && !fe.Transient
}

func transient(url string, status int, err error) *FetchError {
	return &FetchError{URL: url, Status: status, Transient: true, Err: err}
}

func permanent(url string, status int, err error) *FetchError {
	return &FetchError{URL: url, Status: status, Err: err}
}
