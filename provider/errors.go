package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	ErrTransient     = errors.New("calendar provider temporarily unavailable")
	ErrNotFound      = errors.New("calendar resource not found")
	ErrCursorInvalid = errors.New("calendar sync cursor no longer valid")
	ErrUnauthorized  = errors.New("calendar credentials rejected")
	ErrConflict      = errors.New("calendar resource already exists")
	ErrPermanent     = errors.New("calendar request rejected")
)

// Error is a classified provider failure. errors.Is matches Kind.
type Error struct {
	Op         string
	StatusCode int
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// IsRetryable reports whether a failed call may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         false,
}

// classify wraps a raw client error. listing marks calls made with a sync
// cursor, where 410 means the cursor expired rather than the resource.
func classify(op string, err error, listing bool) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{Op: op, StatusCode: apiErr.Code, Kind: kindForStatus(apiErr, listing), Err: err}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &Error{Op: op, StatusCode: statusOf(retrieveErr.Response), Kind: ErrUnauthorized, Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: ErrTransient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Op: op, Kind: ErrTransient, Err: err}
	}
	return &Error{Op: op, Kind: ErrPermanent, Err: err}
}

func kindForStatus(apiErr *googleapi.Error, listing bool) error {
	switch code := apiErr.Code; {
	case code == http.StatusGone && listing:
		return ErrCursorInvalid
	case code == http.StatusNotFound, code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusForbidden:
		for _, item := range apiErr.Errors {
			if rateLimitReasons[item.Reason] {
				return ErrTransient
			}
		}
		return ErrPermanent
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
