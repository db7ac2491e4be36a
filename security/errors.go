package security

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidGrant = errors.New("authorization grant invalid or expired")
	ErrRevoked      = errors.New("calendar access revoked")
	ErrNotConnected = errors.New("calendar not connected")
	ErrInvalidState = errors.New("invalid or expired state parameter")
)

// AuthError reports a credential problem for one coach. Reason is one of the
// sentinels above; errors.Is matches it.
type AuthError struct {
	CoachID string
	Reason  error
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("coach %s: %v: %v", e.CoachID, e.Reason, e.Err)
	}
	return fmt.Sprintf("coach %s: %v", e.CoachID, e.Reason)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// IsAuthError reports whether err carries an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
