package oauth

import (
	"errors"
	"fmt"
)

// Common errors returned by providers
var (
	// ErrUnauthorized indicates the session credentials were rejected
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotSignedIn indicates the session holds no credentials yet
	ErrNotSignedIn = errors.New("not signed in")

	// ErrUnknownFlow indicates the state does not belong to a flow begun by this session
	ErrUnknownFlow = errors.New("unknown oauth flow")

	// ErrNoDevice indicates the local device record was never initialized
	ErrNoDevice = errors.New("local device not initialized")

	// ErrInvalidPushMessage indicates a push payload could not be decoded
	ErrInvalidPushMessage = errors.New("invalid push message")

	// ErrProviderUnavailable indicates the provider did not answer its health check
	ErrProviderUnavailable = errors.New("oauth provider unavailable")
)

// Error is a provider error response that has no sentinel equivalent
type Error struct {
	Op          string
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s failed: %s (status %d)", e.Op, e.Code, e.Status)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Op, e.Code, e.Description)
}

// IsUnauthorized reports whether err means the session credentials are no longer accepted
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
