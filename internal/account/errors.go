package account

import "errors"

// Errors returned by the Manager
var (
	// ErrNoExistingAuthFlow indicates FinishAuthentication was called before any flow began
	ErrNoExistingAuthFlow = errors.New("no existing auth flow")

	// ErrWrongAuthFlow indicates the state token does not match the most recently begun flow
	ErrWrongAuthFlow = errors.New("wrong auth flow")

	// ErrAlreadySignedIn indicates an auth flow was begun or finished while the
	// session does not accept a new sign-in
	ErrAlreadySignedIn = errors.New("account already signed in")

	// ErrClosed indicates the manager no longer accepts work
	ErrClosed = errors.New("account manager closed")

	// ErrNoConstellation indicates no device constellation exists for the current session
	ErrNoConstellation = errors.New("no device constellation")
)
