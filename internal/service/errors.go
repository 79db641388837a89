package service

import "errors"

// Service-level errors. The API layer maps these to HTTP statuses; anything
// not listed here is an infrastructure failure surfaced as 500.
var (
	// ErrInvalidInput covers malformed or missing request fields
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidOrigin means a redirect origin is not in the allowed set
	ErrInvalidOrigin = errors.New("invalid origin")

	// ErrAlreadySetUp means registration was attempted after the user
	// exists, without an authenticated session
	ErrAlreadySetUp = errors.New("already set up")

	// ErrSetupIncomplete means login was attempted before any passkey exists
	ErrSetupIncomplete = errors.New("setup incomplete")

	ErrChallengeNotFound     = errors.New("challenge not found")
	ErrChallengeExpired      = errors.New("challenge expired")
	ErrChallengeKindMismatch = errors.New("challenge kind mismatch")

	// ErrVerificationFailed means the authenticator response did not verify
	ErrVerificationFailed = errors.New("verification failed")

	// ErrUnknownCredential means an assertion referenced a credential ID
	// with no stored passkey
	ErrUnknownCredential = errors.New("unknown credential")

	ErrLastPasskey     = errors.New("cannot delete the last passkey")
	ErrPasskeyNotFound = errors.New("passkey not found")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	ErrRedirectTokenNotFound = errors.New("redirect token not found")
	ErrRedirectTokenExpired  = errors.New("redirect token expired")
)
