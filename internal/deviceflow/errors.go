package deviceflow

import "errors"

// Errors surfaced by the device authorization grant. Handlers map these
// onto the HTTP statuses the polling protocol promises.
var (
	// ErrInvalidDeviceCode indicates a missing, unknown, or already
	// consumed device code.
	ErrInvalidDeviceCode = errors.New("invalid device code")

	// ErrInvalidUserCode indicates an unknown or expired user code.
	ErrInvalidUserCode = errors.New("invalid user code")

	// ErrAuthorizationPending indicates the human has not acted yet;
	// the client should keep polling.
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrExpiredCode indicates the authorization passed its deadline
	// before being exchanged.
	ErrExpiredCode = errors.New("code expired")

	// ErrAccessDenied indicates the human rejected the authorization.
	ErrAccessDenied = errors.New("access denied")
)
