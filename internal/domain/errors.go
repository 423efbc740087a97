package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTunnelNotFound means the requested tunnel ID does not exist or is
	// already stopped.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrDuplicateID indicates a registry insert collided with an existing
	// tunnel ID. Should not happen with UUID generation, but the registry
	// enforces the contract rather than assuming it.
	ErrDuplicateID = errors.New("duplicate tunnel id")

	// ErrUnauthorized indicates missing, unknown, or revoked credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates valid credentials that do not own the tunnel.
	ErrForbidden = errors.New("forbidden")

	// ErrPortsExhausted is returned when no public port remains in the
	// configured allocation range.
	ErrPortsExhausted = errors.New("public port range exhausted")

	// ErrRateLimitExceeded is returned when a key exceeds the allowed
	// registration rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// ValidationError marks a user-correctable request problem (missing or
// malformed field). The HTTP layer maps it to a 400 response.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Validation builds a [ValidationError] for a named request field.
func Validation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// IsValidation reports whether err is a [ValidationError].
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TunnelError wraps a resource-level failure (bind, dial) with tunnel
// context so logs and rollback paths can name the affected tunnel.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
