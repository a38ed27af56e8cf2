package auth

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("auth: invalid input")
	ErrConflict           = errors.New("auth: already registered")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrExpired            = errors.New("auth: token expired")
	ErrMalformed          = errors.New("auth: malformed token")
	ErrSignature          = errors.New("auth: token signature mismatch")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrNotFound           = errors.New("auth: not found")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrRoleChangeDenied   = errors.New("auth: cannot change own role")
	ErrNoFields           = errors.New("auth: no fields to update")
	ErrSigning            = errors.New("auth: signing key unavailable")
	ErrInternal           = errors.New("auth: internal error")
)

// known lists the errors that are already classified and pass through
// the orchestrator untouched.
var known = []error{
	ErrValidation, ErrConflict, ErrInvalidCredentials,
	ErrExpired, ErrMalformed, ErrSignature, ErrInvalidToken,
	ErrNotFound, ErrForbidden, ErrRoleChangeDenied, ErrNoFields,
	ErrSigning, ErrInternal,
}

// classify keeps domain errors as they are and wraps everything else as
// ErrInternal while preserving the cause for logging.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

// IsTokenError reports whether err belongs to the token lifecycle family.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrSignature) ||
		errors.Is(err, ErrInvalidToken)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
