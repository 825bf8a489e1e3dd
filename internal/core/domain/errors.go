package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")

	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderRejected    = errors.New("provider rejected document")

	ErrTenantNotConfigured = errors.New("tenant not configured")
	ErrClientNotFound      = errors.New("client not found")

	ErrValidationCritical = errors.New("critical validation finding")
	ErrRateLimited        = errors.New("rate limited")

	ErrSessionExpired    = errors.New("session expired")
	ErrSessionNotFound   = errors.New("session not found")
	ErrConcurrentUpdate  = errors.New("concurrent update")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsProviderFailure reports whether err means "advance to the next provider".
func IsProviderFailure(err error) bool {
	return IsKind(err, ErrProviderUnavailable) ||
		IsKind(err, ErrProviderTimeout) ||
		IsKind(err, ErrProviderRejected)
}
