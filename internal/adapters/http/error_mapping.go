package httpadapter

import (
	"net/http"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrDocumentNotFound),
		domain.IsKind(err, domain.ErrTenantNotConfigured),
		domain.IsKind(err, domain.ErrClientNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConcurrentUpdate):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case domain.IsKind(err, domain.ErrTemporary),
		domain.IsKind(err, domain.ErrProviderUnavailable),
		domain.IsKind(err, domain.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicErrorMessage keeps internal detail out of responses; 5xx bodies are generic.
func publicErrorMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	return err.Error()
}
