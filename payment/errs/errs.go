// Package errs holds the error taxonomy shared by the payment packages.
// Callers wrap a sentinel with context (fmt.Errorf("...: %w", errs.ErrNotFound))
// and the HTTP layer maps it back with Code and HTTPStatus.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidState     = errors.New("invalid state")
	ErrConflict         = errors.New("conflict")
	ErrConfigMissing    = errors.New("config missing")
	ErrExternalProvider = errors.New("external provider error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrUnsupported      = errors.New("unsupported")
	ErrBadRequest       = errors.New("bad request")

	// ErrSettlementPending means money was captured but the payout could not
	// be decided yet. It is reported, never rolled back.
	ErrSettlementPending = errors.New("settlement pending")

	// ErrNoCommission is returned by the commission calculator when no rule
	// applies; the payee receives the gross amount.
	ErrNoCommission = errors.New("no commission rule")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	// settlement outcomes wrap their cause and must win over it
	{ErrSettlementPending, "SETTLEMENT_PENDING", http.StatusAccepted},
	{ErrNoCommission, "NO_COMMISSION", http.StatusOK},
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{ErrForbidden, "FORBIDDEN", http.StatusForbidden},
	{ErrInvalidState, "INVALID_STATE", http.StatusConflict},
	{ErrConflict, "CONFLICT", http.StatusConflict},
	{ErrConfigMissing, "CONFIG_MISSING", http.StatusServiceUnavailable},
	{ErrExternalProvider, "EXTERNAL_PROVIDER_ERROR", http.StatusBadGateway},
	{ErrUnauthorized, "UNAUTHORIZED", http.StatusUnauthorized},
	{ErrInvalidConfig, "INVALID_CONFIG", http.StatusInternalServerError},
	{ErrUnsupported, "UNSUPPORTED", http.StatusNotImplemented},
	{ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest},
}

// Code returns the stable code for err, or INTERNAL.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// HTTPStatus returns the status an API handler should answer with.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the failure is transient from the caller's view.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternalProvider) || errors.Is(err, ErrSettlementPending)
}
