package server

import (
	"errors"
	"net/http"

	"mosaical/native/lending"
)

// statusFor maps engine sentinels onto HTTP status codes. Unknown errors
// stay internal; their detail is logged, not leaked.
func statusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, lending.ErrNotFound):
		return http.StatusNotFound, "resource not found"
	case errors.Is(err, lending.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid amount"
	case errors.Is(err, lending.ErrUnknownCollection):
		return http.StatusBadRequest, "unknown collection"
	case errors.Is(err, lending.ErrInvalidState):
		return http.StatusConflict, "operation not allowed in current state"
	case errors.Is(err, lending.ErrConcurrentModification):
		return http.StatusConflict, "concurrent modification, retry"
	case errors.Is(err, lending.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "insufficient collateral"
	case errors.Is(err, lending.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient funds"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
