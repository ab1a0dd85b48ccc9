package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/ticketgate/internal/api/response"
	"github.com/kiranshivaraju/ticketgate/internal/jobs"
	"github.com/kiranshivaraju/ticketgate/internal/ledger"
)

// writeError maps domain errors onto HTTP statuses and stable error codes.
// Anything unrecognised is logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrInsufficientCredit), errors.Is(err, ledger.ErrInsufficientCredit):
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDIT", "Not enough tickets", nil)
	case errors.Is(err, jobs.ErrUnknownProduct):
		response.Error(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", "Unknown product", nil)
	case errors.Is(err, jobs.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, ledger.ErrAccountNotFound):
		response.Error(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
	case errors.Is(err, jobs.ErrNotCancelable):
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Product does not support cancellation", nil)
	case errors.Is(err, jobs.ErrRunnerUnavailable):
		slog.Warn("job runner failure", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusBadGateway, "RUNNER_UNAVAILABLE", "Generation service unavailable", nil)
	default:
		slog.Error("request failed", "path", r.URL.Path, "method", r.Method, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
	}
}
