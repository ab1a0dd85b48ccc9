package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/ticketgate/internal/api/middleware"
	"github.com/kiranshivaraju/ticketgate/internal/api/response"
	"github.com/kiranshivaraju/ticketgate/internal/jobs"
)

const maxBodyBytes = 1 << 20

// JobCoordinator defines the job lifecycle operations the product handlers depend on.
type JobCoordinator interface {
	StartJob(ctx context.Context, accountID, product string, input map[string]any) (*jobs.StartResult, error)
	PollJob(ctx context.Context, accountID, product, token, jobID string) (*jobs.PollResult, error)
	CancelJob(ctx context.Context, accountID, product, token, jobID string) (*jobs.CancelResult, error)
}

// NewStartHandler returns an http.HandlerFunc for POST /api/{product}.
func NewStartHandler(coord JobCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		var input map[string]any
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body must be a JSON object", nil)
			return
		}

		res, err := coord.StartJob(r.Context(), accountID, chi.URLParam(r, "product"), input)
		if err != nil {
			writeError(w, r, err)
			return
		}

		body := map[string]any{
			"jobId":       res.JobID,
			"usage_id":    res.Token,
			"status":      strings.ToUpper(res.State),
			"ticketsLeft": res.BalanceAfter,
		}
		if res.Output != nil {
			if images, ok := extractImages(res.Output); ok {
				body["images"] = images
			} else {
				body["output"] = res.Output
			}
		}
		response.Raw(w, http.StatusOK, body)
	}
}

// NewPollHandler returns an http.HandlerFunc for GET /api/{product}?id=&usage_id=.
func NewPollHandler(coord JobCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, token, jobID, ok := jobParams(w, r)
		if !ok {
			return
		}

		res, err := coord.PollJob(r.Context(), accountID, chi.URLParam(r, "product"), token, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		body := make(map[string]any, len(res.Payload)+4)
		for k, v := range res.Payload {
			body[k] = v
		}
		body["usage_id"] = token
		body["refunded"] = res.Refunded
		if res.Refunded || res.Skipped != "" {
			body["ticketsLeft"] = res.BalanceAfter
		}
		if res.Skipped != "" {
			body["refundSkipped"] = string(res.Skipped)
		}
		response.Raw(w, http.StatusOK, body)
	}
}

// NewCancelHandler returns an http.HandlerFunc for DELETE /api/{product}?id=&usage_id=.
func NewCancelHandler(coord JobCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, token, jobID, ok := jobParams(w, r)
		if !ok {
			return
		}

		res, err := coord.CancelJob(r.Context(), accountID, chi.URLParam(r, "product"), token, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Raw(w, http.StatusOK, map[string]any{
			"cancelAccepted": res.CancelAccepted,
			"status":         strings.ToUpper(res.State),
			"refunded":       res.Refunded,
			"ticketsLeft":    res.BalanceAfter,
		})
	}
}

func jobParams(w http.ResponseWriter, r *http.Request) (accountID, token, jobID string, ok bool) {
	accountID, ok = mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
		return "", "", "", false
	}

	q := r.URL.Query()
	token, jobID = q.Get("usage_id"), q.Get("id")
	if token == "" || jobID == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id and usage_id are required", nil)
		return "", "", "", false
	}
	return accountID, token, jobID, true
}

// extractImages pulls image references out of a sync runner's output. Workers
// answer with {"images": [...]}, a bare list, or a single URL string.
func extractImages(output any) ([]any, bool) {
	switch v := output.(type) {
	case []any:
		return v, true
	case string:
		if v == "" {
			return nil, false
		}
		return []any{v}, true
	case map[string]any:
		if images, ok := v["images"].([]any); ok {
			return images, true
		}
		for _, key := range []string{"image", "image_url"} {
			if s, ok := v[key].(string); ok && s != "" {
				return []any{s}, true
			}
		}
	}
	return nil, false
}
