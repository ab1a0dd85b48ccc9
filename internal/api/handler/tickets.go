package handler

import (
	"context"
	"net/http"
	"strconv"

	mw "github.com/kiranshivaraju/ticketgate/internal/api/middleware"
	"github.com/kiranshivaraju/ticketgate/internal/api/response"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// TicketReader defines the ledger queries the ticket handlers depend on.
type TicketReader interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	History(ctx context.Context, accountID string, limit int) ([]*models.LedgerEvent, error)
}

// GenerationLister lists an account's generation history.
type GenerationLister interface {
	ListGenerations(ctx context.Context, accountID string, limit int) ([]*models.Generation, error)
}

// NewBalanceHandler returns an http.HandlerFunc for GET /api/tickets.
func NewBalanceHandler(l TicketReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		balance, err := l.Balance(r.Context(), accountID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.JSON(w, map[string]any{
			"account_id": accountID,
			"tickets":    balance,
		})
	}
}

// NewHistoryHandler returns an http.HandlerFunc for GET /api/tickets/history.
func NewHistoryHandler(l TicketReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}

		events, err := l.History(r.Context(), accountID, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Collection(w, events, response.ListMeta{Limit: limit, Count: len(events)})
	}
}

// NewGenerationsHandler returns an http.HandlerFunc for GET /api/generations.
func NewGenerationsHandler(g GenerationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}

		gens, err := g.ListGenerations(r.Context(), accountID, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Collection(w, gens, response.ListMeta{Limit: limit, Count: len(gens)})
	}
}

// parseLimit reads ?limit=, clamped to the store's supported range.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return store.NormalizeLimit(0), true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return 0, false
	}
	return store.NormalizeLimit(n), true
}
