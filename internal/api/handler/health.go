package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/ticketgate/internal/api/response"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// Pinger is anything whose connectivity the health check reports on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler pings each named dependency concurrently and answers 503
// when any is down.
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		var (
			mu       sync.Mutex
			checks   = make(map[string]string, len(deps))
			degraded bool
			g        errgroup.Group
		)
		for name, p := range deps {
			g.Go(func() error {
				status := "ok"
				if err := p.Ping(ctx); err != nil {
					status = "degraded"
				}
				mu.Lock()
				defer mu.Unlock()
				checks[name] = status
				degraded = degraded || status != "ok"
				return nil
			})
		}
		_ = g.Wait()

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
