package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/ticketgate/internal/api/response"
)

const (
	corsAllowMethods = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type"
	corsMaxAge       = "600"
)

// CORS checks the Origin header against an allow list. An empty list allows
// any origin. Requests without an Origin header are not browser cross-origin
// requests and pass through untouched.
type CORS struct {
	allowAll bool
	allowed  map[string]bool
}

// NewCORS creates a new CORS middleware.
func NewCORS(origins []string) *CORS {
	c := &CORS{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		c.allowed[strings.TrimRight(o, "/")] = true
	}
	c.allowAll = len(c.allowed) == 0 || c.allowed["*"]
	return c
}

func (c *CORS) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !c.allowAll && !c.allowed[origin] {
			response.Error(w, http.StatusForbidden,
				"ORIGIN_NOT_ALLOWED", "Origin not allowed", nil)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
