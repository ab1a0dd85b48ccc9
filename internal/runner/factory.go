package runner

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/ticketgate/internal/config"
	"github.com/kiranshivaraju/ticketgate/internal/products"
)

// ErrNotConfigured is returned for a product whose runner endpoint is not set.
var ErrNotConfigured = errors.New("runner endpoint not configured")

// New constructs the runner for a product. Called once per product at startup.
func New(p *products.Product, cfg config.RunnerConfig) (Runner, error) {
	if p.Endpoint == "" {
		return nil, fmt.Errorf("%w: product %q", ErrNotConfigured, p.Name)
	}
	switch p.Runner {
	case products.RunnerRunPod:
		return NewHTTPRunner(HTTPConfig{
			Name:       p.Name,
			BaseURL:    cfg.BaseURL,
			EndpointID: p.Endpoint,
			APIKey:     cfg.APIKey,
			Timeout:    cfg.Timeout,
			Sync:       p.Sync(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown runner %q for product %q: must be %s", p.Runner, p.Name, products.RunnerRunPod)
	}
}
