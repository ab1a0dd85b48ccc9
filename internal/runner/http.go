package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/ticketgate/internal/metrics"
	"golang.org/x/oauth2"
)

const maxErrorBody = 512

// HTTPConfig configures one serverless endpoint.
type HTTPConfig struct {
	Name       string
	BaseURL    string
	EndpointID string
	APIKey     string
	Timeout    time.Duration
	// Sync submits through /runsync, which waits for the result when it is quick.
	Sync bool
}

// HTTPRunner implements Runner against a RunPod-style serverless API:
// POST {base}/{endpoint}/run|runsync, GET .../status/{id}, POST .../cancel/{id}.
type HTTPRunner struct {
	name     string
	endpoint string
	sync     bool
	client   *http.Client
}

// NewHTTPRunner creates an HTTPRunner. The API key is sent as a bearer token.
func NewHTTPRunner(cfg HTTPConfig) *HTTPRunner {
	base := &http.Client{Timeout: cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey, TokenType: "Bearer"})

	return &HTTPRunner{
		name:     cfg.Name,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + url.PathEscape(cfg.EndpointID),
		sync:     cfg.Sync,
		client:   oauth2.NewClient(ctx, src),
	}
}

func (r *HTTPRunner) Name() string { return r.name }

func (r *HTTPRunner) Submit(ctx context.Context, input map[string]any) (*Submission, error) {
	op := "run"
	if r.sync {
		op = "runsync"
	}

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("encoding runner input: %w", err)
	}

	payload, err := r.do(ctx, op, http.MethodPost, r.endpoint+"/"+op, body)
	if err != nil {
		return nil, err
	}

	jobID, _ := payload["id"].(string)
	if jobID == "" {
		r.observe(op, "bad_response")
		return nil, fmt.Errorf("%w: submit response has no job id", ErrRunnerBadResponse)
	}
	return &Submission{JobID: jobID, Payload: payload}, nil
}

func (r *HTTPRunner) Status(ctx context.Context, jobID string) (Payload, error) {
	return r.do(ctx, "status", http.MethodGet, r.endpoint+"/status/"+url.PathEscape(jobID), nil)
}

func (r *HTTPRunner) Cancel(ctx context.Context, jobID string) error {
	_, err := r.do(ctx, "cancel", http.MethodPost, r.endpoint+"/cancel/"+url.PathEscape(jobID), nil)
	return err
}

func (r *HTTPRunner) do(ctx context.Context, op, method, u string, body []byte) (Payload, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		err = classifyError(err)
		r.observe(op, resultLabel(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		r.observe(op, "bad_response")
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrRunnerBadResponse, op, r.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload Payload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		r.observe(op, "bad_response")
		return nil, fmt.Errorf("%w: decoding %s response: %v", ErrRunnerBadResponse, op, err)
	}
	if payload == nil {
		payload = Payload{}
	}
	r.observe(op, "ok")
	return payload, nil
}

func (r *HTTPRunner) observe(op, result string) {
	metrics.RunnerCallsTotal.WithLabelValues(r.name, op, result).Inc()
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrRunnerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRunnerTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
}

func resultLabel(err error) string {
	if errors.Is(err, ErrRunnerTimeout) {
		return "timeout"
	}
	return "unavailable"
}

var _ Runner = (*HTTPRunner)(nil)
