package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/api"
	"github.com/kiranshivaraju/ticketgate/internal/api/handler"
	mw "github.com/kiranshivaraju/ticketgate/internal/api/middleware"
	"github.com/kiranshivaraju/ticketgate/internal/config"
	"github.com/kiranshivaraju/ticketgate/internal/history"
	"github.com/kiranshivaraju/ticketgate/internal/identity"
	"github.com/kiranshivaraju/ticketgate/internal/jobs"
	"github.com/kiranshivaraju/ticketgate/internal/ledger"
	"github.com/kiranshivaraju/ticketgate/internal/products"
	"github.com/kiranshivaraju/ticketgate/internal/runner"
	"github.com/kiranshivaraju/ticketgate/internal/runner/mock"
	"github.com/kiranshivaraju/ticketgate/internal/store/memory"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	aliceToken  = "alice-session-token"
	bobToken    = "bob-session-token"
	adminRawKey = "tgk_test_contract_key_1234567890"
	signupBonus = 5
)

var identities = map[string]*models.Identity{
	aliceToken: {UserID: "alice", Email: "alice@example.com", Provider: "google"},
	bobToken:   {UserID: "bob", Email: "bob@example.com", Provider: "email"},
}

type staticVerifier struct{}

func (staticVerifier) Verify(_ context.Context, bearer string) (*models.Identity, error) {
	if id, ok := identities[bearer]; ok {
		return id, nil
	}
	return nil, identity.ErrInvalidToken
}

// ─── in-memory cache ─────────────────────────────────────────────────────────

type memCache struct {
	mu       sync.Mutex
	payloads map[string][]byte
	counters map[string]int64
}

func newMemCache() *memCache {
	return &memCache{payloads: map[string][]byte{}, counters: map[string]int64{}}
}

func (c *memCache) SetJobPayload(_ context.Context, token string, payload []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads[token] = payload
	return nil
}

func (c *memCache) GetJobPayload(_ context.Context, token string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.payloads[token]
	return p, ok, nil
}

func (c *memCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *memCache) Ping(_ context.Context) error { return nil }

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *memory.Store
	video  *mock.MockRunner
	image  *mock.MockRunner

	mu          sync.Mutex
	videoStatus string
	submitErr   error
}

// setVideoStatus changes what the video runner reports on the next status call.
func (ts *testServer) setVideoStatus(status string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.videoStatus = status
}

func (ts *testServer) failVideoSubmit(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.submitErr = err
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := memory.New()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminRawKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), &models.APIKey{
		ID:        uuid.New(),
		Name:      "billing",
		KeyHash:   string(hash),
		KeyPrefix: adminRawKey[:8],
		Scopes:    []string{"admin"},
	}))

	mc := newMemCache()
	l := ledger.New(st, signupBonus)
	rec := history.NewRecorder(st, 64, time.Second)
	t.Cleanup(rec.Close)

	coord := jobs.NewCoordinator(l, st, mc, rec, config.JobsConfig{
		CancelConfirmAttempts: 2,
		CancelConfirmBackoff:  time.Millisecond,
		PayloadCacheTTL:       time.Hour,
	})

	ts := &testServer{store: st, videoStatus: "IN_PROGRESS"}
	video := &mock.MockRunner{
		Name_: "video",
		SubmitFunc: func(context.Context, map[string]any) (*runner.Submission, error) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			if ts.submitErr != nil {
				return nil, ts.submitErr
			}
			return &runner.Submission{JobID: "job-1", Payload: runner.Payload{"id": "job-1", "status": "IN_QUEUE"}}, nil
		},
		StatusFunc: func(_ context.Context, id string) (runner.Payload, error) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			payload := runner.Payload{"id": id, "status": ts.videoStatus}
			if ts.videoStatus == "FAILED" {
				payload["error"] = "CUDA out of memory"
			}
			return payload, nil
		},
	}
	image := &mock.MockRunner{Name_: "image", SubmitFunc: func(context.Context, map[string]any) (*runner.Submission, error) {
		return &runner.Submission{JobID: "img-1", Payload: runner.Payload{
			"id": "img-1", "status": "COMPLETED", "output": map[string]any{"images": []any{"https://cdn.example.com/1.png"}},
		}}, nil
	}}

	catalog := map[string]*products.Product{}
	for _, p := range products.Defaults() {
		catalog[p.Name] = &p
	}
	coord.Register(catalog["video"], video)
	coord.Register(catalog["image"], image)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(staticVerifier{}),
		Accounts:  mw.NewAccounts(l),
		AdminAuth: mw.NewAdminAuth(st),
		RateLimit: mw.NewRateLimit(mc, 1000),
		CORS:      mw.NewCORS([]string{"https://app.example.com"}),

		HealthHandler:      handler.NewHealthHandler(map[string]handler.Pinger{"database": st, "cache": mc}),
		StartJobHandler:    handler.NewStartHandler(coord),
		PollJobHandler:     handler.NewPollHandler(coord),
		CancelJobHandler:   handler.NewCancelHandler(coord),
		BalanceHandler:     handler.NewBalanceHandler(l),
		HistoryHandler:     handler.NewHistoryHandler(l),
		GenerationsHandler: handler.NewGenerationsHandler(st),
		GrantHandler:       handler.NewGrantHandler(l),
	}

	ts.server = httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(ts.server.Close)

	ts.video, ts.image = video, image
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (ts *testServer) tickets(t *testing.T, bearer string) float64 {
	t.Helper()
	status, body := ts.do(t, "GET", "/api/tickets", bearer, nil)
	require.Equal(t, http.StatusOK, status)
	return body["data"].(map[string]any)["tickets"].(float64)
}

var videoBody = map[string]any{
	"image_url": "https://cdn.example.com/face.png",
	"audio_url": "https://cdn.example.com/voice.wav",
}

// ─── GET /api/health ─────────────────────────────────────────────────────────

func TestHealth_200_Unauthenticated(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["data"].(map[string]any)["status"])
}

// ─── GET /api/tickets ────────────────────────────────────────────────────────

func TestTickets_FirstRequestOpensAccountWithBonus(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, float64(signupBonus), ts.tickets(t, aliceToken))
	// second request does not grant the bonus again
	assert.Equal(t, float64(signupBonus), ts.tickets(t, aliceToken))

	status, body := ts.do(t, "GET", "/api/tickets/history", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	events := body["data"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "signup_bonus", events[0].(map[string]any)["reason"])
}

func TestTickets_401_BadToken(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, "GET", "/api/tickets", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_TOKEN", body["error"].(map[string]any)["code"])
}

// ─── POST /api/{product} ─────────────────────────────────────────────────────

func TestStart_AsyncVideo(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, "POST", "/api/video", aliceToken, videoBody)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "job-1", body["jobId"])
	assert.NotEmpty(t, body["usage_id"])
	assert.Equal(t, float64(signupBonus-3), body["ticketsLeft"])
	assert.Equal(t, float64(signupBonus-3), ts.tickets(t, aliceToken))
}

func TestStart_SyncImageReturnsImages(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, "POST", "/api/image", aliceToken, map[string]any{"prompt": "a lighthouse"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"https://cdn.example.com/1.png"}, body["images"])
	assert.Equal(t, float64(signupBonus-1), body["ticketsLeft"])
}

func TestStart_400_InvalidInputNotCharged(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, "POST", "/api/image", aliceToken, map[string]any{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", body["error"].(map[string]any)["code"])
	assert.Equal(t, float64(signupBonus), ts.tickets(t, aliceToken))
	assert.Equal(t, int32(0), ts.image.SubmitCalls.Load())
}

func TestStart_402_InsufficientCredit(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, "POST", "/api/video", aliceToken, videoBody)
	require.Equal(t, http.StatusOK, status)

	status, body := ts.do(t, "POST", "/api/video", aliceToken, videoBody)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "INSUFFICIENT_CREDIT", body["error"].(map[string]any)["code"])
	assert.Equal(t, int32(1), ts.video.SubmitCalls.Load())
	assert.Equal(t, float64(signupBonus-3), ts.tickets(t, aliceToken))
}

func TestStart_404_UnregisteredProduct(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, "POST", "/api/music", aliceToken, map[string]any{"prompt": "x"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStart_502_SubmitFailureRefunds(t *testing.T) {
	ts := newTestServer(t)
	ts.failVideoSubmit(runner.ErrRunnerUnavailable)

	status, body := ts.do(t, "POST", "/api/video", aliceToken, videoBody)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "RUNNER_UNAVAILABLE", body["error"].(map[string]any)["code"])
	assert.Equal(t, float64(signupBonus), ts.tickets(t, aliceToken))
}

// ─── GET /api/{product} ──────────────────────────────────────────────────────

func TestPoll_FailureRefundsOnce(t *testing.T) {
	ts := newTestServer(t)

	_, start := ts.do(t, "POST", "/api/video", aliceToken, videoBody)
	path := "/api/video?id=" + start["jobId"].(string) + "&usage_id=" + start["usage_id"].(string)

	ts.setVideoStatus("FAILED")

	status, body := ts.do(t, "GET", path, aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["refunded"])
	assert.Equal(t, float64(signupBonus), body["ticketsLeft"])

	status, body = ts.do(t, "GET", path, aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["refunded"])
	assert.Equal(t, "already_refunded", body["refundSkipped"])
	assert.Equal(t, float64(signupBonus), body["ticketsLeft"])
	assert.Equal(t, float64(signupBonus), ts.tickets(t, aliceToken))
}

func TestPoll_404_OtherUsersJob(t *testing.T) {
	ts := newTestServer(t)

	_, start := ts.do(t, "POST", "/api/video", aliceToken, videoBody)
	path := "/api/video?id=" + start["jobId"].(string) + "&usage_id=" + start["usage_id"].(string)

	status, body := ts.do(t, "GET", path, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "JOB_NOT_FOUND", body["error"].(map[string]any)["code"])
}

// ─── DELETE /api/{product} ───────────────────────────────────────────────────

func TestCancel_ConfirmedRefunds(t *testing.T) {
	ts := newTestServer(t)

	_, start := ts.do(t, "POST", "/api/video", aliceToken, videoBody)
	path := "/api/video?id=" + start["jobId"].(string) + "&usage_id=" + start["usage_id"].(string)

	ts.setVideoStatus("CANCELLED")

	status, body := ts.do(t, "DELETE", path, aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["cancelAccepted"])
	assert.Equal(t, true, body["refunded"])
	assert.Equal(t, float64(signupBonus), body["ticketsLeft"])
}

func TestCancel_405_NotCancelable(t *testing.T) {
	ts := newTestServer(t)

	_, start := ts.do(t, "POST", "/api/image", aliceToken, map[string]any{"prompt": "x"})
	path := "/api/image?id=" + start["jobId"].(string) + "&usage_id=" + start["usage_id"].(string)

	status, _ := ts.do(t, "DELETE", path, aliceToken, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, float64(signupBonus-1), ts.tickets(t, aliceToken))
}

// ─── GET /api/generations ────────────────────────────────────────────────────

func TestGenerations_RecordedAsync(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, "POST", "/api/image", aliceToken, map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusOK, status)

	assert.Eventually(t, func() bool {
		gens, err := ts.store.ListGenerations(context.Background(), "alice", 10)
		return err == nil && len(gens) == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, body := ts.do(t, "GET", "/api/generations", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	gens := body["data"].([]any)
	require.Len(t, gens, 1)
	assert.Equal(t, "image", gens[0].(map[string]any)["product"])

	_, body = ts.do(t, "GET", "/api/generations", bobToken, nil)
	assert.Empty(t, body["data"])
}

// ─── POST /api/admin/grants ──────────────────────────────────────────────────

func TestGrant_CreditsOnce(t *testing.T) {
	ts := newTestServer(t)
	ts.tickets(t, aliceToken)

	grant := map[string]any{"account_id": "alice", "amount": 10, "idempotency_token": "order-42"}

	status, body := ts.do(t, "POST", "/api/admin/grants", adminRawKey, grant)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(signupBonus+10), body["data"].(map[string]any)["tickets"])

	status, body = ts.do(t, "POST", "/api/admin/grants", adminRawKey, grant)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]any)["already_applied"])

	assert.Equal(t, float64(signupBonus+10), ts.tickets(t, aliceToken))
}

func TestGrant_401_UserTokenRejected(t *testing.T) {
	ts := newTestServer(t)

	grant := map[string]any{"account_id": "alice", "amount": 10, "idempotency_token": "order-1"}
	status, _ := ts.do(t, "POST", "/api/admin/grants", aliceToken, grant)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestGrant_400_Validation(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, "POST", "/api/admin/grants", adminRawKey, map[string]any{"amount": -1})
	assert.Equal(t, http.StatusBadRequest, status)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Contains(t, details, "account_id")
	assert.Contains(t, details, "idempotency_token")
	assert.Contains(t, details, "amount")
}

func TestGrant_404_UnknownAccount(t *testing.T) {
	ts := newTestServer(t)

	grant := map[string]any{"account_id": "nobody", "amount": 1, "idempotency_token": "order-9"}
	status, body := ts.do(t, "POST", "/api/admin/grants", adminRawKey, grant)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", body["error"].(map[string]any)["code"])
}
