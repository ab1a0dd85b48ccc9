package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/ticketgate/internal/config"
	"github.com/kiranshivaraju/ticketgate/internal/products"
	"github.com/kiranshivaraju/ticketgate/internal/runner"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	clearConfigEnv(t)

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("RUNNER_API_KEY", "rp_key")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── redis ──────────────────────────────────────────────────────────────────

func TestOpenCache_EmptyURLDisablesRedis(t *testing.T) {
	rc, err := openCache(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, rc)
}

func TestOpenCache_InvalidURL(t *testing.T) {
	_, err := openCache(context.Background(), config.RedisConfig{URL: "not-a-redis-url"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create redis cache")
}

// ─── store selection ────────────────────────────────────────────────────────

func TestOpenStore_Memory(t *testing.T) {
	st, closeStore, err := openStore(context.Background(), config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	defer closeStore()

	assert.NoError(t, st.Ping(context.Background()))
}

func TestOpenStore_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.db")
	st, closeStore, err := openStore(context.Background(), config.DatabaseConfig{Driver: "sqlite", SQLitePath: path})
	require.NoError(t, err)
	defer closeStore()

	ctx := context.Background()
	require.NoError(t, st.Ping(ctx))

	_, err = st.CreateAccount(ctx, &models.Account{ID: "user-1"}, &models.LedgerEvent{
		IdempotencyToken: "signup-1",
		AccountID:        "user-1",
		Delta:            5,
		Reason:           models.ReasonSignupBonus,
		CreatedAt:        time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, _, err := openStore(context.Background(), config.DatabaseConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

// ─── product registration ───────────────────────────────────────────────────

type recordingRegistry struct {
	names []string
}

func (r *recordingRegistry) Register(p *products.Product, _ runner.Runner) {
	r.names = append(r.names, p.Name)
}

func TestRegisterProducts_SkipsUnconfigured(t *testing.T) {
	clearEndpointEnv(t)
	t.Setenv("RUNNER_VIDEO_ENDPOINT", "ep-video")
	t.Setenv("RUNNER_IMAGE_ENDPOINT", "ep-image")

	catalog, err := products.Load("")
	require.NoError(t, err)

	reg := &recordingRegistry{}
	n, err := registerProducts(reg, catalog, config.RunnerConfig{
		BaseURL: "https://api.runpod.ai/v2",
		APIKey:  "rp_key",
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"image", "video"}, reg.names)
}

func TestRegisterProducts_NoneConfigured(t *testing.T) {
	clearEndpointEnv(t)

	catalog, err := products.Load("")
	require.NoError(t, err)

	reg := &recordingRegistry{}
	n, err := registerProducts(reg, catalog, config.RunnerConfig{BaseURL: "https://api.runpod.ai/v2"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, reg.names)
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}

// ─── helpers: clear env ─────────────────────────────────────────────────────

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STORE_DRIVER", "DATABASE_URL", "REDIS_URL", "AUTH_JWT_SECRET", "RUNNER_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func clearEndpointEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"IMAGE", "ANIME", "VIDEO", "VOICE"} {
		t.Setenv("RUNNER_"+name+"_ENDPOINT", "")
	}
}
