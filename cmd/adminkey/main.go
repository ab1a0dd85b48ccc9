// Command adminkey creates an API key for the admin endpoints. The raw key is
// printed once; only its bcrypt hash is stored.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/config"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/internal/store/sqlite"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefix     = "tgk_"
	keyRandomSize = 24
)

// KeyWriter persists a new API key.
type KeyWriter interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	name := flag.String("name", "", "human-readable key name (required)")
	scopes := flag.String("scopes", "admin", "comma-separated scopes")
	flag.Parse()

	if err := run(*name, *scopes, os.Stdout); err != nil {
		slog.Error("adminkey failed", "error", err)
		os.Exit(1)
	}
}

func run(name, scopes string, out io.Writer) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("-name is required")
	}

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, closeStore, err := openKeyStore(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	raw, key, err := createKey(ctx, w, name, splitScopes(scopes))
	if err != nil {
		return err
	}

	slog.Info("api key created", "id", key.ID, "name", key.Name, "prefix", key.KeyPrefix, "scopes", key.Scopes)
	fmt.Fprintln(out, raw)
	return nil
}

// createKey generates a random key, stores its hash and returns the raw key.
func createKey(ctx context.Context, w KeyWriter, name string, scopes []string) (string, *models.APIKey, error) {
	buf := make([]byte, keyRandomSize)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := keyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:8],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store key %q: %w", name, err)
	}
	return raw, key, nil
}

func openKeyStore(ctx context.Context, cfg config.DatabaseConfig) (KeyWriter, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := store.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("store driver %q cannot hold admin keys across restarts", cfg.Driver)
	}
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
