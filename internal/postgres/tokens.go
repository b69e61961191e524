package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"pdfbridge/internal/config"
	"pdfbridge/internal/logging"
)

var tokens struct {
	sync.RWMutex
	cache map[string]int
}

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that tokens have not been loaded yet,
	// typically while the database is still starting.
	ErrTokenStoreNotReady = errors.New("token store not ready")
)

func ensureTokensSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		rate_limit INTEGER NOT NULL DEFAULT 60,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		comment TEXT
	);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_created_at ON tokens (created_at);`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadTokensFrom reads all API tokens and their rate limits from db into the
// in-memory cache.
func LoadTokensFrom(ctx context.Context, db *sql.DB) error {
	if err := ensureTokensSchema(ctx, db); err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `SELECT token, rate_limit FROM tokens;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cache := make(map[string]int)
	for rows.Next() {
		var token string
		var limit int
		if err := rows.Scan(&token, &limit); err != nil {
			return err
		}
		cache[token] = limit
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tokens.Lock()
	tokens.cache = cache
	tokens.Unlock()
	return nil
}

// LoadTokens connects to the configured database and refreshes the cache.
func LoadTokens(cfg config.PostgresConfig) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return LoadTokensFrom(ctx, db)
}

// LoadTokensFromMap replaces the cache with m. Used by tests and local runs
// without a database.
func LoadTokensFromMap(m map[string]int) {
	cache := make(map[string]int, len(m))
	for k, v := range m {
		cache[k] = v
	}
	tokens.Lock()
	tokens.cache = cache
	tokens.Unlock()
}

// TokensReady reports whether the cache has been loaded at least once.
func TokensReady() bool {
	tokens.RLock()
	defer tokens.RUnlock()
	return tokens.cache != nil
}

// ValidateToken reports whether token is known.
func ValidateToken(token string) bool {
	tokens.RLock()
	defer tokens.RUnlock()
	_, ok := tokens.cache[token]
	return ok
}

// GetRateLimit returns the per-interval limit for token. Unknown tokens get 0,
// which disables token limiting for them.
func GetRateLimit(token string) int {
	tokens.RLock()
	defer tokens.RUnlock()
	return tokens.cache[token]
}

// RefreshTokensPeriodically reloads tokens every interval until stop is closed.
func RefreshTokensPeriodically(cfg config.PostgresConfig, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := LoadTokens(cfg); err != nil {
				logging.Error("Failed to reload API tokens", "error", err)
			}
		case <-stop:
			return
		}
	}
}
