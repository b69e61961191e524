// Package postgres holds the control plane database: API tokens and the
// ledger of exported PDFs.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pdfbridge/internal/config"
)

var shared struct {
	sync.Mutex
	dsn string
	db  *sql.DB
}

func port(cfg config.PostgresConfig) int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	return 5432
}

// DSN turns cfg into a postgres:// URL. A host that already is a URL is
// returned as is.
func DSN(cfg config.PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres host is empty")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres database is empty")
	}
	if cfg.User == "" {
		return "", fmt.Errorf("postgres user is empty")
	}

	hostPort := cfg.Host
	p := port(cfg)
	switch {
	case strings.HasPrefix(hostPort, "["):
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, p)
		}
	case strings.Count(hostPort, ":") >= 2:
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, p)
	case !strings.Contains(hostPort, ":"):
		hostPort = fmt.Sprintf("%s:%d", hostPort, p)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open returns the process wide connection pool for cfg, reconnecting when
// the DSN changed since the last call.
func Open(cfg config.PostgresConfig) (*sql.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	shared.Lock()
	defer shared.Unlock()

	if shared.db != nil && shared.dsn == dsn {
		return shared.db, nil
	}
	if shared.db != nil {
		_ = shared.db.Close()
		shared.db = nil
		shared.dsn = ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tokens and export rows are low-throughput tables.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	shared.db = db
	shared.dsn = dsn
	return shared.db, nil
}

// Close releases the shared pool.
func Close() error {
	shared.Lock()
	defer shared.Unlock()
	if shared.db == nil {
		return nil
	}
	err := shared.db.Close()
	shared.db = nil
	shared.dsn = ""
	return err
}
