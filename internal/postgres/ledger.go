package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Export is one saved PDF.
type Export struct {
	ID        uuid.UUID
	Digest    string
	Location  string
	Bytes     int
	Pages     int
	CreatedAt time.Time
}

// Ledger records exported PDFs in the pdf_exports table.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger wraps db. Call EnsureSchema once before recording.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// EnsureSchema creates the pdf_exports table when missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS pdf_exports (
		id UUID PRIMARY KEY,
		digest TEXT NOT NULL,
		location TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		pages INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
		`CREATE INDEX IF NOT EXISTS idx_pdf_exports_digest ON pdf_exports (digest);`,
	}
	for _, stmt := range ddl {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create pdf_exports: %w", err)
		}
	}
	return nil
}

// Record inserts e, assigning an id and timestamp when they are unset.
func (l *Ledger) Record(ctx context.Context, e Export) (Export, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO pdf_exports (id, digest, location, bytes, pages, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID.String(), e.Digest, e.Location, e.Bytes, e.Pages, e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("record export %s: %w", e.Digest, err)
	}
	return e, nil
}
