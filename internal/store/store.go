// Package store saves rendered PDFs to their final destination.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"pdfbridge/internal/config"
)

// ErrInvalidName is returned for empty names or names escaping the store root.
var ErrInvalidName = errors.New("invalid artifact name")

// Store persists one PDF under name and returns where it ended up.
type Store interface {
	Save(ctx context.Context, name string, pdf []byte) (location string, err error)
}

// NewName returns a fresh, collision free file name for an exported resume.
func NewName() string {
	return "resume-" + xid.New().String() + ".pdf"
}

// New builds the store selected by cfg.Storage.Backend.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageFS, "":
		return NewDir(cfg.Storage.Dir), nil
	case config.StorageS3:
		return NewS3(ctx, cfg.Storage.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
