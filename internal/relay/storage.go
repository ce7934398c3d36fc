package relay

import (
	"context"
	"fmt"

	"github.com/tbourn/crm-sync/internal/config"
)

// NewStorage builds the backend selected by cfg. The returned close func is
// never nil.
func NewStorage(ctx context.Context, cfg config.StorageConfig) (Storage, func() error, error) {
	switch cfg.Backend {
	case "", "local":
		return &LocalStorage{Dir: cfg.MediaDir, BaseURL: cfg.MediaBaseURL}, func() error { return nil }, nil
	case "gcs":
		s, err := NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredsJSON, cfg.PublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
