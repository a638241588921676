package storage

import (
	"context"
	"fmt"

	"github.com/bobarin/beatreel/internal/logger"
)

// limitedStore bounds concurrent uploads across all workers so a burst of
// finished beats does not congest the storage backend.
type limitedStore struct {
	ObjectStore
	sem chan struct{}
	log *logger.Logger
}

// WithUploadLimit wraps s so that at most n uploads run at once.
// n <= 0 returns s unchanged.
func WithUploadLimit(s ObjectStore, n int, log *logger.Logger) ObjectStore {
	if n <= 0 {
		return s
	}
	return &limitedStore{ObjectStore: s, sem: make(chan struct{}, n), log: log.With("component", "storage")}
}

func (l *limitedStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload of %s cancelled while waiting for slot: %w", key, ctx.Err())
	}
	defer func() { <-l.sem }()

	l.log.Debug("uploading", "key", key, "bytes", len(data))
	return l.ObjectStore.Upload(ctx, key, data, contentType)
}
