// Package storage persists generated media and exposes public URLs for it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/google/uuid"
)

// ObjectStore is implemented by every storage backend.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	PublicURL(key string) string
}

// Replace overwrites key by deleting it first and uploading data after,
// so CDN caches keyed on the object generation never serve the old file.
func Replace(ctx context.Context, s ObjectStore, key string, data []byte, contentType string) (string, error) {
	if err := s.Remove(ctx, key); err != nil {
		return "", fmt.Errorf("failed to remove %s: %w", key, err)
	}
	if err := s.Upload(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// ThumbnailKey is where a campaign's thumbnail lives.
func ThumbnailKey(campaignID uuid.UUID) string {
	return path.Join("campaigns", campaignID.String(), "thumbnail.jpg")
}

// BeatKey builds the key of a per-beat artifact.
func BeatKey(campaignID uuid.UUID, order int, name string) string {
	return path.Join("campaigns", campaignID.String(), fmt.Sprintf("beat-%02d", order), name)
}

// GenerationKey builds the key of a re-hosted generation output.
func GenerationKey(kind, requestID, ext string) string {
	return path.Join("generations", kind, sanitize(requestID)+ext)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

var ErrNotFound = errors.New("object not found")

var fetchClient = &http.Client{Timeout: downloadTimeout}

// FetchURL downloads a public URL (backend outputs, remote thumbnails).
func FetchURL(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download of %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read download body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("downloaded %s is empty (0 bytes)", url)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
