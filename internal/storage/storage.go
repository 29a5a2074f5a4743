// Package storage archives raw action clips in an object store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RecordingsBucket holds raw action clips.
const RecordingsBucket = "action-recordings"

// ErrInvalidKey is returned for keys that would escape the bucket.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore writes immutable objects.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// RecordingKey returns the per-user, time-namespaced key for a clip.
func RecordingKey(userID string, at time.Time, ext string) string {
	return fmt.Sprintf("%s/%d.%s", userID, at.UnixMilli(), strings.TrimPrefix(ext, "."))
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// HTTPStore uploads to a storage API laid out as {base}/object/{bucket}/{key}.
type HTTPStore struct {
	baseURL    string
	bucket     string
	token      string
	httpClient *http.Client
}

// NewHTTPStore constructs an HTTPStore with sane defaults.
func NewHTTPStore(baseURL, bucket, token string) *HTTPStore {
	if bucket == "" {
		bucket = RecordingsBucket
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Put uploads data without overwriting an existing object.
func (s *HTTPStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	target := fmt.Sprintf("%s/object/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapeKey(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("storage upload error: status=%d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// DiskStore writes objects below root/bucket for local runs.
type DiskStore struct {
	root   string
	bucket string
}

// NewDiskStore constructs a DiskStore.
func NewDiskStore(root, bucket string) *DiskStore {
	if bucket == "" {
		bucket = RecordingsBucket
	}
	return &DiskStore{root: root, bucket: bucket}
}

// Put writes data to disk, failing if the object already exists.
func (s *DiskStore) Put(ctx context.Context, key, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Path returns the file location of key.
func (s *DiskStore) Path(key string) string {
	return filepath.Join(s.root, s.bucket, filepath.FromSlash(key))
}
