// Package blob stores ticket attachments and returns URLs they can be fetched from.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
)

// HTTPStore uploads objects with PUT to an S3-compatible or plain HTTP object endpoint.
type HTTPStore struct {
	client    *resty.Client
	endpoint  string
	publicURL string
}

var _ backend.BlobStore = (*HTTPStore)(nil)

// NewHTTPStore builds a store that PUTs to endpoint/<path> and reports publicURL/<path>.
// token, when set, is sent as a bearer token.
func NewHTTPStore(endpoint, publicURL, token string) *HTTPStore {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPStore{
		client:    client,
		endpoint:  strings.TrimRight(endpoint, "/"),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// UploadBlob stores data under path and returns its public URL.
func (s *HTTPStore) UploadBlob(ctx context.Context, objectPath string, data []byte) (string, error) {
	key, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		Put(s.endpoint + "/" + key)
	if err != nil {
		return "", apperr.Unavailable(errors.Wrap(err, "upload blob"))
	}
	if resp.IsError() {
		return "", apperr.Unavailable(fmt.Errorf("upload blob %s: %s", key, resp.Status()))
	}
	return s.publicURL + "/" + key, nil
}

// Memory keeps blobs in process; URLs use the memory:// scheme.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ backend.BlobStore = (*Memory)(nil)

// NewMemory returns an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// UploadBlob stores a copy of data.
func (m *Memory) UploadBlob(ctx context.Context, objectPath string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return "memory://" + key, nil
}

func (m *Memory) get(objectPath string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[strings.TrimPrefix(objectPath, "memory://")]
	return b, ok
}

// cleanPath normalizes an object path and escapes each segment for use in a URL.
func cleanPath(p string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || cleaned == "." {
		return "", apperr.Validation("invalid_blob_path", "blob path is empty")
	}
	segments := strings.Split(cleaned, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/"), nil
}
