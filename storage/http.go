package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// HTTPBackend is a read-only backend serving content from a static HTTP
// mirror laid out as <base>/<type>/<hex id>, e.g. a bucket website or a CDN
// in front of a file backend.
type HTTPBackend struct {
	baseURL     string
	client      *http.Client
	maxSize     int64
	log         *slog.Logger
	locationURI string
}

// NewHTTPBackend creates a backend reading from baseURL.
func NewHTTPBackend(baseURL string, timeout time.Duration, log *slog.Logger) *HTTPBackend {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPBackend{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      &http.Client{Timeout: timeout},
		maxSize:     16 << 20,
		log:         log,
		locationURI: baseURL,
	}
}

// Fetch downloads the content and checks it against id.
func (b *HTTPBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s", b.baseURL, contentType, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, interfaces.ErrContentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", interfaces.ErrBackendUnavailable, b.baseURL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) > b.maxSize {
		return nil, fmt.Errorf("content %s exceeds %d bytes", id, b.maxSize)
	}

	if interfaces.ComputeID(data) != id {
		b.log.Warn("Content hash mismatch", slog.String("expected", id.String()), slog.String("url", url))
		return nil, fmt.Errorf("content hash mismatch for %s", id)
	}

	b.log.Debug("Fetched content over HTTP", slog.String("id", id.String()), slog.Int("size", len(data)))
	return data, nil
}

// Store is not implemented for this read-only backend.
func (b *HTTPBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ComputeID(data), fmt.Errorf("%s is read-only", b.Name())
}

// Available checks that the mirror answers.
func (b *HTTPBackend) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("HTTP backend unavailable", "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (b *HTTPBackend) Name() string {
	return "http-" + b.baseURL
}

func (b *HTTPBackend) LocationURI() string {
	return b.locationURI
}
