package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StorageFetcher reads attachment bytes from the internal object-storage
// service over plain HTTP GET, with a size ceiling.
type StorageFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewStorageFetcher(timeout time.Duration, maxBytes int64) *StorageFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StorageFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *StorageFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("attachment too large: %d bytes (limit %d)", resp.ContentLength, f.maxBytes)
	}

	// Read one byte past the ceiling so truncated-vs-oversized is decidable.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("attachment too large: exceeds %d bytes", f.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}
