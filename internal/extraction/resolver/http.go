package resolver

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPResolver fetches http(s) locations.
type HTTPResolver struct {
	client  *http.Client
	maxSize int64
}

func NewHTTPResolver(timeout time.Duration, maxSize int64) *HTTPResolver {
	return &HTTPResolver{
		client:  &http.Client{Timeout: timeout},
		maxSize: maxSize,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", location, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %s", location, resp.Status)
	}
	return readBounded(resp.Body, r.maxSize)
}
