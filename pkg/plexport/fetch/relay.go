package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPRelay asks a relay service to fetch a URL. The relay answers
// POST {"url": "..."} with the raw asset bytes.
type HTTPRelay struct {
	http     *resty.Client
	endpoint string
}

// NewHTTPRelay creates a relay client for endpoint.
func NewHTTPRelay(endpoint string, timeout time.Duration) *HTTPRelay {
	return &HTTPRelay{
		http:     resty.New().SetTimeout(timeout),
		endpoint: endpoint,
	}
}

type relayRequest struct {
	URL string `json:"url"`
}

// Fetch implements Relay.
func (r *HTTPRelay) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(relayRequest{URL: url}).
		Post(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: relay returned %s", ErrHTTPStatus, resp.Status())
	}
	return resp.Body(), nil
}
