package scan

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	userAgent    = "escan/1.0 (+https://escan.sh)"
	maxBodyBytes = 256 << 10
	maxRedirects = 3
)

// Client is the shared HTTP probe client. All outbound scan traffic flows
// through its rate limiter so a fan-out cannot hammer one target.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a probe client with a per-request timeout and a global
// requests-per-second ceiling.
func NewClient(timeout time.Duration, rps float64) *Client {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// Get performs a throttled GET. The caller owns the response body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return c.http.Do(req)
}

// GetBody performs a throttled GET and reads up to 256KB of body.
func (c *Client) GetBody(ctx context.Context, url string) (*http.Response, []byte, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}
