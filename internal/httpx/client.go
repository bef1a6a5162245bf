// Package httpx is the outbound HTTP collaborator used to read pages and
// feeds from the content platform.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// MaxBodyBytes caps how much of a response is read. Channel pages are large
// but stay well below this.
const MaxBodyBytes = 8 << 20

var ErrStatus = errors.New("unexpected http status")

type Config struct {
	// RatePerSec bounds outbound requests across all callers. 0 disables.
	RatePerSec float64
	// DefaultTimeout applies when a call passes timeout <= 0.
	DefaultTimeout time.Duration
}

// Response is the status and (possibly truncated) body of a GET.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status/100 == 2 }

type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func New(cfg Config) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: cfg.DefaultTimeout,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

// Get fetches url with the given headers. The whole call, including the
// rate-limit wait and body read, is bounded by timeout.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return Response{Status: resp.StatusCode}, err
	}
	out := Response{Status: resp.StatusCode, Body: body}
	if !out.OK() {
		return out, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return out, nil
}
