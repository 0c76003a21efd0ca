// Package transport provides a pooled HTTPS client with cookie-jar support
// and a retry-with-backoff decorator for transport-level failures. It never
// inspects response status codes — a 4xx/5xx response is a successful round
// trip as far as this package is concerned; interpreting application errors
// is the API client's job.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/sethvargo/go-retry"
)

// Config holds the numeric tunables that shape the underlying transport and
// its retry behavior. Zero values are replaced with defaults by New.
type Config struct {
	// RequestTimeout bounds each HTTP attempt; every retry gets a fresh
	// budget of its own.
	RequestTimeout time.Duration
	// MaxRetries is the total number of attempts, the first included;
	// only transport errors (connection failure, timeout) trigger another.
	MaxRetries int
	// InsecureSkipVerify disables TLS chain verification. The Host serves
	// mirror certificates the impersonated browser accepts implicitly;
	// strict verification has been observed to fail spuriously on some
	// mirrors. It is a config knob rather than a hardcoded constant; New
	// does not default it, so the zero value keeps verification on (the
	// cmd/terashare flag defaults to true).
	InsecureSkipVerify bool
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Client is a pooled HTTP client shared across every request issued by the
// extraction core for one process lifetime.
type Client struct {
	http *http.Client
	cfg  Config
}

// New builds a Client with a shared cookie jar and a transport tuned for a
// constellation of mirror hosts: 100 total idle connections, 30 per host,
// and a DNS-cache-like idle timeout of 300s approximating the spec's DNS
// cache TTL (net/http has no first-class DNS cache knob; IdleConnTimeout is
// the closest lever that keeps connections, and therefore resolved
// addresses, warm for that long).
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: create cookie jar: %w", err)
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConns = 100
	base.MaxIdleConnsPerHost = 30
	base.MaxConnsPerHost = 30
	base.IdleConnTimeout = 300 * time.Second
	base.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec

	return &Client{
		http: &http.Client{
			Transport: base,
			Jar:       jar,
			Timeout:   cfg.RequestTimeout,
		},
		cfg: cfg,
	}, nil
}

// Jar exposes the shared cookie jar so a caller (the session manager) can
// seed or inspect cookies for a specific origin without issuing a request.
func (c *Client) Jar() http.CookieJar {
	return c.http.Jar
}

// withMinDuration wraps b so every non-stop interval is floored at min,
// matching the original's wait_exponential(multiplier=1, min=2, max=10).
func withMinDuration(min time.Duration, b retry.Backoff) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if stop {
			return d, stop
		}
		if d < min {
			d = min
		}
		return d, false
	})
}

// Do issues a request built from method/url/headers/body, making up to
// cfg.MaxRetries attempts in all with exponential backoff (base 1s,
// floored at 2s, capped at 10s) when the round trip itself fails to
// complete — never when it completes with a 4xx/5xx status.
func (c *Client) Do(ctx context.Context, method, url string, headers http.Header, body io.Reader) (*http.Response, error) {
	backoff, err := retry.NewExponential(1 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: build backoff: %w", err)
	}
	backoff = retry.WithCappedDuration(10*time.Second, backoff)
	backoff = withMinDuration(2*time.Second, backoff)
	backoff = retry.WithMaxRetries(uint64(c.cfg.MaxRetries-1), backoff)

	var resp *http.Response
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			// A malformed request is not a transport error: no point retrying.
			return fmt.Errorf("transport: build request: %w", err)
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		r, doErr := c.http.Do(req)
		if doErr != nil {
			return retry.RetryableError(fmt.Errorf("transport: %s %s: %w", method, url, doErr))
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close releases idle connections held by the pool. After Close, further
// calls to Do may still succeed (a new connection is dialed), but the pool
// no longer reuses the connections it was holding.
func (c *Client) Close() {
	if tr, ok := c.http.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}
