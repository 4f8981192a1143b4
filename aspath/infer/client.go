package infer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

const (
	// DefaultAlgorithm is the inference algorithm requested when none is set.
	DefaultAlgorithm = "LUF"
	// DefaultUseKnown asks the service to prefer known paths.
	DefaultUseKnown = "use_known"
	// DefaultMaxAttempts bounds the requests sent for one uncached lookup.
	DefaultMaxAttempts = 4
	// DefaultInitialBackoff is the first retry delay, in backoff units.
	DefaultInitialBackoff = 3
)

// Config describes the inference endpoint and the lookup policy.
type Config struct {
	Scheme    string // "http" or "https"
	Host      string
	Port      int
	Algorithm string
	UseKnown  string

	// IgnoreCachedNoResult retries keys whose cached outcome is "no result".
	IgnoreCachedNoResult bool

	// InsecureSkipVerify disables TLS certificate validation. The inference
	// service is a local, trusted process that typically serves a
	// self-signed certificate; callers must opt in explicitly.
	InsecureSkipVerify bool

	MaxAttempts    int           // total attempts per lookup
	InitialBackoff int           // first delay in BackoffUnit, doubled after each failure
	BackoffUnit    time.Duration // length of one backoff unit
	RequestTimeout time.Duration // per-attempt timeout, 0 for none

	// MaxRPS caps the request rate sent to the service; 0 is unlimited.
	MaxRPS float64

	// Coalesce shares one network lookup between concurrent callers asking
	// for the same uncached key.
	Coalesce bool
}

// DefaultConfig returns the settings of a local inference service on the
// default port.
func DefaultConfig() Config {
	return Config{
		Scheme:         "http",
		Host:           "127.0.0.1",
		Port:           61002,
		Algorithm:      DefaultAlgorithm,
		UseKnown:       DefaultUseKnown,
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		BackoffUnit:    time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Endpoint returns the inference URL without query parameters.
func (c Config) Endpoint() string {
	u := url.URL{
		Scheme: c.Scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/infer",
	}
	return u.String()
}

// Client resolves (source AS, destination IP) pairs to AS paths through the
// shared Cache, falling back to the inference service on a miss.
// Safe for concurrent use; the network round trip runs outside any lock.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	cache      *Cache
	metrics    *Metrics
	limiter    *rate.Limiter
	flight     singleflight.Group

	// Sleep waits between attempts. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for cfg backed by cache. metrics may be nil.
func NewClient(cfg Config, cache *Cache, metrics *Metrics) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultAlgorithm
	}
	if cfg.UseKnown == "" {
		cfg.UseKnown = DefaultUseKnown
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	transport.MaxIdleConnsPerHost = 64

	c := &Client{
		cfg:        cfg,
		endpoint:   cfg.Endpoint(),
		httpClient: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		cache:      cache,
		metrics:    metrics,
		Sleep:      sleepContext,
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	return c
}

// Cache returns the shared cache the client reads and writes.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Lookup infers the path from src to dst with the configured algorithm.
func (c *Client) Lookup(ctx context.Context, src aspath.ASN, dst string) aspath.Result {
	return c.InferPath(ctx, src, dst, c.cfg.Algorithm, c.cfg.UseKnown)
}

// InferPath returns the cached result for (src, dst) or asks the inference
// service. It never fails: exhausted retries and unparsable responses come
// back as aspath.NoResult and are cached like any other outcome. A hop with
// an unresolved AS or address is answered with aspath.NoResult offline.
func (c *Client) InferPath(ctx context.Context, src aspath.ASN, dst, algorithm, useKnown string) aspath.Result {
	if !src.Known() || dst == "" {
		c.metrics.lookup("skipped")
		return aspath.NoResult
	}
	key := aspath.Key{Src: src, Dst: dst}
	if r, ok := c.cache.Lookup(key, c.cfg.IgnoreCachedNoResult); ok {
		c.metrics.lookup("hit")
		return r
	}

	if !c.cfg.Coalesce {
		return c.resolve(ctx, key, algorithm, useKnown)
	}
	v, _, _ := c.flight.Do(key.String(), func() (interface{}, error) {
		// a flight that finished between our miss and Do already stored it
		if r, ok := c.cache.Lookup(key, c.cfg.IgnoreCachedNoResult); ok {
			return r, nil
		}
		return c.resolve(ctx, key, algorithm, useKnown), nil
	})
	return v.(aspath.Result)
}

func (c *Client) resolve(ctx context.Context, key aspath.Key, algorithm, useKnown string) aspath.Result {
	c.cache.RecordMiss()
	c.metrics.lookup("miss")

	result := aspath.NoResult
	if body, ok := c.fetch(ctx, key, algorithm, useKnown); ok {
		result = ParsePath(body)
		if !result.Found {
			logrus.Debugf("Unparsable inference response for %s", key)
		}
	}
	c.cache.Store(key, result)
	return result
}

// fetch sends up to MaxAttempts requests, sleeping InitialBackoff units
// before the second attempt and doubling the delay after each failure.
func (c *Client) fetch(ctx context.Context, key aspath.Key, algorithm, useKnown string) (string, bool) {
	backoff := time.Duration(c.cfg.InitialBackoff) * c.cfg.BackoffUnit
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		body, err := c.get(ctx, key, algorithm, useKnown)
		if err == nil {
			return body, true
		}
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		logrus.Debugf("Inference request for %s failed (attempt %d/%d): %v; retrying in %v",
			key, attempt, c.cfg.MaxAttempts, err, backoff)
		if err := c.Sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
	}
	c.cache.RecordError()
	c.metrics.exhaustedLookup()
	logrus.Warnf("Inference for %s failed after retries: %v", key, lastErr)
	return "", false
}

func (c *Client) get(ctx context.Context, key aspath.Key, algorithm, useKnown string) (string, error) {
	params := url.Values{}
	params.Set("algorithm_", algorithm)
	params.Set("prefix_", key.Dst)
	params.Set("src_", strconv.FormatUint(uint64(key.Src), 10))
	params.Set("use_known_", useKnown)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("request creation error: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.request(err, time.Since(start))
		return "", fmt.Errorf("HTTP error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyData, err := io.ReadAll(resp.Body)
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(bodyData), 200))
	}
	c.metrics.request(err, time.Since(start))
	if err != nil {
		return "", err
	}
	return string(bodyData), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
