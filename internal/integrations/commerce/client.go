package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Client is an HTTP backend for the commerce REST API:
//
//	GET {base}/brands/{brand}/orders/{id}
//	GET {base}/brands/{brand}/products/{id}
//	GET {base}/brands/{brand}/shipping/zones/{postal_code}
//
// Requests are rate limited per brand so one busy storefront cannot starve
// the others.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	rps        rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithRateLimit allows rps requests per second per brand, with burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.rps = rate.Limit(rps)
		c.burst = burst
	}
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("commerce: base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("commerce: parse base URL: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		rps:        10,
		burst:      20,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.burst <= 0 {
		c.burst = 1
	}
	return c, nil
}

func (c *Client) Order(ctx context.Context, brandID, orderID string) (Order, error) {
	var o Order
	err := c.get(ctx, brandID, "orders", orderID, &o)
	return o, err
}

func (c *Client) Product(ctx context.Context, brandID, productID string) (Product, error) {
	var p Product
	err := c.get(ctx, brandID, "products", productID, &p)
	return p, err
}

func (c *Client) Zone(ctx context.Context, brandID, postalCode string) (Zone, error) {
	var z Zone
	err := c.get(ctx, brandID, "shipping/zones", postalCode, &z)
	return z, err
}

func (c *Client) limiter(brandID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[brandID]
	if !ok {
		lim = rate.NewLimiter(c.rps, c.burst)
		c.limiters[brandID] = lim
	}
	return lim
}

func (c *Client) get(ctx context.Context, brandID, collection, id string, out any) error {
	if strings.TrimSpace(brandID) == "" || strings.TrimSpace(id) == "" {
		return errors.New("commerce: brand and id are required")
	}
	if err := c.limiter(brandID).Wait(ctx); err != nil {
		return fmt.Errorf("commerce: rate limit: %w", err)
	}

	u := fmt.Sprintf("%s/brands/%s/%s/%s", c.baseURL, url.PathEscape(brandID), collection, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("commerce: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("commerce: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, collection, id)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("commerce: decode response: %w", err)
	}
	return nil
}
