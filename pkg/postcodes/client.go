// Package postcodes provides a client for the postcodes.io geocoding API:
// single and bulk UK postcode lookup.
package postcodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// BulkLimit is the maximum postcodes per bulk request accepted by the API.
const BulkLimit = 100

// Client defines the postcode lookup operations.
type Client interface {
	// Lookup geocodes one postcode. An unknown postcode returns (nil, nil).
	Lookup(ctx context.Context, postcode string) (*Result, error)
	// BulkLookup geocodes up to BulkLimit postcodes in one request. The
	// result map is keyed by the query postcode; unknown postcodes are
	// absent from the map.
	BulkLookup(ctx context.Context, postcodes []string) (map[string]*Result, error)
}

// Result is one geocoded postcode.
type Result struct {
	Postcode      string  `json:"postcode"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Region        string  `json:"region"`
	Country       string  `json:"country"`
	AdminDistrict string  `json:"admin_district"`
	Codes         struct {
		AdminDistrict string `json:"admin_district"`
	} `json:"codes"`
}

type singleResponse struct {
	Status int     `json:"status"`
	Result *Result `json:"result"`
}

type bulkResponse struct {
	Status int `json:"status"`
	Result []struct {
		Query  string  `json:"query"`
		Result *Result `json:"result"`
	} `json:"result"`
}

// Option configures the postcodes client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new postcodes.io client. The API is public.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://api.postcodes.io",
		http: &http.Client{
			Timeout: 25 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup geocodes one postcode. A 404 (unknown postcode) returns (nil, nil).
func (c *httpClient) Lookup(ctx context.Context, postcode string) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "postcodes: rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/postcodes/"+url.PathEscape(postcode), nil)
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "postcodes: lookup %s", postcode)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("postcodes: lookup %s: unexpected status %d", postcode, resp.StatusCode)
	}

	var out singleResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "postcodes: decode lookup response")
	}
	return out.Result, nil
}

// BulkLookup geocodes up to BulkLimit postcodes in one POST.
func (c *httpClient) BulkLookup(ctx context.Context, postcodes []string) (map[string]*Result, error) {
	if len(postcodes) == 0 {
		return nil, nil
	}
	if len(postcodes) > BulkLimit {
		return nil, eris.Errorf("postcodes: bulk lookup of %d exceeds limit %d", len(postcodes), BulkLimit)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "postcodes: rate limiter")
	}

	payload, err := json.Marshal(map[string][]string{"postcodes": postcodes})
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: marshal bulk request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/postcodes", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: build bulk request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: bulk lookup")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("postcodes: bulk lookup: unexpected status %d", resp.StatusCode)
	}

	var out bulkResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "postcodes: decode bulk response")
	}

	results := make(map[string]*Result, len(out.Result))
	for _, item := range out.Result {
		if item.Result != nil {
			results[item.Query] = item.Result
		}
	}
	return results, nil
}
