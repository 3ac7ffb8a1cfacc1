// Package companieshouse provides a client for the Companies House public
// data API: company search and profile fetch, with the documented request
// quota (600 requests per 5 minutes) enforced client-side.
package companieshouse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/openspend/spend-cli/internal/resilience"
)

// Client defines the Companies House operations.
type Client interface {
	// SearchCompanies searches companies by name.
	SearchCompanies(ctx context.Context, query string) ([]SearchResult, error)
	// GetCompanyProfile fetches a full profile by company number.
	GetCompanyProfile(ctx context.Context, number string) (*CompanyProfile, error)
}

// SearchResult is one company search hit.
type SearchResult struct {
	Title         string `json:"title"`
	CompanyNumber string `json:"company_number"`
	CompanyStatus string `json:"company_status"`
	CompanyType   string `json:"company_type"`
	Address       struct {
		AddressLine1 string `json:"address_line_1"`
		Locality     string `json:"locality"`
		PostalCode   string `json:"postal_code"`
		Region       string `json:"region"`
		Country      string `json:"country"`
	} `json:"address"`
}

type searchResponse struct {
	Items []SearchResult `json:"items"`
}

// CompanyProfile is the full registered-company record.
type CompanyProfile struct {
	CompanyName   string   `json:"company_name"`
	CompanyNumber string   `json:"company_number"`
	CompanyStatus string   `json:"company_status"`
	Type          string   `json:"type"`
	SICCodes      []string `json:"sic_codes"`
	PreviousNames []struct {
		Name string `json:"name"`
	} `json:"previous_company_names"`
	RegisteredOfficeAddress struct {
		AddressLine1 string `json:"address_line_1"`
		Locality     string `json:"locality"`
		PostalCode   string `json:"postal_code"`
		Region       string `json:"region"`
		Country      string `json:"country"`
	} `json:"registered_office_address"`
}

// SICCodesJoined flattens the SIC code list for storage.
func (p *CompanyProfile) SICCodesJoined() string {
	return strings.Join(p.SICCodes, ",")
}

// PreviousNamesJoined flattens previous company names for storage.
func (p *CompanyProfile) PreviousNamesJoined() string {
	names := make([]string, 0, len(p.PreviousNames))
	for _, n := range p.PreviousNames {
		names = append(names, n.Name)
	}
	return strings.Join(names, "; ")
}

// Option configures the Companies House client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateWindow overrides the request quota (requests per window).
func WithRateWindow(requests int, window time.Duration) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(requests)/window.Seconds()), requests/10+1)
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a new Companies House client. The API key is sent as the
// basic-auth username with an empty password.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.company-information.service.gov.uk",
		http: &http.Client{
			Timeout: 25 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(600.0/300.0), 10),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchCompanies searches companies by name. Zero hits return (nil, nil).
func (c *httpClient) SearchCompanies(ctx context.Context, query string) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("items_per_page", strconv.Itoa(20))

	body, err := c.get(ctx, "/search/companies?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "companieshouse: decode search response")
	}
	return resp.Items, nil
}

// GetCompanyProfile fetches a full profile by company number. A 404 returns
// (nil, nil).
func (c *httpClient) GetCompanyProfile(ctx context.Context, number string) (*CompanyProfile, error) {
	body, err := c.get(ctx, "/company/"+url.PathEscape(number))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var profile CompanyProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, eris.Wrap(err, "companieshouse: decode company profile")
	}
	return &profile, nil
}

// get performs a rate-limited, retried GET. A 404 returns (nil, nil) so
// callers can treat it as a definitive miss rather than an error.
func (c *httpClient) get(ctx context.Context, path string) ([]byte, error) {
	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("companieshouse", path)
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "companieshouse: rate limiter")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, eris.Wrap(err, "companieshouse: build request")
		}
		req.SetBasicAuth(c.apiKey, "")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "companieshouse: request"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "companieshouse: read body"), 0)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.FromResponse(
				eris.Errorf("companieshouse: status %d", resp.StatusCode), resp)
		default:
			return nil, eris.Errorf("companieshouse: unexpected status %d", resp.StatusCode)
		}
	})
}
