// Package govuk provides a client for the GOV.UK organisations API, used to
// resolve central-government departments.
package govuk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the GOV.UK organisation directory operations.
type Client interface {
	// ListOrganisations pages through every organisation.
	ListOrganisations(ctx context.Context) ([]Organisation, error)
	// GetOrganisation fetches one organisation by slug.
	GetOrganisation(ctx context.Context, slug string) (*Organisation, error)
}

// Organisation is one GOV.UK directory record.
type Organisation struct {
	Title   string `json:"title"`
	Format  string `json:"format"`
	Details struct {
		Slug         string `json:"slug"`
		Abbreviation string `json:"abbreviation"`
		GovukStatus  string `json:"govuk_status"`
	} `json:"details"`
}

type listResponse struct {
	Results     []Organisation `json:"results"`
	NextPageURL string         `json:"next_page_url"`
}

// Option configures the GOV.UK client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithMaxPages bounds list pagination.
func WithMaxPages(n int) Option {
	return func(c *httpClient) { c.maxPages = n }
}

type httpClient struct {
	baseURL  string
	maxPages int
	http     *http.Client
}

// NewClient creates a new GOV.UK client. The API is public.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:  "https://www.gov.uk",
		maxPages: 20,
		http: &http.Client{
			Timeout: 25 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListOrganisations pages through the full organisation directory.
func (c *httpClient) ListOrganisations(ctx context.Context) ([]Organisation, error) {
	var out []Organisation
	next := c.baseURL + "/api/organisations"

	for page := 0; next != "" && page < c.maxPages; page++ {
		body, status, err := c.get(ctx, next)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, eris.Errorf("govuk: list organisations: unexpected status %d", status)
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, eris.Wrap(err, "govuk: decode organisation list")
		}
		out = append(out, resp.Results...)
		next = resp.NextPageURL
	}
	return out, nil
}

// GetOrganisation fetches one organisation by slug. A 404 returns (nil, nil).
func (c *httpClient) GetOrganisation(ctx context.Context, slug string) (*Organisation, error) {
	body, status, err := c.get(ctx, c.baseURL+"/api/organisations/"+url.PathEscape(slug))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("govuk: get organisation %q: unexpected status %d", slug, status)
	}

	var org Organisation
	if err := json.Unmarshal(body, &org); err != nil {
		return nil, eris.Wrap(err, "govuk: decode organisation")
	}
	return &org, nil
}

func (c *httpClient) get(ctx context.Context, fullURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "govuk: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "govuk: GET %s", fullURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, eris.Wrap(err, "govuk: read response body")
	}
	return body, resp.StatusCode, nil
}
