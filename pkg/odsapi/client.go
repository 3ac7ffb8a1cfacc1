// Package odsapi provides a client for the NHS Organisation Data Service
// (ODS) ORD API, used to resolve health organisations by name or code.
package odsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Primary role ids distinguishing the health organisation subtypes.
const (
	RoleTrust = "RO197"
	RoleICB   = "RO318"
	RoleGP    = "RO76"
)

// Client defines the ODS directory operations.
type Client interface {
	// SearchOrganisations searches active organisations by name.
	SearchOrganisations(ctx context.Context, name string) ([]Organisation, error)
	// GetOrganisation fetches one organisation by ODS code.
	GetOrganisation(ctx context.Context, odsCode string) (*Organisation, error)
}

// Organisation is one ODS directory record.
type Organisation struct {
	Name          string `json:"Name"`
	OrgID         string `json:"OrgId"`
	Status        string `json:"Status"`
	PrimaryRoleID string `json:"PrimaryRoleId"`
	PostCode      string `json:"PostCode"`
}

type searchResponse struct {
	Organisations []Organisation `json:"Organisations"`
}

// orgDetail is the single-organisation payload, which nests the fields the
// search endpoint returns flat.
type orgDetail struct {
	Organisation struct {
		Name   string `json:"Name"`
		OrgID  struct {
			Extension string `json:"extension"`
		} `json:"OrgId"`
		Status  string `json:"Status"`
		GeoLoc  struct {
			Location struct {
				PostCode string `json:"PostCode"`
			} `json:"Location"`
		} `json:"GeoLoc"`
		Roles struct {
			Role []struct {
				ID        string `json:"id"`
				PrimaryRole bool `json:"primaryRole"`
			} `json:"Role"`
		} `json:"Roles"`
	} `json:"Organisation"`
}

// Option configures the ODS client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithSearchLimit caps the number of search results requested.
func WithSearchLimit(n int) Option {
	return func(c *httpClient) { c.searchLimit = n }
}

type httpClient struct {
	baseURL     string
	searchLimit int
	http        *http.Client
}

// NewClient creates a new ODS client. The API is public and uncredentialed.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:     "https://directory.spineservices.nhs.uk/ORD/2-0-0",
		searchLimit: 20,
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

// SearchOrganisations searches active organisations by name. A 404 or an
// empty result set returns (nil, nil).
func (c *httpClient) SearchOrganisations(ctx context.Context, name string) ([]Organisation, error) {
	q := url.Values{}
	q.Set("Name", name)
	q.Set("Status", "Active")
	q.Set("Limit", strconv.Itoa(c.searchLimit))

	body, status, err := c.get(ctx, "/organisations?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("odsapi: search %q: unexpected status %d", name, status)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "odsapi: decode search response")
	}
	return resp.Organisations, nil
}

// GetOrganisation fetches one organisation by ODS code. A 404 returns
// (nil, nil).
func (c *httpClient) GetOrganisation(ctx context.Context, odsCode string) (*Organisation, error) {
	body, status, err := c.get(ctx, "/organisations/"+url.PathEscape(odsCode))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("odsapi: get %q: unexpected status %d", odsCode, status)
	}

	var detail orgDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, eris.Wrap(err, "odsapi: decode organisation")
	}

	org := &Organisation{
		Name:     detail.Organisation.Name,
		OrgID:    detail.Organisation.OrgID.Extension,
		Status:   detail.Organisation.Status,
		PostCode: detail.Organisation.GeoLoc.Location.PostCode,
	}
	for _, role := range detail.Organisation.Roles.Role {
		if role.PrimaryRole {
			org.PrimaryRoleID = role.ID
			break
		}
	}
	return org, nil
}

func (c *httpClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "odsapi: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrap(err, fmt.Sprintf("odsapi: GET %s", path))
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, eris.Wrap(err, "odsapi: read response body")
	}
	return body, resp.StatusCode, nil
}
