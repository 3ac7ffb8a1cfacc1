package objstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openspend/spend-cli/internal/resilience"
)

// Client downloads and uploads objects through presigned URLs.
type Client struct {
	signer  *Signer
	http    *http.Client
	retry   resilience.RetryConfig
	expires time.Duration
	maxSize int64
}

// ClientOption configures the object-storage client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithExpiry sets how long presigned URLs stay valid.
func WithExpiry(d time.Duration) ClientOption {
	return func(c *Client) { c.expires = d }
}

// WithMaxObjectSize bounds the download size.
func WithMaxObjectSize(n int64) ClientOption {
	return func(c *Client) { c.maxSize = n }
}

// NewClient builds a Client around a Signer.
func NewClient(signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		signer: signer,
		http: &http.Client{
			Timeout: 25 * time.Second,
		},
		retry:   resilience.DefaultRetryConfig(),
		expires: 15 * time.Minute,
		maxSize: 256 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PresignDownload returns a time-boxed GET URL for the key.
func (c *Client) PresignDownload(key string) (string, error) {
	return c.signer.Presign(http.MethodGet, key, c.expires)
}

// PresignUpload returns a time-boxed PUT URL for the key.
func (c *Client) PresignUpload(key string) (string, error) {
	return c.signer.Presign(http.MethodPut, key, c.expires)
}

// Download fetches an object's bytes via a presigned GET.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	u, err := c.PresignDownload(key)
	if err != nil {
		return nil, err
	}

	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("objstore", "download "+key)
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, eris.Wrap(err, "objstore: build download request")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "objstore: download %s", key), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("objstore: download %s: status %d", key, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.FromResponse(err, resp)
			}
			return nil, err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "objstore: read object body"), 0)
		}
		return body, nil
	})
}

// Upload writes an object's bytes via a presigned PUT.
func (c *Client) Upload(ctx context.Context, key string, data []byte) error {
	u, err := c.PresignUpload(key)
	if err != nil {
		return err
	}

	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("objstore", "upload "+key)
	}
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
		if err != nil {
			return eris.Wrap(err, "objstore: build upload request")
		}
		req.ContentLength = int64(len(data))

		resp, err := c.http.Do(req)
		if err != nil {
			return resilience.NewTransientError(eris.Wrapf(err, "objstore: upload %s", key), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			err := eris.Errorf("objstore: upload %s: status %d", key, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.FromResponse(err, resp)
			}
			return err
		}
		return nil
	})
}

// Exists checks for an object via a presigned HEAD.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	u, err := c.signer.Presign(http.MethodHead, key, c.expires)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, eris.Wrap(err, "objstore: build head request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, eris.Wrapf(err, "objstore: head %s", key)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, eris.Errorf("objstore: head %s: status %d", key, resp.StatusCode)
	}
}
