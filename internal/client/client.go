// Package client reads the status API of a running hwdec instance, over
// HTTP/1.1 or HTTP/3.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/hwdec/internal/errors"
	"github.com/zsiec/hwdec/internal/registry"
	"github.com/zsiec/hwdec/internal/server"
)

// Options configure a Client.
type Options struct {
	// HTTP3 dials the QUIC listener instead of plain HTTP
	HTTP3 bool
	// InsecureSkipVerify accepts self-signed certificates
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Client talks to one hwdec instance.
type Client struct {
	base *url.URL
	http *http.Client
	h3   *http3.Transport
}

// New creates a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	c := &Client{base: base, http: &http.Client{Timeout: opts.Timeout}}
	if opts.HTTP3 {
		c.h3 = &http3.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.InsecureSkipVerify,
			},
		}
		c.http.Transport = c.h3
	}
	return c, nil
}

// Close releases the QUIC connections, if any.
func (c *Client) Close() error {
	if c.h3 != nil {
		return c.h3.Close()
	}
	return nil
}

// List returns the decoders the instance publishes. It satisfies
// dashboard.Source.
func (c *Client) List(ctx context.Context) ([]*registry.Decoder, error) {
	var out server.DecoderList
	if err := c.get(ctx, "/api/v1/decoders", &out); err != nil {
		return nil, err
	}
	return out.Decoders, nil
}

// Decoder returns one decoder by ID.
func (c *Client) Decoder(ctx context.Context, id string) (*registry.Decoder, error) {
	var out registry.Decoder
	if err := c.get(ctx, "/api/v1/decoders/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Backends returns the decode backends in selection order.
func (c *Client) Backends(ctx context.Context) (*server.BackendList, error) {
	var out server.BackendList
	if err := c.get(ctx, "/api/v1/backends", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// APIError is a non-2xx answer from the instance.
type APIError struct {
	Status  int
	Type    errors.ErrorType
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	u := *c.base
	u.Path += path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body errors.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
			apiErr.Type = body.Error.Type
			apiErr.Message = body.Error.Message
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
