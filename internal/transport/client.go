// Package transport issues the archiver's HTTP requests to validators and
// other archivers.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodingZstd is the content coding used for large archive downloads.
const EncodingZstd = "zstd"

// Client performs JSON requests with a per-request timeout.
type Client struct {
	http *http.Client
}

// New creates a client whose requests time out after timeout.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// GetJSON performs a GET request and decodes the JSON response into result.
func (c *Client) GetJSON(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	req.Header.Set("Accept-Encoding", EncodingZstd)

	return c.do(req, result)
}

// PostJSON performs a POST request with a JSON body and decodes the JSON
// response into result. A nil result discards the body.
func (c *Client) PostJSON(ctx context.Context, url string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

// do sends req and decodes the response, undoing zstd content coding.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode)
	}

	if result == nil {
		return nil
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == EncodingZstd {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("zstd reader:\n%w", err)
		}
		defer dec.Close()

		body = dec
	}

	if err := json.NewDecoder(body).Decode(result); err != nil {
		return fmt.Errorf("decode %s %s:\n%w", req.Method, req.URL, err)
	}

	return nil
}
