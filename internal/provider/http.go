package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/pkg/backoff"
)

const (
	defaultCallTimeout = 5 * time.Second
	maxErrorBody       = 1024
	maxJSONBytes       = 1 << 20
	maxArtifactBytes   = 64 << 20
)

// httpClient carries the transport shared by the backend protocols.
type httpClient struct {
	baseURL string
	client  *http.Client
	retries int
	header  http.Header
}

func newHTTPClient(baseURL string, timeout time.Duration, retries int) *httpClient {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if retries < 0 {
		retries = 0
	}
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		header:  http.Header{},
	}
}

// doJSON sends body (if any) as JSON and decodes a JSON answer into out (if any).
func (c *httpClient) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	data, err := c.do(ctx, op, method, c.url(path), body, maxJSONBytes)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Internal(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// fetch downloads a binary body from an absolute URL or a path on the base URL.
func (c *httpClient) fetch(ctx context.Context, op, target string) ([]byte, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.url(target)
	}
	return c.do(ctx, op, http.MethodGet, target, nil, maxArtifactBytes)
}

func (c *httpClient) url(path string) string {
	return c.baseURL + path
}

// do executes one request. Transport failures on GET are retried with
// exponential backoff; HTTP error statuses are never retried here.
func (c *httpClient) do(ctx context.Context, op, method, target string, body any, limit int64) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, apperrors.Internal(op, fmt.Errorf("encode request: %w", err))
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := backoff.Default.Sleep(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		data, retry, err := c.once(ctx, op, method, target, payload, limit)
		if err == nil {
			return data, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *httpClient) once(ctx context.Context, op, method, target string, payload []byte, limit int64) ([]byte, bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, false, apperrors.Internal(op, err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, false, apperrors.Upstream(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("%s: read body: %w", op, err)
	}
	if int64(len(data)) > limit {
		return nil, false, apperrors.Internal(op, fmt.Errorf("response exceeds %d bytes", limit))
	}
	return data, false, nil
}
