package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Signature-256"

// Relay uploads artifacts with a signed PUT to an external store.
type Relay struct {
	uploadURL  string
	publicURL  string
	signingKey string
	client     *http.Client
}

// NewRelay creates a relay. When publicURL is empty, objects are assumed to
// be readable at the upload URL.
func NewRelay(uploadURL, publicURL, signingKey string, timeout time.Duration) *Relay {
	if publicURL == "" {
		publicURL = uploadURL
	}
	return &Relay{
		uploadURL:  uploadURL,
		publicURL:  publicURL,
		signingKey: signingKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Put uploads data. A JSON answer with a "url" field overrides the derived URL.
func (r *Relay) Put(ctx context.Context, name string, data []byte) (*Object, error) {
	cleanKey, err := sanitizeKey(name)
	if err != nil {
		return nil, err
	}
	key, obj := Inspect(cleanKey, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, joinURL(r.uploadURL, key), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", obj.ContentType)
	if r.signingKey != "" {
		req.Header.Set(SignatureHeader, Sign(data, r.signingKey))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage upload: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Upstream("storage.upload", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	obj.URL = joinURL(r.publicURL, key)
	var answer struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(body, &answer) == nil && answer.URL != "" {
		obj.URL = answer.URL
	}
	return &obj, nil
}

// Sign returns the "sha256=<hex>" HMAC of payload.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
