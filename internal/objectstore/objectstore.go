// Package objectstore implements the content-addressed object store
// client: put/get/pin/exists/health against a configured gateway list,
// with content-identity-based idempotence.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/resilience"
)

// File is one entry of a directory tree uploaded to the object store.
type File struct {
	Path string
	Data []byte
}

// Client is the capability interface for the object store: put/get/pin/
// exists/health against the content-addressed object store.
type Client interface {
	Put(ctx context.Context, files []File) (contentID string, err error)
	Get(ctx context.Context, contentID string) ([]byte, error)
	Pin(ctx context.Context, contentID string) error
	Exists(ctx context.Context, contentID string) (bool, error)
	HealthCheck(ctx context.Context) (bool, error)
}

// HTTPClient is the default Client implementation, an HTTP/multipart
// client against a list of gateways. It does no retrying itself;
// NewRetryingClient wraps it with internal/resilience for retry/breaker
// handling.
type HTTPClient struct {
	http     *http.Client
	gateways []string
	idx      int
	mu       sync.Mutex
}

// NewHTTPClient constructs a client against the given gateway URLs.
func NewHTTPClient(client *http.Client, gateways []string) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{http: client, gateways: gateways}
}

func (c *HTTPClient) gateway() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.gateways) == 0 {
		return ""
	}
	g := c.gateways[c.idx%len(c.gateways)]
	c.idx++
	return g
}

// Put uploads files and returns the store-assigned content identifier.
// Put is idempotent by content identity: the object store computes the
// identifier from the bytes, so re-uploading identical content returns
// the same identifier rather than creating a second record.
func (c *HTTPClient) Put(ctx context.Context, files []File) (string, error) {
	manifest := make(map[string]string, len(files))
	for _, f := range files {
		manifest[f.Path] = base64.StdEncoding.EncodeToString(f.Data)
	}
	body, err := json.Marshal(map[string]any{"files": manifest})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInvalidInput, "marshal put payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gateway()+"/put", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build put request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "put request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", apperrors.Wrapf(fmt.Errorf("status %d: %s", resp.StatusCode, respBody), statusType(resp.StatusCode), "put")
	}

	var out struct {
		ContentID string `json:"content_id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypePermanent, "decode put response")
	}
	return out.ContentID, nil
}

// Get retrieves the bytes for contentID.
func (c *HTTPClient) Get(ctx context.Context, contentID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/get/%s", c.gateway(), contentID), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build get request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "get request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, apperrors.Wrapf(fmt.Errorf("status %d", resp.StatusCode), statusType(resp.StatusCode), "get %s", contentID)
	}
	return body, nil
}

// Pin is best-effort and idempotent.
func (c *HTTPClient) Pin(ctx context.Context, contentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/pin/%s", c.gateway(), contentID), nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build pin request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "pin request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperrors.Wrapf(fmt.Errorf("status %d", resp.StatusCode), statusType(resp.StatusCode), "pin %s", contentID)
	}
	return nil
}

// Exists reports whether contentID is reachable from this gateway.
func (c *HTTPClient) Exists(ctx context.Context, contentID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/exists/%s", c.gateway(), contentID), nil)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build exists request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "exists request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, apperrors.Wrapf(fmt.Errorf("status %d", resp.StatusCode), statusType(resp.StatusCode), "exists %s", contentID)
	}
	var out struct {
		Exists bool `json:"exists"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &out); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypePermanent, "decode exists response")
	}
	return out.Exists, nil
}

// HealthCheck reports whether the gateway is reachable.
func (c *HTTPClient) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway()+"/health", nil)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400, nil
}

func statusType(status int) apperrors.ErrorType {
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperrors.ErrorTypeTransient
	}
	return apperrors.ErrorTypePermanent
}

// Digest computes a local SHA-256 digest of a file set for use as a
// deployment idempotency key before the object store's own content
// identifier is known. This is never surfaced as the content identifier
// itself — the object store alone is authoritative for that.
func Digest(files []File) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write(f.Data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RetryingClient wraps a Client with internal/resilience retry/breaker
// handling, classifying every call under a single named endpoint.
type RetryingClient struct {
	inner    Client
	caller   *resilience.Caller
	endpoint string
}

// NewRetryingClient wraps inner with retry/breaker handling.
func NewRetryingClient(inner Client, caller *resilience.Caller, endpoint string) *RetryingClient {
	return &RetryingClient{inner: inner, caller: caller, endpoint: endpoint}
}

func (r *RetryingClient) Put(ctx context.Context, files []File) (string, error) {
	var contentID string
	err := r.caller.Do(ctx, r.endpoint, "put", resilience.DefaultWritePolicy(), func(ctx context.Context) (int, error) {
		var innerErr error
		contentID, innerErr = r.inner.Put(ctx, files)
		return codeFor(innerErr), innerErr
	})
	return contentID, err
}

func (r *RetryingClient) Get(ctx context.Context, contentID string) ([]byte, error) {
	var data []byte
	err := r.caller.Do(ctx, r.endpoint, "get", resilience.DefaultReadPolicy(), func(ctx context.Context) (int, error) {
		var innerErr error
		data, innerErr = r.inner.Get(ctx, contentID)
		return codeFor(innerErr), innerErr
	})
	return data, err
}

func (r *RetryingClient) Pin(ctx context.Context, contentID string) error {
	return r.caller.Do(ctx, r.endpoint, "pin", resilience.DefaultWritePolicy(), func(ctx context.Context) (int, error) {
		innerErr := r.inner.Pin(ctx, contentID)
		return codeFor(innerErr), innerErr
	})
}

func (r *RetryingClient) Exists(ctx context.Context, contentID string) (bool, error) {
	var exists bool
	err := r.caller.Do(ctx, r.endpoint, "exists", resilience.DefaultReadPolicy(), func(ctx context.Context) (int, error) {
		var innerErr error
		exists, innerErr = r.inner.Exists(ctx, contentID)
		return codeFor(innerErr), innerErr
	})
	return exists, err
}

func (r *RetryingClient) HealthCheck(ctx context.Context) (bool, error) {
	return r.inner.HealthCheck(ctx)
}

func codeFor(err error) int {
	if err == nil {
		return 200
	}
	if apperrors.IsType(err, apperrors.ErrorTypePermanent) || apperrors.IsType(err, apperrors.ErrorTypeInvalidInput) {
		return 422
	}
	return 502
}
