package erpsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// PostRequest is the wire payload for posting a document.
type PostRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	Document       Snapshot `json:"document"`
}

// PostResponse is the ERP's reply to a post. Any shape outside these fields
// is treated as ambiguous by the gateway.
type PostResponse struct {
	Status      string `json:"status"`
	ExternalRef string `json:"external_ref"`
	Reason      string `json:"reason"`
}

// LookupResponse is the ERP's reply to an idempotency-key lookup.
type LookupResponse struct {
	Found       bool
	Status      string
	ExternalRef string
	Reason      string
}

// Client is a pluggable ERP backend. Implementations must be safe for
// concurrent use.
type Client interface {
	Post(ctx context.Context, req PostRequest) (PostResponse, error)
	Lookup(ctx context.Context, idempotencyKey string) (LookupResponse, error)
}

// HTTPClient talks to a SAP-B1-style connector over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient constructs HTTPClient. The timeout bounds each call; expiry
// without a definitive response surfaces as a transport error, which the
// gateway classifies as ambiguous.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Post submits the document to the connector.
func (c *HTTPClient) Post(ctx context.Context, req PostRequest) (PostResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PostResponse{}, fmt.Errorf("erpsync: marshal post: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/documents", bytes.NewReader(body))
	if err != nil {
		return PostResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return PostResponse{}, err
	}
	defer resp.Body.Close()

	var out PostResponse
	if resp.StatusCode >= 500 {
		return PostResponse{}, fmt.Errorf("erpsync: connector returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PostResponse{}, fmt.Errorf("erpsync: decode response: %w", err)
	}
	return out, nil
}

// Lookup asks the connector what happened to a previously sent key.
func (c *HTTPClient) Lookup(ctx context.Context, idempotencyKey string) (LookupResponse, error) {
	u := c.baseURL + "/api/v1/documents/lookup?key=" + url.QueryEscape(idempotencyKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return LookupResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return LookupResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return LookupResponse{Found: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return LookupResponse{}, fmt.Errorf("erpsync: connector returned %d", resp.StatusCode)
	}
	var body PostResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LookupResponse{}, fmt.Errorf("erpsync: decode lookup: %w", err)
	}
	return LookupResponse{Found: true, Status: body.Status, ExternalRef: body.ExternalRef, Reason: body.Reason}, nil
}

// NoopClient acknowledges everything locally. Used for branches without an
// ERP integration.
type NoopClient struct{}

// Post acknowledges immediately with a deterministic local reference.
func (NoopClient) Post(ctx context.Context, req PostRequest) (PostResponse, error) {
	return PostResponse{Status: "acked", ExternalRef: localRef(req.IdempotencyKey)}, nil
}

// Lookup always finds the key, mirroring Post.
func (NoopClient) Lookup(ctx context.Context, idempotencyKey string) (LookupResponse, error) {
	return LookupResponse{Found: true, Status: "acked", ExternalRef: localRef(idempotencyKey)}, nil
}

func localRef(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "LOCAL-" + hex.EncodeToString(sum[:4])
}
