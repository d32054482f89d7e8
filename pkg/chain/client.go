// Package chain provides a client for the market gateway, the service
// that deploys prediction markets on-chain and records their outcomes.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the market gateway operations.
type Client interface {
	// PublishMarket deploys a market and returns its on-chain address.
	// Requests carry the draft ID as an idempotency key: republishing the
	// same draft returns the existing address instead of a new deployment.
	PublishMarket(ctx context.Context, req PublishRequest) (*PublishResponse, error)
	// SubmitResolution records a market's final result on-chain.
	SubmitResolution(ctx context.Context, address string, req ResolutionRequest) (*ResolutionResponse, error)
	// CancelMarket voids an unresolvable market and refunds positions.
	CancelMarket(ctx context.Context, address, reason string) error
}

// PublishRequest describes the market to deploy.
type PublishRequest struct {
	DraftID     string    `json:"draft_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PublishResponse carries the deployed market's address.
type PublishResponse struct {
	Address string `json:"address"`
	TxHash  string `json:"tx_hash"`
}

// ResolutionRequest records a market outcome.
type ResolutionRequest struct {
	Result       string `json:"result"`
	EvidenceHash string `json:"evidence_hash"`
}

// ResolutionResponse carries the recording transaction.
type ResolutionResponse struct {
	TxHash string `json:"tx_hash"`
}

// Option configures the chain client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new market gateway client.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
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

func (c *httpClient) PublishMarket(ctx context.Context, req PublishRequest) (*PublishResponse, error) {
	if req.DraftID == "" {
		return nil, eris.New("chain: publish requires a draft id")
	}

	var out PublishResponse
	if err := c.post(ctx, "/markets", req.DraftID, req, &out); err != nil {
		return nil, err
	}
	if out.Address == "" {
		return nil, eris.New("chain: gateway returned no market address")
	}
	return &out, nil
}

func (c *httpClient) SubmitResolution(ctx context.Context, address string, req ResolutionRequest) (*ResolutionResponse, error) {
	var out ResolutionResponse
	path := fmt.Sprintf("/markets/%s/resolution", address)
	if err := c.post(ctx, path, address+":resolve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) CancelMarket(ctx context.Context, address, reason string) error {
	path := fmt.Sprintf("/markets/%s/cancel", address)
	body := map[string]string{"reason": reason}
	return c.post(ctx, path, address+":cancel", body, nil)
}

// post sends one JSON request with the given idempotency key and decodes
// the JSON reply into out when out is non-nil.
func (c *httpClient) post(ctx context.Context, path, idempotencyKey string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "chain: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return eris.Wrap(err, "chain: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "chain: POST %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "chain: read response body")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &StatusError{Code: resp.StatusCode, Body: string(body), Path: path}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return eris.Wrap(err, "chain: unmarshal response")
		}
	}
	return nil
}

// StatusError is a non-2xx gateway reply. Callers inspect Code to decide
// whether the request is worth retrying.
type StatusError struct {
	Code int
	Body string
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chain: POST %s returned %d: %s", e.Path, e.Code, e.Body)
}
