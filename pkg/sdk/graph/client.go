// Package graph provides the HTTP client for the graph service consumed by the
// extraction worker: entity CRUD, exact-match label lookup, the additive-update
// batch ingress, and chunk content retrieval.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/emergent-company/emergent.extract/pkg/sdk/auth"
	sdkerrors "github.com/emergent-company/emergent.extract/pkg/sdk/errors"
)

// MaxUpdateBatchSize is the hard cap the additive-update ingress enforces per
// request. Callers split larger payloads at this boundary.
const MaxUpdateBatchSize = 1000

// Client provides access to one graph service instance.
type Client struct {
	http    *http.Client
	base    string
	auth    auth.Provider
	limiter *rate.Limiter
}

// Option configures the Client.
type Option func(*Client)

// WithRateLimiter sets a client-side rate limiter applied to every request.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a graph service client for the given base URL.
func NewClient(baseURL string, authProvider auth.Provider, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		base: baseURL,
		auth: authProvider,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// Types
// =============================================================================

// Entity is a graph entity as returned by GET /entities/{id}.
type Entity struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Collection    string         `json:"collection,omitempty"`
	Properties    map[string]any `json:"properties"`
	Relationships []Relationship `json:"relationships,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Relationship is a directed edge from the owning entity's point of view.
type Relationship struct {
	Predicate   string         `json:"predicate"`
	Peer        string         `json:"peer"`
	PeerLabel   string         `json:"peer_label,omitempty"`
	Direction   string         `json:"direction"`
	Properties  map[string]any `json:"properties,omitempty"`
	PeerPreview map[string]any `json:"peer_preview,omitempty"`
}

// EntityRef is the minimal entity identity returned by create and lookup.
type EntityRef struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateEntityRequest is the body for POST /entities.
// SyncIndex asks the service to index the entity before responding, so the
// entity is observable via lookup as soon as the call returns.
type CreateEntityRequest struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	Properties map[string]any `json:"properties,omitempty"`
	SyncIndex  bool           `json:"sync_index,omitempty"`
}

// AdditiveUpdate is one entry of the additive-update batch ingress. Properties
// are deep-merged and relationships upserted by (entity, predicate, peer);
// nothing is ever removed.
type AdditiveUpdate struct {
	EntityID         string            `json:"entity_id"`
	Properties       map[string]any    `json:"properties,omitempty"`
	RelationshipsAdd []RelationshipAdd `json:"relationships_add,omitempty"`
}

// RelationshipAdd describes one relationship to upsert onto an entity.
type RelationshipAdd struct {
	Predicate  string         `json:"predicate"`
	Peer       string         `json:"peer"`
	PeerLabel  string         `json:"peer_label,omitempty"`
	Direction  string         `json:"direction"`
	Properties map[string]any `json:"properties,omitempty"`
}

// AdditiveUpdateResponse reports how many updates the service accepted.
type AdditiveUpdateResponse struct {
	Accepted int `json:"accepted"`
}

type lookupResponse struct {
	Entities []EntityRef `json:"entities"`
}

// =============================================================================
// Internal helpers
// =============================================================================

// prepareRequest creates an authenticated HTTP request, honoring the rate limiter.
func (c *Client) prepareRequest(ctx context.Context, method, reqURL string, body io.Reader) (*http.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if err := c.auth.Authenticate(req); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return req, nil
}

// doJSON executes a request, checks for errors, and decodes the JSON response.
func (c *Client) doJSON(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return sdkerrors.ParseErrorResponse(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	return nil
}

// getJSON performs a GET request and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, reqURL string, result any) error {
	req, err := c.prepareRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, result)
}

// postJSON performs a POST request with JSON body and decodes the response.
func (c *Client) postJSON(ctx context.Context, reqURL string, reqBody any, result any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.prepareRequest(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doJSON(req, result)
}

// =============================================================================
// Entities
// =============================================================================

// GetEntity retrieves an entity by id. When expandPreviews is set, each
// relationship carries a peer_preview of the related entity.
func (c *Client) GetEntity(ctx context.Context, id string, expandPreviews bool) (*Entity, error) {
	reqURL := c.base + "/entities/" + url.PathEscape(id)
	if expandPreviews {
		reqURL += "?expand=relationships:preview"
	}

	var result Entity
	if err := c.getJSON(ctx, reqURL, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LookupEntities finds up to limit entities in a collection whose label
// property exactly matches label (case-insensitive) and whose type matches typ.
func (c *Client) LookupEntities(ctx context.Context, collection, label, typ string, limit int) ([]EntityRef, error) {
	u, err := url.Parse(c.base + "/collections/" + url.PathEscape(collection) + "/entities/lookup")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("label", label)
	q.Set("type", typ)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	u.RawQuery = q.Encode()

	var result lookupResponse
	if err := c.getJSON(ctx, u.String(), &result); err != nil {
		return nil, err
	}
	return result.Entities, nil
}

// CreateEntity creates a new entity.
func (c *Client) CreateEntity(ctx context.Context, req *CreateEntityRequest) (*EntityRef, error) {
	var result EntityRef
	if err := c.postJSON(ctx, c.base+"/entities", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteEntity deletes an entity by id.
func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	req, err := c.prepareRequest(ctx, http.MethodDelete, c.base+"/entities/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return sdkerrors.ParseErrorResponse(resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetEntityContent fetches the text payload stored under the given content key.
func (c *Client) GetEntityContent(ctx context.Context, id, key string) (string, error) {
	u, err := url.Parse(c.base + "/entities/" + url.PathEscape(id) + "/content")
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	req, err := c.prepareRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", sdkerrors.ParseErrorResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return string(body), nil
}

// =============================================================================
// Additive updates
// =============================================================================

// PostAdditiveUpdates submits one batch to the additive-update ingress.
// The batch must not exceed MaxUpdateBatchSize entries.
func (c *Client) PostAdditiveUpdates(ctx context.Context, updates []AdditiveUpdate) (*AdditiveUpdateResponse, error) {
	if len(updates) > MaxUpdateBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds maximum of %d updates", len(updates), MaxUpdateBatchSize)
	}

	reqBody := map[string]any{"updates": updates}
	var result AdditiveUpdateResponse
	if err := c.postJSON(ctx, c.base+"/updates/additive", reqBody, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
