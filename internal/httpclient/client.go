// Package httpclient is the agent's single outbound HTTP client: a shared,
// reference-counted, read-only collaborator with an internal response cache,
// bearer-token injection, and per-request timeouts — grounded on the
// typed-method-with-context.WithTimeout idiom the reference client used for
// every gRPC call, adapted here to plain net/http.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/types"
)

const (
	defaultTimeout   = 10 * time.Second
	responseCacheTTL = 30 * time.Second
)

// TokenSource supplies the current bearer token for authorized requests.
// Activation and token-issue calls never consult it.
type TokenSource func() string

// Client is safe for concurrent use by multiple goroutines; it is intended
// to be built once at startup and shared by every worker.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	cache   *responseCache
}

func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
		cache:   newResponseCache(responseCacheTTL),
	}
}

// IssueTokenRequest is the signed-claims envelope POSTed anonymously.
type IssueTokenRequest struct {
	Claims    json.RawMessage `json:"claims"`
	Signature string          `json:"signature"`
}

// IssueToken exchanges signed claims for a bearer token. Anonymous: no
// Authorization header is sent; the signed claims identify the device.
func (c *Client) IssueToken(ctx context.Context, deviceID string, claims json.RawMessage, signature string) (types.Token, error) {
	var token types.Token
	body := IssueTokenRequest{Claims: claims, Signature: signature}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/devices/%s/issue_token", deviceID), body, &token, false, false)
	return token, err
}

// ActivateRequest is the one-shot device-activation payload.
type ActivateRequest struct {
	PublicKeyPEM string `json:"public_key_pem"`
	Name         string `json:"name,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// Activate registers the device's public key with the backend. The
// activation JWT is the bearer credential proving the operator's
// authorization to activate deviceID; it is never carried in the body.
func (c *Client) Activate(ctx context.Context, deviceID string, req ActivateRequest, activationJWT string) (types.Device, error) {
	var device types.Device
	err := c.doWithBearer(ctx, http.MethodPost, fmt.Sprintf("/devices/%s/activate", deviceID), req, &device, activationJWT, false)
	return device, err
}

// PatchDevice sends a partial update, bearer-authorized.
func (c *Client) PatchDevice(ctx context.Context, deviceID string, updates map[string]any) (types.Device, error) {
	var device types.Device
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/devices/%s", deviceID), updates, &device, true, false)
	return device, err
}

// HashSerializedRequest asks the backend to compute a canonical digest for
// a serialized schema.
type HashSerializedRequest struct {
	Schema []byte `json:"schema"`
	Format string `json:"format"`
}

type hashSerializedResponse struct {
	Digest string `json:"digest"`
}

// HashSerialized posts a schema blob and returns its canonical digest; the
// body is the cache key, so repeated identical calls within the TTL never
// hit the network.
func (c *Client) HashSerialized(ctx context.Context, schema []byte, format string) (string, error) {
	var resp hashSerializedResponse
	req := HashSerializedRequest{Schema: schema, Format: format}
	err := c.do(ctx, http.MethodPost, "/config_schemas/hash/serialized", req, &resp, true, true)
	return resp.Digest, err
}

// ConfigSchemaPage is one page of a schema search result.
type ConfigSchemaPage struct {
	Items []types.ConfigSchema `json:"items"`
}

func (c *Client) SearchConfigSchemas(ctx context.Context, search *Search) ([]types.ConfigSchema, error) {
	var page ConfigSchemaPage
	path := "/config_schemas?search=" + encodeQuery(search.String())
	err := c.do(ctx, http.MethodGet, path, nil, &page, true, false)
	return page.Items, err
}

// ConfigInstanceWithData pairs a config instance's metadata with its
// materialized payload, present only when the request asked to expand it.
type ConfigInstanceWithData struct {
	types.ConfigInstance
	Data json.RawMessage `json:"data,omitempty"`
}

// ConfigInstancePage is one page of a config-instance search result.
type ConfigInstancePage struct {
	Items []ConfigInstanceWithData `json:"items"`
}

// SearchConfigInstances lists config instances; when expandIDs is non-empty
// the response is expected to carry each matching instance's payload, and
// callers should validate every requested id came back — a missing id is a
// MissingExpandedInstances failure, checked by the caller.
func (c *Client) SearchConfigInstances(ctx context.Context, search *Search, expandIDs []string) ([]ConfigInstanceWithData, error) {
	var page ConfigInstancePage
	path := "/config_instances?search=" + encodeQuery(search.String())
	if len(expandIDs) > 0 {
		path += "&expand=" + encodeQuery(joinComma(expandIDs))
	}
	err := c.do(ctx, http.MethodGet, path, nil, &page, true, false)
	return page.Items, err
}

// PatchConfigInstanceRequest is the allowed partial-update shape.
type PatchConfigInstanceRequest struct {
	ActivityStatus *types.ActivityStatus `json:"activity_status,omitempty"`
	ErrorStatus    *types.ErrorStatus    `json:"error_status,omitempty"`
}

func (c *Client) PatchConfigInstance(ctx context.Context, id string, req PatchConfigInstanceRequest) (types.ConfigInstance, error) {
	var inst types.ConfigInstance
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/config_instances/%s", id), req, &inst, true, false)
	return inst, err
}

// do performs one request with a per-call timeout, optional bearer auth
// drawn from the client's TokenSource, and optional response caching keyed
// by (path, body).
func (c *Client) do(ctx context.Context, method, path string, reqBody any, out any, authorized, cacheable bool) error {
	var bearer func() string
	if authorized {
		bearer = c.tokens
	}
	return c.doRequest(ctx, method, path, reqBody, out, bearer, cacheable)
}

// doWithBearer performs a request authorized with an explicit bearer
// token rather than the client's TokenSource — used for activation, where
// the device has no issued token yet and the caller supplies one directly.
func (c *Client) doWithBearer(ctx context.Context, method, path string, reqBody any, out any, token string, cacheable bool) error {
	return c.doRequest(ctx, method, path, reqBody, out, func() string { return token }, cacheable)
}

func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any, out any, bearer func() string, cacheable bool) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var bodyBytes []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return &agenterrors.SerdeErr{Source: err, Site: agenterrors.Trace()}
		}
		bodyBytes = b
	}

	if cacheable {
		if cached, ok := c.cache.get(path, bodyBytes); ok {
			return decodeBody(cached.body, out)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return &agenterrors.SerdeErr{Source: err, Site: agenterrors.Trace()}
	}
	if bodyBytes != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if bearer != nil {
		if token := bearer(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &agenterrors.NetworkErr{Source: err, Site: agenterrors.Trace()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &agenterrors.NetworkErr{Source: err, Site: agenterrors.Trace()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &agenterrors.HTTPErr{Status: resp.StatusCode, Body: string(respBody), Site: agenterrors.Trace()}
	}

	if cacheable {
		c.cache.put(path, bodyBytes, resp.StatusCode, respBody)
	}
	return decodeBody(respBody, out)
}

func decodeBody(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &agenterrors.SerdeErr{Source: err, Site: agenterrors.Trace()}
	}
	return nil
}

func encodeQuery(s string) string {
	return url.QueryEscape(s)
}

func joinComma(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
