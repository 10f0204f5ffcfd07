package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/warcfed/horosafe"
	"github.com/hazyhaar/warcfed/kit"
)

// ClientConfig configures the peer HTTP client.
type ClientConfig struct {
	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration
	// MaxRecordBytes caps a downloaded block. Default: 64 MiB.
	MaxRecordBytes int64
	// MaxJSONBytes caps manifest, search and handshake bodies. Default: 4 MiB.
	MaxJSONBytes int64
	// UserAgent sent with requests.
	UserAgent string
	// Credential, when set, mints the bearer token attached to every request.
	Credential func() (string, error)
	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = 64 << 20
	}
	if c.MaxJSONBytes <= 0 {
		c.MaxJSONBytes = horosafe.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = "warcfed/1.0"
	}
}

// Client performs the federation calls against a peer's HTTP surface.
type Client struct {
	http   *http.Client
	config ClientConfig
}

// NewClient creates a Client. Redirects are not followed: a peer endpoint
// is registered explicitly and must answer itself.
func NewClient(cfg ClientConfig) *Client {
	cfg.defaults()
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Client{http: hc, config: cfg}
}

// Manifest fetches the peer's snapshot descriptors for a time window.
func (c *Client) Manifest(ctx context.Context, p Peer, req ManifestRequest) (*ManifestResponse, error) {
	q := url.Values{}
	if !req.From.IsZero() {
		q.Set("from", req.From.UTC().Format(time.RFC3339Nano))
	}
	if !req.To.IsZero() {
		q.Set("to", req.To.UTC().Format(time.RFC3339Nano))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Order != "" {
		q.Set("order", string(req.Order))
	}
	var out ManifestResponse
	if err := c.getJSON(ctx, p, "manifest", "/federation/manifest?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download fetches the raw block of one of the peer's snapshots.
func (c *Client) Download(ctx context.Context, p Peer, snapshotID string) ([]byte, error) {
	resp, err := c.do(ctx, p, "download", http.MethodGet, "/snapshot/"+url.PathEscape(snapshotID)+"/download", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := horosafe.LimitedReadAll(resp.Body, c.config.MaxRecordBytes)
	if err != nil {
		return nil, &UpstreamError{Peer: p.ID, Op: "download", Err: err}
	}
	return body, nil
}

// Search runs a local search on the peer. The peer answers a JSON array
// whose elements are passed through untouched.
func (c *Client) Search(ctx context.Context, p Peer, query string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	if err := c.getJSON(ctx, p, "search", "/search?q="+url.QueryEscape(query), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []json.RawMessage{}
	}
	return out, nil
}

// Handshake announces the local node to the node at endpoint.
func (c *Client) Handshake(ctx context.Context, endpoint string, self HandshakeRequest) (*HandshakeResponse, error) {
	body, err := json.Marshal(self)
	if err != nil {
		return nil, fmt.Errorf("federation: marshal handshake: %w", err)
	}
	p := Peer{ID: endpoint, Endpoint: endpoint}
	resp, err := c.do(ctx, p, "handshake", http.MethodPost, "/federation/handshake", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out HandshakeResponse
	if err := c.decode(resp.Body, &out); err != nil {
		return nil, &UpstreamError{Peer: endpoint, Op: "handshake", Err: err}
	}
	return &out, nil
}

// Ping checks that the peer answers its health endpoint.
func (c *Client) Ping(ctx context.Context, p Peer) error {
	resp, err := c.do(ctx, p, "ping", http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, p Peer, op, path string, out any) error {
	resp, err := c.do(ctx, p, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := c.decode(resp.Body, out); err != nil {
		return &UpstreamError{Peer: p.ID, Op: op, Err: err}
	}
	return nil
}

func (c *Client) decode(r io.Reader, out any) error {
	data, err := horosafe.LimitedReadAll(r, c.config.MaxJSONBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends one request and returns the response only for 2xx statuses.
func (c *Client) do(ctx context.Context, p Peer, op, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.Endpoint+path, body)
	if err != nil {
		return nil, &UpstreamError{Peer: p.ID, Op: op, Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := kit.GetTraceID(ctx); id != "" {
		req.Header.Set("X-Trace-ID", id)
	}
	if c.config.Credential != nil {
		tok, err := c.config.Credential()
		if err != nil {
			return nil, fmt.Errorf("federation: credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Peer: p.ID, Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &UpstreamError{Peer: p.ID, Op: op, Status: resp.StatusCode}
	}
	return resp, nil
}
