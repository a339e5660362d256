package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/server/types"
	"mercator-hq/secretsrouter/pkg/telemetry/tracing"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTracer propagates trace context on outgoing requests.
func WithTracer(t *tracing.Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// Client calls the approval API of a running secrets router.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	tracer  *tracing.Tracer
}

// NewClient creates a client for the server at baseURL. token is sent as
// a bearer credential; the server decides approver rights from it.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = c.tracer.InstrumentClient(c.http)
	return c, nil
}

// ListApprovals returns approval requests visible to the caller.
func (c *Client) ListApprovals(ctx context.Context, f approval.Filter) ([]*approval.Request, error) {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", string(f.State))
	}
	if f.Principal != "" {
		q.Set("principal", f.Principal)
	}
	if f.Group != "" {
		q.Set("group", f.Group)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/approvals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list types.ApprovalList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Approvals, nil
}

// GetApproval returns one approval request.
func (c *Client) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	var r approval.Request
	if err := c.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Approve approves a pending request as the authenticated caller.
func (c *Client) Approve(ctx context.Context, id, comment string) (*approval.Request, error) {
	return c.decide(ctx, id, "approve", comment)
}

// Deny denies a pending request as the authenticated caller.
func (c *Client) Deny(ctx context.Context, id, comment string) (*approval.Request, error) {
	return c.decide(ctx, id, "deny", comment)
}

func (c *Client) decide(ctx context.Context, id, action, comment string) (*approval.Request, error) {
	body, err := json.Marshal(types.DecisionRequest{Comment: comment})
	if err != nil {
		return nil, err
	}
	var r approval.Request
	path := "/approvals/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body types.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		apiErr.Type = body.Error.Type
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		apiErr.RequestID = body.Error.RequestID
		apiErr.ApprovalID = body.Error.ApprovalID
	}
	return apiErr
}
