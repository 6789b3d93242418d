package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// maxErrorBody bounds how much of a non-2xx upstream body is kept.
const maxErrorBody = 64 * 1024

// StatusError is returned by Send when the upstream answers with a non-2xx
// status. Body holds at most the first 64 KiB of the response.
type StatusError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, string(e.Body))
}

// Client sends chat completion requests to a single upstream endpoint.
type Client struct {
	// endpoint is the full URL every request is posted to, e.g.
	// "https://api.openai.com/v1/chat/completions". It never depends on the
	// inbound request.
	endpoint  string
	transport http.RoundTripper
}

// NewClient constructs a Client for endpoint. proxyURL may be empty to use
// the default environment proxy.
func NewClient(endpoint, proxyURL string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &Client{endpoint: endpoint, transport: transport}
}

// Endpoint returns the upstream URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send posts body unchanged to the upstream endpoint with token as the bearer
// credential. There is no retry and no client timeout: ctx bounds the whole
// exchange, including reading the returned body. On success the caller owns
// resp.Body.
func (c *Client) Send(ctx context.Context, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        raw,
		}
	}
	return resp, nil
}

// SendChat marshals req and sends it with Send.
func (c *Client) SendChat(ctx context.Context, token string, req *ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.Send(ctx, token, bytes.NewReader(body))
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
