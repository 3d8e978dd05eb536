package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
)

// Request describes the repository state the advisor should reason about.
type Request struct {
	ProjectID   string `json:"project_id"`
	Branch      string `json:"branch"`
	CommitSHA   string `json:"commit_sha"`
	Environment string `json:"environment"`
	DiffSummary string `json:"diff_summary,omitempty"`
}

// Client calls the external suggestion engine. Its output is advisory only;
// nothing in the control plane blocks on or enforces it.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the advisor's base URL.
func New(base string, timeout time.Duration, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("suggestion engine base url is empty")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// Advise requests a non-binding deployment plan.
func (c *Client) Advise(ctx context.Context, req Request) (*domain.Advice, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode advise request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/advise", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("advisor request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("advisor returned %s", resp.Status)
	}

	var advice domain.Advice
	if err := json.NewDecoder(resp.Body).Decode(&advice); err != nil {
		return nil, fmt.Errorf("decode advice: %w", err)
	}
	if advice.Confidence < 0 {
		advice.Confidence = 0
	}
	if advice.Confidence > 1 {
		advice.Confidence = 1
	}
	return &advice, nil
}
