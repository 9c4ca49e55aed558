package workflow

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"workflow-graph/api/pkg/xjson"
)

// ModelRequest is a single model invocation.
type ModelRequest struct {
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	UserMessage  string   `json:"userMessage"`
	Images       []string `json:"images,omitempty"`
}

// ModelClient generates text for a model request.
type ModelClient interface {
	Generate(ctx context.Context, req ModelRequest) (string, error)
}

// EchoModelClient answers without any network access. It is used when no
// model endpoint is configured.
type EchoModelClient struct{}

func (EchoModelClient) Generate(_ context.Context, req ModelRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", req.Model, req.UserMessage)
	if len(req.Images) > 0 {
		fmt.Fprintf(&b, " (%d images)", len(req.Images))
	}
	return b.String(), nil
}

// HTTPModelClient posts model requests as JSON to an inference gateway.
type HTTPModelClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPModelClient returns a client for endpoint with the given timeout.
func NewHTTPModelClient(endpoint, apiKey string, timeout time.Duration) *HTTPModelClient {
	return &HTTPModelClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// modelResponse is the relevant subset of the gateway response.
type modelResponse struct {
	Text string `json:"text"`
}

// Generate sends req and returns the generated text.
func (c *HTTPModelClient) Generate(ctx context.Context, req ModelRequest) (string, error) {
	body, err := xjson.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model endpoint returned status %d", resp.StatusCode)
	}

	var result modelResponse
	if err := xjson.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	return result.Text, nil
}
