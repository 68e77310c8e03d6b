// Package anthropic is a minimal client for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/httpclient"
)

const (
	// DefaultModel is the default Claude model
	DefaultModel = "claude-sonnet-4-20250514"

	// BaseURL is the Anthropic API endpoint
	BaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"

	// DefaultMaxTokens is sent when the caller does not set max_tokens, which the API requires
	DefaultMaxTokens = 4096
)

// Client represents an Anthropic API client
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *httpclient.SaferClient
}

// Config holds Anthropic client configuration
type Config struct {
	APIKey  string
	BaseURL string        // empty = BaseURL
	Timeout time.Duration // empty = 180s
}

// NewClient creates a new Anthropic API client
func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = BaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	return &Client{
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		httpClient: httpclient.NewSaferClient(timeout),
	}
}

// MessagesRequest represents a request to the Anthropic Messages API
type MessagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	Messages      []Message `json:"messages"`
	System        string    `json:"system,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MessagesResponse represents the response from the Messages API
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// ContentBlock represents a content block in the response
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text joins the text blocks of the response.
func (r *MessagesResponse) Text() string {
	var content strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(content.String())
}

// APIError is a non-200 answer from the API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("anthropic API request failed with status %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("anthropic API request failed with status %d: %s", e.StatusCode, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateMessage sends a request to the Messages API. The raw response body is
// returned alongside the decoded response.
func (c *Client) CreateMessage(ctx context.Context, req MessagesRequest) (*MessagesResponse, []byte, error) {
	if c.apiKey == "" {
		return nil, nil, errors.New("anthropic API key not configured")
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var envelope errorEnvelope
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Type = envelope.Error.Type
			apiErr.Message = envelope.Error.Message
		}
		return nil, respBody, apiErr
	}

	var messagesResp MessagesResponse
	if err := json.Unmarshal(respBody, &messagesResp); err != nil {
		return nil, respBody, errors.Wrap(err, "failed to unmarshal response")
	}

	return &messagesResp, respBody, nil
}

// IsConfigured returns true if the client has a valid API key
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// SetHTTPClient allows overriding the HTTP client for testing
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// SetBaseURL points the client at another endpoint (tests, proxies).
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}
