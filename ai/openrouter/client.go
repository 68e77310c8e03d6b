// Package openrouter is a client for the OpenRouter chat completions API,
// which routes OpenAI-compatible requests to many hosted models.
package openrouter

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
	// DefaultModel is the fallback model when none is specified
	// Should match the default in am/defaults.go for consistency
	DefaultModel = "openai/gpt-4o-mini"

	// BaseURL is the OpenRouter API endpoint
	BaseURL = "https://openrouter.ai/api/v1"
)

// Client represents an OpenRouter.ai API client
type Client struct {
	apiKey     string
	baseURL    string
	title      string
	httpClient *httpclient.SaferClient
}

// Config holds client configuration
type Config struct {
	APIKey  string
	BaseURL string        // empty = BaseURL
	Timeout time.Duration // empty = 120s
	Title   string        // X-Title header shown on the OpenRouter dashboard
}

// NewClient creates a new OpenRouter.ai client
func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = BaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	title := config.Title
	if title == "" {
		title = "docpipe"
	}

	return &Client{
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		title:      title,
		httpClient: httpclient.NewSaferClient(timeout),
	}
}

// ChatCompletionRequest represents a request to the chat completions endpoint
type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat asks the routed model for a JSON object.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Message represents a message in a chat completion.
// Content is json.RawMessage so it survives providers that answer with content arrays.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewTextMessage creates a Message with plain text content (serialized as a JSON string).
func NewTextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// TextContent extracts the plain text from Content.
func (m Message) TextContent() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return string(m.Content)
	}
	return s
}

// ChatCompletionResponse represents the response from chat completions
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is a non-200 answer from OpenRouter.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// CreateChatCompletion sends a chat completion request to OpenRouter. The raw
// response body is returned alongside the decoded response.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, []byte, error) {
	if c.apiKey == "" {
		return nil, nil, errors.New("OpenRouter API key not configured")
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", c.title)

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
		return nil, respBody, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, respBody, errors.Wrap(err, "failed to unmarshal response")
	}
	if len(chatResp.Choices) == 0 {
		return nil, respBody, errors.New("no response choices from OpenRouter")
	}

	return &chatResp, respBody, nil
}

// IsConfigured returns true if the client has a valid API key
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// SetHTTPClient allows overriding the HTTP client for testing
// ⚠️ WARNING: Only use this in tests. Production code should use the default SSRF-safer client.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// SetBaseURL points the client at another endpoint (tests, proxies).
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}
