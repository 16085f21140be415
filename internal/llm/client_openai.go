package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ChatClient talks to any chat-completions-compatible endpoint. OpenAI
// and xAI share the wire format; only base URL and key differ.
type ChatClient struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient builds a client for one OpenAI model.
func NewOpenAIClient(apiKey, model string) *ChatClient {
	return &ChatClient{
		name:       "openai",
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      model,
		httpClient: &http.Client{},
	}
}

// NewXAIClient builds a client for one xAI Grok model.
func NewXAIClient(apiKey, model string) *ChatClient {
	return &ChatClient{
		name:       "xai",
		apiKey:     apiKey,
		baseURL:    "https://api.x.ai/v1",
		model:      model,
		httpClient: &http.Client{},
	}
}

func (c *ChatClient) ModelID() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Ask sends one prompt and returns the completion text.
func (c *ChatClient) Ask(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: API key not configured", c.name)
	}

	messages := make([]chatMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	}

	data, err := postJSON(ctx, c.httpClient, c.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.name, c.model, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%s %s: parse response: %w", c.name, c.model, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%s %s: API error: %s", c.name, c.model, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s %s: no completion returned", c.name, c.model)
	}

	return &Response{
		Content:      strings.TrimSpace(parsed.Choices[0].Message.Content),
		FinishReason: parsed.Choices[0].FinishReason,
		Usage:        parsed.Usage,
		Raw:          data,
	}, nil
}
