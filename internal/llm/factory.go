package llm

import (
	"fmt"
	"os"
	"strings"
)

// NewClientForModel routes a model id to its provider adapter by
// prefix and pulls the provider key from the environment. The roster
// in configuration names models, not providers; this keeps the mapping
// in one place.
func NewClientForModel(modelID string) (Client, error) {
	switch {
	case strings.HasPrefix(modelID, "claude"):
		return newWithKey("ANTHROPIC_API_KEY", modelID, func(key string) Client {
			return NewAnthropicClient(key, modelID)
		})
	case strings.HasPrefix(modelID, "gpt") || strings.HasPrefix(modelID, "o"):
		return newWithKey("OPENAI_API_KEY", modelID, func(key string) Client {
			return NewOpenAIClient(key, modelID)
		})
	case strings.HasPrefix(modelID, "gemini"):
		return newWithKey("GEMINI_API_KEY", modelID, func(key string) Client {
			return NewGeminiClient(key, modelID)
		})
	case strings.HasPrefix(modelID, "grok"):
		return newWithKey("XAI_API_KEY", modelID, func(key string) Client {
			return NewXAIClient(key, modelID)
		})
	}
	return nil, fmt.Errorf("no provider adapter for model %q", modelID)
}

func newWithKey(envVar, modelID string, build func(string) Client) (Client, error) {
	key := os.Getenv(envVar)
	if key == "" {
		return nil, fmt.Errorf("model %s requires %s", modelID, envVar)
	}
	return build(key), nil
}

// Roster builds clients for a list of model ids, preserving order.
func Roster(modelIDs []string) (map[string]Client, error) {
	clients := make(map[string]Client, len(modelIDs))
	for _, id := range modelIDs {
		client, err := NewClientForModel(id)
		if err != nil {
			return nil, err
		}
		clients[id] = client
	}
	return clients, nil
}
