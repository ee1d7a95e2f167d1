package openai

import (
	"encoding/json"
	"errors"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// buildChatPayload converts a canonical request into the wire payload.
// Structured content is flattened to text; non-text parts are dropped.
func buildChatPayload(req models.ChatRequest) chatPayload {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		flat := msg.Flatten()
		messages = append(messages, openAIMessage{Role: flat.Role, Content: flat.Content, Name: flat.Name})
	}

	return chatPayload{
		Model:       req.Model,
		Messages:    messages,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ParseCompletion decodes a buffered chat/completions response.
func ParseCompletion(data []byte) (*models.ChatResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, provider.Wrap(provider.KindUpstream, "decode backend response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Wrap(provider.KindUpstream, "backend response did not include choices", errors.New("empty choices"))
	}

	choice := resp.Choices[0]
	role := choice.Message.Role
	if role == "" {
		role = models.RoleAssistant
	}
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}

	out := &models.ChatResponse{
		ID:           resp.ID,
		Message:      models.Message{Role: role, Content: choice.Message.Content},
		FinishReason: finish,
	}
	if resp.Usage != nil {
		out.Usage = models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}
