package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

var (
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
	errInvalidNumber  = errors.New("invalid sampling parameter")
)

// Tool messages are rejected: tool calling is not forwarded to backends.
var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Fields the gateway does not forward are accepted and ignored.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		Stream      bool          `json:"stream"`
		MaxTokens   *int          `json:"max_tokens"`
		Temperature *float64      `json:"temperature"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", errInvalidNumber)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", errInvalidNumber)
	}
	return nil
}

// ToCanonical converts the OpenAI request into the canonical format. An empty
// model is resolved to the backend default by the router.
func (r ChatCompletionRequest) ToCanonical() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:    m.Role,
			Content: m.Content,
			Parts:   m.Parts,
			Name:    m.Name,
		})
	}

	req := models.ChatRequest{
		Model:     r.Model,
		Messages:  msgs,
		Stream:    r.Stream,
		MaxTokens: r.MaxTokens,
	}
	if r.Temperature != nil {
		req.Temperature = *r.Temperature
	} else {
		req.Temperature = DefaultTemperature
	}
	return req
}

// DefaultTemperature applies when the client omits temperature.
const DefaultTemperature = 0.7

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []models.Part
	Name    string
}

// UnmarshalJSON supports string and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Parts = parts
	m.Name = strings.TrimSpace(raw.Name)

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %q", errInvalidRole, m.Role)
	}
	if m.Role != models.RoleAssistant && strings.TrimSpace(m.Content) == "" && len(m.Parts) == 0 {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

// extractMessageContent returns plain text for string content, or the joined
// text plus the original parts for structured content.
func extractMessageContent(raw json.RawMessage) (string, []models.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		parts := make([]models.Part, 0, len(segments))
		for _, seg := range segments {
			if seg.Type == "" {
				return "", nil, fmt.Errorf("%w: content part without type", errInvalidContent)
			}
			part := models.Part{Type: seg.Type, Text: seg.Text}
			if seg.ImageURL != nil {
				part.URL = seg.ImageURL.URL
			}
			parts = append(parts, part)
		}
		msg := models.Message{Parts: parts}
		return msg.Text(), parts, nil
	}

	return "", nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   OpenAIUsage  `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a buffered response.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletionID returns a fresh OpenAI-style completion id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// FromCanonicalChat constructs the OpenAI response shape. The display model is
// echoed rather than the backend-local name.
func FromCanonicalChat(displayModel string, createdUnix int64, resp *models.ChatResponse) ChatCompletionResponse {
	id := resp.ID
	if id == "" {
		id = NewCompletionID()
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   displayModel,
		Choices: []ChatChoice{{
			Index: 0,
			Message: ResponseMessage{
				Role:    models.RoleAssistant,
				Content: resp.Message.Content,
			},
			FinishReason: finish,
		}},
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.Total(),
		},
	}
}

// ModelList is the GET /v1/models payload.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry is one listed model.
type ModelEntry struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Created  int64  `json:"created"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"provider"`
}

// FromModels builds the model listing. Entries without a creation time get
// createdUnix.
func FromModels(list []models.Model, createdUnix int64) ModelList {
	out := ModelList{Object: "list", Data: make([]ModelEntry, 0, len(list))}
	for _, m := range list {
		created := m.Created
		if created == 0 {
			created = createdUnix
		}
		out.Data = append(out.Data, ModelEntry{
			ID:       m.ID,
			Object:   "model",
			Created:  created,
			OwnedBy:  m.OwnedBy,
			Provider: m.Provider,
		})
	}
	return out
}

// ErrorEnvelope is the error body for both buffered responses and the final
// frame of a failed stream.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the client-facing error fields.
type ErrorDetail struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Type    string `json:"type,omitempty"`
}

// NewErrorEnvelope renders a canonical error. Internal errors never expose
// their cause.
func NewErrorEnvelope(err *provider.Error) ErrorEnvelope {
	msg := err.Message
	if err.Kind == provider.KindInternal {
		msg = "internal server error"
	}
	return ErrorEnvelope{Error: ErrorDetail{
		Message: msg,
		Code:    err.StatusCode(),
		Type:    string(err.Kind),
	}}
}
