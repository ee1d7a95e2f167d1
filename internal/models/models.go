package models

import (
	"strings"
	"time"
)

// Roles accepted in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part is one element of structured message content.
type Part struct {
	Type string // "text" or a non-text kind such as "image_url"
	Text string
	URL  string
}

// IsText reports whether the part carries inline text.
func (p Part) IsText() bool {
	return p.Type == "" || p.Type == "text"
}

// Message represents a single conversational message in the canonical schema.
// Content holds plain text; Parts is set when the client sent structured content.
type Message struct {
	Role    string
	Content string
	Parts   []Part
	Name    string
}

// Text flattens the message to a single string. Non-text parts are elided.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.IsText() && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// NonTextParts counts parts that are not inline text.
func (m Message) NonTextParts() int {
	n := 0
	for _, p := range m.Parts {
		if !p.IsText() {
			n++
		}
	}
	return n
}

// Flatten returns a copy with structured content reduced to text.
func (m Message) Flatten() Message {
	return Message{Role: m.Role, Content: m.Text(), Name: m.Name}
}

// ChatRequest is the canonical representation of a chat completion.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   *int
	Stream      bool
	Timeout     time.Duration
}

// WithMessages returns a shallow copy carrying a different message list.
func (r ChatRequest) WithMessages(msgs []Message) ChatRequest {
	out := r
	out.Messages = msgs
	return out
}

// WithStream returns a copy with the stream flag replaced.
func (r ChatRequest) WithStream(stream bool) ChatRequest {
	out := r
	out.Stream = stream
	return out
}

// ChatResponse captures a buffered backend response in the canonical schema.
type ChatResponse struct {
	ID           string
	Message      Message
	Usage        Usage
	FinishReason string
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Add accumulates another usage block.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
}

// Model identifies a model in a backend's catalog.
type Model struct {
	ID       string
	OwnedBy  string
	Provider string
	Created  int64
}

// BackendKind enumerates supported backend wire protocols.
type BackendKind string

const (
	KindLocalDaemon     BackendKind = "local-daemon"
	KindCloudAggregator BackendKind = "cloud-aggregator"
	KindLocalServer     BackendKind = "local-server"
)

// BackendDescriptor is the static identity of a configured backend.
type BackendDescriptor struct {
	Name              string
	Kind              BackendKind
	Endpoint          string
	Credential        string
	ModelAliases      map[string]string
	DefaultModel      string
	FallbackModel     string
	Enabled           bool
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RequestsPerMinute int
	ThinkingMode      bool
}

// RouteDecision records where a request was sent.
type RouteDecision struct {
	Backend       string
	ResolvedModel string
	DisplayModel  string
	IsFallback    bool
}

// EventType enumerates canonical stream events.
type EventType int

const (
	EventRole EventType = iota
	EventContent
	EventKeepalive
	EventFinish
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventRole:
		return "role"
	case EventContent:
		return "content"
	case EventKeepalive:
		return "keepalive"
	case EventFinish:
		return "finish"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends a stream.
func (t EventType) Terminal() bool {
	return t == EventFinish || t == EventError
}

// StreamEvent is the canonical outgoing unit of a streamed response.
type StreamEvent struct {
	Type         EventType
	Content      string
	FinishReason string
	ErrMessage   string
	ErrCode      int
	ErrType      string
	At           time.Time
}
