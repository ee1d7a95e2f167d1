// Package providertest provides an in-memory Backend for tests of the routing
// and streaming layers.
package providertest

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

// Backend is a scriptable provider.Backend.
type Backend struct {
	Desc      models.BackendDescriptor
	SendFunc  func(ctx context.Context, req models.ChatRequest) (*provider.Response, error)
	ProbeFunc func(ctx context.Context) bool
	ReadyErr  error
	Models    []models.Model

	mu     sync.Mutex
	calls  []models.ChatRequest
	probes atomic.Int64
}

// New returns a healthy backend that echoes the last user message.
func New(name string, kind models.BackendKind) *Backend {
	return &Backend{
		Desc: models.BackendDescriptor{
			Name:         name,
			Kind:         kind,
			Enabled:      true,
			ModelAliases: map[string]string{},
		},
	}
}

func (b *Backend) Name() string { return b.Desc.Name }

func (b *Backend) Descriptor() models.BackendDescriptor { return b.Desc }

func (b *Backend) Ready() error { return b.ReadyErr }

func (b *Backend) ClassifyError(status int, body []byte) *provider.Error {
	return provider.ClassifyStatus(status, provider.ErrorMessage(body))
}

func (b *Backend) Probe(ctx context.Context) bool {
	b.probes.Add(1)
	if b.ProbeFunc != nil {
		return b.ProbeFunc(ctx)
	}
	return true
}

func (b *Backend) ListModels(ctx context.Context) ([]models.Model, error) {
	out := make([]models.Model, len(b.Models))
	copy(out, b.Models)
	return out, nil
}

func (b *Backend) Send(ctx context.Context, req models.ChatRequest) (*provider.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()

	if b.SendFunc != nil {
		return b.SendFunc(ctx, req)
	}
	reply := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			reply = req.Messages[i].Text()
			break
		}
	}
	if req.Stream {
		return Stream(Line(reply, false), Line("", true)), nil
	}
	return Completion(reply, 10, 5), nil
}

// Calls returns the requests seen by Send.
func (b *Backend) Calls() []models.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ChatRequest, len(b.calls))
	copy(out, b.calls)
	return out
}

// Probes returns how many times Probe ran.
func (b *Backend) Probes() int64 {
	return b.probes.Load()
}

// Completion builds a buffered response.
func Completion(content string, prompt, completion int) *provider.Response {
	return &provider.Response{Completion: &models.ChatResponse{
		Message:      models.Message{Role: models.RoleAssistant, Content: content},
		Usage:        models.Usage{PromptTokens: prompt, CompletionTokens: completion},
		FinishReason: "stop",
	}}
}

// Line renders one line of the fake stream format.
func Line(content string, done bool) string {
	if done {
		return `{"content":` + quote(content) + `,"done":true}`
	}
	return `{"content":` + quote(content) + `}`
}

// ErrorLine renders a mid-stream error line.
func ErrorLine(kind provider.Kind, message string) string {
	return `{"error":` + quote(message) + `,"kind":` + quote(string(kind)) + `}`
}

// Stream builds a streaming response over the given lines.
func Stream(lines ...string) *provider.Response {
	return StreamFrom(io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")))
}

// StreamFrom wraps an arbitrary body with the fake line decoder.
func StreamFrom(body io.ReadCloser) *provider.Response {
	return &provider.Response{Body: body, Decoder: provider.ChunkDecoderFunc(Decode)}
}

// Decode parses the fake stream format.
func Decode(line []byte) (provider.Chunk, bool) {
	if !gjson.ValidBytes(line) || len(strings.TrimSpace(string(line))) == 0 {
		return provider.Chunk{}, false
	}
	parsed := gjson.ParseBytes(line)
	if msg := parsed.Get("error"); msg.Exists() {
		kind := provider.Kind(parsed.Get("kind").String())
		if kind == "" {
			kind = provider.KindUpstream
		}
		return provider.Chunk{Err: provider.NewError(kind, msg.String())}, true
	}
	chunk := provider.Chunk{
		Content:      parsed.Get("content").String(),
		Done:         parsed.Get("done").Bool(),
		FinishReason: parsed.Get("finish").String(),
	}
	if chunk.Content == "" && !chunk.Done {
		return provider.Chunk{}, false
	}
	return chunk, true
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
