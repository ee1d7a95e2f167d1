// Package ollama speaks the native Ollama chat API.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/provider/upstream"
)

const (
	DefaultEndpoint = "http://localhost:11434"

	catalogTTL    = 5 * time.Minute
	noThinkPrefix = "/no_think "
	defaultFinish = "stop"
	dataURIMarker = ";base64,"
)

// Provider implements the local daemon backend.
type Provider struct {
	desc    models.BackendDescriptor
	chatURL string
	tagsURL string
	client  *upstream.Client
	catalog *upstream.Catalog
}

// New constructs the local daemon backend.
func New(desc models.BackendDescriptor, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}
	endpoint := strings.TrimRight(strings.TrimSpace(desc.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	desc.Endpoint = endpoint

	client, err := upstream.New(httpClient, upstream.Options{
		Name:              desc.Name,
		MaxRetries:        desc.MaxRetries,
		BackoffBase:       desc.BackoffBase,
		BackoffMax:        desc.BackoffMax,
		RequestsPerMinute: desc.RequestsPerMinute,
		ProbeURL:          endpoint + "/api/version",
		Classify:          ClassifyError,
	})
	if err != nil {
		return nil, err
	}

	p := &Provider{
		desc:    desc,
		chatURL: endpoint + "/api/chat",
		tagsURL: endpoint + "/api/tags",
		client:  client,
	}
	p.catalog = upstream.NewCatalog(catalogTTL, p.fetchModels)
	return p, nil
}

func (p *Provider) Name() string {
	return p.desc.Name
}

func (p *Provider) Descriptor() models.BackendDescriptor {
	return p.desc
}

func (p *Provider) Ready() error {
	return nil
}

func (p *Provider) Probe(ctx context.Context) bool {
	return p.client.Probe(ctx)
}

func (p *Provider) ClassifyError(status int, body []byte) *provider.Error {
	return ClassifyError(status, body)
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	return p.catalog.Get(ctx)
}

func (p *Provider) fetchModels(ctx context.Context) ([]models.Model, error) {
	data, err := p.client.Get(ctx, p.tagsURL)
	if err != nil {
		return nil, fmt.Errorf("list models from %s: %w", p.desc.Name, err)
	}

	var result []models.Model
	gjson.GetBytes(data, "models").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("model").String()
		}
		if name == "" {
			return true
		}
		var created int64
		if ts, err := time.Parse(time.RFC3339Nano, m.Get("modified_at").String()); err == nil {
			created = ts.Unix()
		}
		result = append(result, models.Model{
			ID:       name,
			OwnedBy:  p.desc.Name,
			Provider: p.desc.Name,
			Created:  created,
		})
		return true
	})
	return result, nil
}

// Send posts to /api/chat.
func (p *Provider) Send(ctx context.Context, req models.ChatRequest) (*provider.Response, error) {
	payload, err := buildPayload(req, p.desc.ThinkingMode)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		body, err := p.client.Open(ctx, p.chatURL, payload)
		if err != nil {
			return nil, err
		}
		return &provider.Response{Body: body, Decoder: provider.ChunkDecoderFunc(DecodeLine)}, nil
	}

	data, err := p.client.Do(ctx, p.chatURL, payload, req.Timeout)
	if err != nil {
		return nil, err
	}
	return parseCompletion(data)
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

func buildPayload(req models.ChatRequest, thinking bool) ([]byte, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		out := ollamaMessage{Role: msg.Role, Content: msg.Text()}
		for _, part := range msg.Parts {
			if part.IsText() || part.URL == "" {
				continue
			}
			img := part.URL
			if i := strings.Index(img, dataURIMarker); i >= 0 {
				img = img[i+len(dataURIMarker):]
			}
			out.Images = append(out.Images, img)
		}
		if !thinking && msg.Role == models.RoleUser && !strings.HasPrefix(out.Content, noThinkPrefix) {
			out.Content = noThinkPrefix + out.Content
		}
		messages = append(messages, out)
	}

	payload := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		payload, err = sjson.SetBytes(payload, path, value)
	}
	set("model", req.Model)
	set("messages", messages)
	set("stream", req.Stream)
	set("options.temperature", req.Temperature)
	if req.MaxTokens != nil {
		set("options.num_predict", *req.MaxTokens)
	}
	if err != nil {
		return nil, fmt.Errorf("build payload: %w", err)
	}
	return payload, nil
}

func parseCompletion(data []byte) (*provider.Response, error) {
	if !gjson.ValidBytes(data) {
		return nil, provider.NewError(provider.KindUpstream, "backend returned invalid json")
	}
	parsed := gjson.ParseBytes(data)
	if errField := parsed.Get("error"); errField.Exists() {
		return nil, ClassifyError(http.StatusInternalServerError, data)
	}

	finish := parsed.Get("done_reason").String()
	if finish == "" {
		finish = defaultFinish
	}
	role := parsed.Get("message.role").String()
	if role == "" {
		role = models.RoleAssistant
	}
	return &provider.Response{Completion: &models.ChatResponse{
		Message: models.Message{Role: role, Content: parsed.Get("message.content").String()},
		Usage: models.Usage{
			PromptTokens:     int(parsed.Get("prompt_eval_count").Int()),
			CompletionTokens: int(parsed.Get("eval_count").Int()),
		},
		FinishReason: finish,
	}}, nil
}

// DecodeLine decodes one NDJSON line of a streaming /api/chat response.
func DecodeLine(line []byte) (provider.Chunk, bool) {
	if len(strings.TrimSpace(string(line))) == 0 || !gjson.ValidBytes(line) {
		return provider.Chunk{}, false
	}
	parsed := gjson.ParseBytes(line)

	if errField := parsed.Get("error"); errField.Exists() {
		return provider.Chunk{Err: ClassifyError(http.StatusInternalServerError, line)}, true
	}

	chunk := provider.Chunk{
		Content: parsed.Get("message.content").String(),
		Done:    parsed.Get("done").Bool(),
	}
	if chunk.Done {
		chunk.FinishReason = parsed.Get("done_reason").String()
		if chunk.FinishReason == "" {
			chunk.FinishReason = defaultFinish
		}
		chunk.Usage = &models.Usage{
			PromptTokens:     int(parsed.Get("prompt_eval_count").Int()),
			CompletionTokens: int(parsed.Get("eval_count").Int()),
		}
	}
	if chunk.Content == "" && !chunk.Done {
		return provider.Chunk{}, false
	}
	return chunk, true
}

// ClassifyError maps daemon error messages onto canonical kinds.
func ClassifyError(status int, body []byte) *provider.Error {
	msg := provider.ErrorMessage(body)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "no such file")):
		return &provider.Error{Kind: provider.KindModelNotFound, Message: msg, Code: http.StatusNotFound}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too long"):
		return &provider.Error{Kind: provider.KindContextTooLarge, Message: msg, Code: http.StatusRequestEntityTooLarge}
	case strings.Contains(lower, "unable to load") || strings.Contains(lower, "invalid file magic") || strings.Contains(lower, "corrupt"):
		return &provider.Error{Kind: provider.KindModelCorrupted, Message: msg, Code: http.StatusInternalServerError}
	}
	return provider.ClassifyStatus(status, msg)
}
