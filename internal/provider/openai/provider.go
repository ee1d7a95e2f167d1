// Package openai implements the OpenAI-compatible chat protocol shared by the
// cloud aggregator and local server backends.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/provider/upstream"
)

const defaultCatalogTTL = 10 * time.Minute

// Options customise the protocol for a concrete backend.
type Options struct {
	// APIBase is the URL that chat/completions and models hang off.
	APIBase           string
	Headers           map[string]string
	Classify          func(status int, body []byte) *provider.Error
	CatalogTTL        time.Duration
	RequireCredential bool
}

// Provider speaks the OpenAI chat completions protocol.
type Provider struct {
	desc     models.BackendDescriptor
	opts     Options
	chatURL  string
	client   *upstream.Client
	sdk      sdk.Client
	catalog  *upstream.Catalog
	classify func(status int, body []byte) *provider.Error
}

// New creates a new OpenAI-compatible provider.
func New(desc models.BackendDescriptor, httpClient *http.Client, opts Options) (*Provider, error) {
	if httpClient == nil {
		return nil, errors.New("http client must not be nil")
	}

	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = strings.TrimRight(desc.Endpoint, "/")
	}
	if base == "" {
		return nil, errors.New("base url must not be empty")
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = defaultCatalogTTL
	}

	classify := opts.Classify
	if classify == nil {
		classify = ClassifyError
	}

	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if desc.Credential != "" {
		headers["Authorization"] = "Bearer " + desc.Credential
	}

	client, err := upstream.New(httpClient, upstream.Options{
		Name:              desc.Name,
		MaxRetries:        desc.MaxRetries,
		BackoffBase:       desc.BackoffBase,
		BackoffMax:        desc.BackoffMax,
		RequestsPerMinute: desc.RequestsPerMinute,
		ProbeURL:          base + "/models",
		Headers:           headers,
		Classify:          classify,
	})
	if err != nil {
		return nil, err
	}

	sdkOpts := []option.RequestOption{
		option.WithBaseURL(base + "/"),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if desc.Credential != "" {
		sdkOpts = append(sdkOpts, option.WithAPIKey(desc.Credential))
	}
	for k, v := range opts.Headers {
		sdkOpts = append(sdkOpts, option.WithHeader(k, v))
	}

	p := &Provider{
		desc:     desc,
		opts:     opts,
		chatURL:  base + "/chat/completions",
		client:   client,
		sdk:      sdk.NewClient(sdkOpts...),
		classify: classify,
	}
	p.catalog = upstream.NewCatalog(opts.CatalogTTL, p.fetchModels)
	return p, nil
}

func (p *Provider) Name() string {
	return p.desc.Name
}

func (p *Provider) Descriptor() models.BackendDescriptor {
	return p.desc
}

func (p *Provider) Ready() error {
	if p.opts.RequireCredential && strings.TrimSpace(p.desc.Credential) == "" {
		return fmt.Errorf("backend %s requires an api key", p.desc.Name)
	}
	return nil
}

func (p *Provider) Probe(ctx context.Context) bool {
	return p.client.Probe(ctx)
}

func (p *Provider) ClassifyError(status int, body []byte) *provider.Error {
	return p.classify(status, body)
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	return p.catalog.Get(ctx)
}

func (p *Provider) fetchModels(ctx context.Context) ([]models.Model, error) {
	page, err := p.sdk.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models from %s: %w", p.desc.Name, err)
	}

	result := make([]models.Model, 0, len(page.Data))
	for _, m := range page.Data {
		ownedBy := m.OwnedBy
		if ownedBy == "" {
			ownedBy = p.desc.Name
		}
		result = append(result, models.Model{
			ID:       m.ID,
			OwnedBy:  ownedBy,
			Provider: p.desc.Name,
			Created:  m.Created,
		})
	}
	return result, nil
}

// Send posts the request to chat/completions.
func (p *Provider) Send(ctx context.Context, req models.ChatRequest) (*provider.Response, error) {
	if err := p.Ready(); err != nil {
		return nil, provider.Wrap(provider.KindInvalidCredential, err.Error(), err)
	}

	payload, err := json.Marshal(buildChatPayload(req))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if req.Stream {
		body, err := p.client.Open(ctx, p.chatURL, payload)
		if err != nil {
			return nil, err
		}
		return &provider.Response{Body: body, Decoder: provider.ChunkDecoderFunc(DecodeSSE)}, nil
	}

	data, err := p.client.Do(ctx, p.chatURL, payload, req.Timeout)
	if err != nil {
		return nil, err
	}
	completion, err := ParseCompletion(data)
	if err != nil {
		return nil, err
	}
	return &provider.Response{Completion: completion}, nil
}

// ClassifyError applies the generic status mapping plus body hints common to
// OpenAI-compatible servers.
func ClassifyError(status int, body []byte) *provider.Error {
	msg := provider.ErrorMessage(body)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "model not found"), strings.Contains(lower, "not a valid model"),
		strings.Contains(lower, "does not exist"):
		return &provider.Error{Kind: provider.KindModelNotFound, Message: msg, Code: http.StatusNotFound}
	case strings.Contains(lower, "context length"), strings.Contains(lower, "maximum context"),
		strings.Contains(lower, "too long"):
		return &provider.Error{Kind: provider.KindContextTooLarge, Message: msg, Code: http.StatusRequestEntityTooLarge}
	}
	return provider.ClassifyStatus(status, msg)
}
