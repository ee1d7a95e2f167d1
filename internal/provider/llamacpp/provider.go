// Package llamacpp adapts the OpenAI-compatible protocol to a local
// llama.cpp server, which serves a single loaded model.
package llamacpp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"modelgate/internal/models"
	"modelgate/internal/provider"
	openaiProvider "modelgate/internal/provider/openai"
)

const (
	DefaultEndpoint = "http://localhost:8080"
	DefaultModel    = "default"

	catalogTTL = 5 * time.Minute
)

// Provider delegates the wire protocol to the OpenAI-compatible adapter.
type Provider struct {
	*openaiProvider.Provider
}

// New constructs the local server backend.
func New(desc models.BackendDescriptor, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	endpoint := strings.TrimRight(strings.TrimSpace(desc.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	desc.Endpoint = endpoint
	if desc.DefaultModel == "" {
		desc.DefaultModel = DefaultModel
	}

	adapter, err := openaiProvider.New(desc, client, openaiProvider.Options{
		APIBase:    endpoint + "/v1",
		Classify:   ClassifyError,
		CatalogTTL: catalogTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize openai adapter: %w", err)
	}
	return &Provider{Provider: adapter}, nil
}

// ClassifyError maps llama.cpp server responses.
func ClassifyError(status int, body []byte) *provider.Error {
	msg := provider.ErrorMessage(body)
	lower := strings.ToLower(msg)

	switch {
	case status < 500 && (strings.Contains(lower, "context") || strings.Contains(lower, "length")):
		return &provider.Error{Kind: provider.KindContextTooLarge, Message: "context too large: " + msg, Code: http.StatusRequestEntityTooLarge}
	case status == http.StatusServiceUnavailable:
		return &provider.Error{Kind: provider.KindUpstream, Message: "model is loading: " + msg, Code: status}
	case status == http.StatusNotFound:
		return &provider.Error{Kind: provider.KindModelNotFound, Message: msg, Code: status}
	case status == http.StatusBadRequest:
		return &provider.Error{Kind: provider.KindBadRequest, Message: msg, Code: status}
	}
	return provider.ClassifyStatus(status, msg)
}
