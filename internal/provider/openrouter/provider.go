// Package openrouter adapts the OpenAI-compatible protocol to the hosted
// aggregator: credential headers, attribution headers and billing-aware error
// classification.
package openrouter

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
	DefaultEndpoint      = "https://openrouter.ai/api/v1"
	DefaultFallbackModel = "openai/gpt-3.5-turbo"

	refererHeader = "http://localhost"
	titleHeader   = "modelgate"
	catalogTTL    = 10 * time.Minute
)

// Provider delegates the wire protocol to the OpenAI-compatible adapter.
type Provider struct {
	*openaiProvider.Provider
}

// New constructs the aggregator backend.
func New(desc models.BackendDescriptor, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(desc.Endpoint) == "" {
		desc.Endpoint = DefaultEndpoint
	}
	if desc.FallbackModel == "" {
		desc.FallbackModel = DefaultFallbackModel
	}

	adapter, err := openaiProvider.New(desc, client, openaiProvider.Options{
		APIBase: desc.Endpoint,
		Headers: map[string]string{
			"HTTP-Referer": refererHeader,
			"X-Title":      titleHeader,
		},
		Classify:          ClassifyError,
		CatalogTTL:        catalogTTL,
		RequireCredential: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize openai adapter: %w", err)
	}
	return &Provider{Provider: adapter}, nil
}

// ClassifyError maps aggregator responses. Billing and credential failures are
// never retried elsewhere.
func ClassifyError(status int, body []byte) *provider.Error {
	msg := provider.ErrorMessage(body)
	lower := strings.ToLower(msg)

	switch status {
	case http.StatusUnauthorized:
		return &provider.Error{Kind: provider.KindInvalidCredential, Message: "invalid api key: " + msg, Code: status}
	case http.StatusPaymentRequired:
		return &provider.Error{Kind: provider.KindInsufficientCredit, Message: "insufficient credits: " + msg, Code: status}
	case http.StatusTooManyRequests:
		return &provider.Error{Kind: provider.KindRateLimited, Message: "rate limit exceeded: " + msg, Code: status}
	}
	if strings.Contains(lower, "model not found") || strings.Contains(lower, "not a valid model") {
		return &provider.Error{Kind: provider.KindModelNotFound, Message: msg, Code: http.StatusNotFound}
	}
	return openaiProvider.ClassifyError(status, body)
}
