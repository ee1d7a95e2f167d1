package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/models"
	"modelgate/internal/provider"
	llamacppProvider "modelgate/internal/provider/llamacpp"
	ollamaProvider "modelgate/internal/provider/ollama"
	openrouterProvider "modelgate/internal/provider/openrouter"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	defaultHeaderTimeout   = 120 * time.Second
	maxConnsPerHost        = 8
)

// RegisterConfiguredBackends constructs backends from configuration and stores
// them in the registry in priority order. Disabled backends are skipped.
func RegisterConfiguredBackends(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	for _, bc := range cfg.Backends {
		desc, err := bc.Descriptor()
		if err != nil {
			return err
		}
		if !desc.Enabled {
			slog.Info("backend disabled, skipping", "backend", desc.Name)
			continue
		}

		backend, err := New(desc, newHTTPClient())
		if err != nil {
			return fmt.Errorf("initialise %s backend: %w", desc.Name, err)
		}
		if err := registry.Register(backend); err != nil {
			return fmt.Errorf("register %s backend: %w", desc.Name, err)
		}
	}

	var priority []string
	for _, name := range cfg.Routing.ProviderPriority {
		if _, err := registry.Lookup(name); err == nil {
			priority = append(priority, name)
		}
	}
	return registry.SetPriority(priority)
}

// New builds the adapter for the descriptor's kind.
func New(desc models.BackendDescriptor, client *http.Client) (provider.Backend, error) {
	switch desc.Kind {
	case models.KindLocalDaemon:
		return ollamaProvider.New(desc, client)
	case models.KindCloudAggregator:
		return openrouterProvider.New(desc, client)
	case models.KindLocalServer:
		return llamacppProvider.New(desc, client)
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", desc.Kind)
	}
}

// newHTTPClient returns a client without an overall timeout so streams can run
// long; attempts are bounded by context deadlines and the header timeout.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: defaultHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
