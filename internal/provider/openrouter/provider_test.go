package openrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   provider.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"No auth credentials found"}}`, provider.KindInvalidCredential},
		{"payment", http.StatusPaymentRequired, `{"error":{"message":"Insufficient credits"}}`, provider.KindInsufficientCredit},
		{"rate", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, provider.KindRateLimited},
		{"unknown model", http.StatusBadRequest, `{"error":{"message":"foo/bar is not a valid model ID"}}`, provider.KindModelNotFound},
		{"server", http.StatusInternalServerError, `{"error":{"message":"internal"}}`, provider.KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.status, []byte(tt.body))
			if got.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.want)
			}
			if got.Kind.Fallbackable() && tt.status < 500 {
				t.Fatalf("%s must not be fallbackable", got.Kind)
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	p, err := New(models.BackendDescriptor{Name: "openrouter"}, http.DefaultClient)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	desc := p.Descriptor()
	if desc.Endpoint != DefaultEndpoint {
		t.Fatalf("endpoint = %q", desc.Endpoint)
	}
	if desc.FallbackModel != DefaultFallbackModel {
		t.Fatalf("fallback = %q", desc.FallbackModel)
	}
	if p.Ready() == nil {
		t.Fatal("expected missing credential to make backend unready")
	}
}

func TestSendsAttributionHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		if r.Header.Get("HTTP-Referer") == "" || r.Header.Get("X-Title") == "" {
			t.Errorf("missing attribution headers: %v", r.Header)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p, err := New(models.BackendDescriptor{Name: "openrouter", Endpoint: srv.URL, Credential: "k", BackoffBase: time.Millisecond}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Send(context.Background(), models.ChatRequest{Model: "openai/gpt-4o", Messages: []models.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Completion.Message.Content != "ok" {
		t.Fatalf("content = %q", resp.Completion.Message.Content)
	}
}
