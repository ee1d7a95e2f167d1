package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/health"
	"modelgate/internal/models"
	"modelgate/internal/observe"
	"modelgate/internal/provider"
	"modelgate/internal/provider/providertest"
	"modelgate/internal/router"
	"modelgate/internal/translator"
)

type fixture struct {
	handler http.Handler
	history *observe.History
}

func newFixture(t *testing.T, apiKey string, backends ...*providertest.Backend) fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Server.APIKey = apiKey
	for _, b := range backends {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{Name: b.Name(), Kind: string(b.Desc.Kind)})
	}

	reg := provider.NewRegistry()
	for _, b := range backends {
		if err := reg.Register(b); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	rt := router.New(reg, health.New(time.Minute, time.Second), router.Options{Fallback: true})
	history := observe.NewHistory(10)

	srv, err := New(cfg, rt, history)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{handler: srv.Handler(), history: history}
}

func (f fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) translator.ErrorEnvelope {
	t.Helper()
	var env translator.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "", providertest.New("ollama", models.KindLocalDaemon))
	rec := f.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionBuffered(t *testing.T) {
	b := providertest.New("ollama", models.KindLocalDaemon)
	b.Models = []models.Model{{ID: "llama3:latest"}}
	f := newFixture(t, "", b)

	rec := f.do(http.MethodPost, "/v1/chat/completions", `{"model":"llama3","messages":[{"role":"user","content":"ping"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp translator.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Model != "llama3" || resp.Choices[0].Message.Content != "ping" || resp.Usage.TotalTokens != 15 {
		t.Fatalf("resp = %+v", resp)
	}

	hist := f.history.Recent(0)
	if len(hist) != 1 || hist[0].Backend != "ollama" || hist[0].ResolvedModel != "llama3:latest" || hist[0].Status != 200 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	f := newFixture(t, "", providertest.New("ollama", models.KindLocalDaemon))

	rec := f.do(http.MethodPost, "/v1/chat/completions", `{"model":"m","stream":true,"messages":[{"role":"user","content":"hello there"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated: %q", body)
	}
	if strings.Count(body, `"role":"assistant"`) != 1 || strings.Count(body, `"finish_reason":"stop"`) != 1 {
		t.Fatalf("unexpected frames: %q", body)
	}

	var content strings.Builder
	for _, frame := range strings.Split(body, "\n\n") {
		data, ok := strings.CutPrefix(frame, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk translator.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("frame %q: %v", data, err)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	if content.String() != "hello there" {
		t.Fatalf("content = %q", content.String())
	}
}

func TestStreamingErrorBeforeStream(t *testing.T) {
	b := providertest.New("openrouter", models.KindCloudAggregator)
	b.SendFunc = func(context.Context, models.ChatRequest) (*provider.Response, error) {
		return nil, provider.NewError(provider.KindInvalidCredential, "bad key")
	}
	f := newFixture(t, "", b)

	rec := f.do(http.MethodPost, "/v1/chat/completions", `{"model":"m","stream":true,"messages":[{"role":"user","content":"x"}]}`, nil)
	body := rec.Body.String()
	if !strings.Contains(body, `"code":401`) || !strings.Contains(body, "bad key") || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("body = %q", body)
	}
}

func TestErrorEnvelope(t *testing.T) {
	b := providertest.New("openrouter", models.KindCloudAggregator)
	b.SendFunc = func(context.Context, models.ChatRequest) (*provider.Response, error) {
		return nil, &provider.Error{Kind: provider.KindInsufficientCredit, Message: "add credits", Code: 402}
	}
	f := newFixture(t, "", b)

	tests := []struct {
		name       string
		path, body string
		wantStatus int
		wantType   string
	}{
		{name: "backend error passes through", path: "/v1/chat/completions", body: `{"messages":[{"role":"user","content":"x"}]}`, wantStatus: 402, wantType: "insufficient-credit"},
		{name: "malformed json", path: "/v1/chat/completions", body: `{"messages":`, wantStatus: 400, wantType: "bad-request"},
		{name: "empty body", path: "/v1/chat/completions", body: ``, wantStatus: 400, wantType: "bad-request"},
		{name: "invalid role", path: "/v1/chat/completions", body: `{"messages":[{"role":"bot","content":"x"}]}`, wantStatus: 400, wantType: "bad-request"},
		{name: "unknown route", path: "/v1/nothing", body: `{}`, wantStatus: 404, wantType: "bad-request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.path, tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
			env := decodeError(t, rec)
			if env.Error.Code != tt.wantStatus || env.Error.Type != tt.wantType || env.Error.Message == "" {
				t.Fatalf("envelope = %+v", env)
			}
		})
	}
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, "s3cret", providertest.New("ollama", models.KindLocalDaemon))
	body := `{"messages":[{"role":"user","content":"x"}]}`

	if rec := f.do(http.MethodPost, "/v1/chat/completions", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/chat/completions", body, map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/chat/completions", body, map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("valid key = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health behind key = %d", rec.Code)
	}
}

func TestModelsAndStatus(t *testing.T) {
	b := providertest.New("ollama", models.KindLocalDaemon)
	b.Models = []models.Model{{ID: "llama3:latest"}}
	b.Desc.ModelAliases = map[string]string{"gpt-4": "llama3"}
	f := newFixture(t, "", b)

	rec := f.do(http.MethodGet, "/v1/models", "", nil)
	var list translator.ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 2 || list.Data[1].OwnedBy != "ollama-mapped" || list.Data[0].Created == 0 {
		t.Fatalf("models = %+v", list)
	}

	f.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"x"}]}`, nil)

	rec = f.do(http.MethodGet, "/status?limit=5", "", nil)
	var st statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(st.Backends) != 1 || !st.Backends[0].Healthy || !st.Routing.FallbackEnabled || len(st.History) != 1 {
		t.Fatalf("status = %+v", st)
	}
	if rec := f.do(http.MethodGet, "/status?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
}
