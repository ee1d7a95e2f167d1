package translator

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

func TestChatCompletionRequestParsing(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		check   func(t *testing.T, r ChatCompletionRequest)
	}{
		{
			name: "plain text",
			body: `{"model":" gpt-4 ","messages":[{"role":"user","content":"hi"}],"stream":true,"max_tokens":64,"temperature":0.2,"tools":[]}`,
			check: func(t *testing.T, r ChatCompletionRequest) {
				req := r.ToCanonical()
				if req.Model != "gpt-4" || !req.Stream || *req.MaxTokens != 64 || req.Temperature != 0.2 {
					t.Fatalf("canonical = %+v", req)
				}
			},
		},
		{
			name: "structured content keeps parts",
			body: `{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:x"}}]}]}`,
			check: func(t *testing.T, r ChatCompletionRequest) {
				msg := r.ToCanonical().Messages[0]
				if msg.Content != "look" || len(msg.Parts) != 2 || msg.NonTextParts() != 1 || msg.Parts[1].URL != "data:x" {
					t.Fatalf("message = %+v", msg)
				}
			},
		},
		{
			name: "missing model and temperature use defaults",
			body: `{"messages":[{"role":"system","content":"s"},{"role":"assistant","content":null}]}`,
			check: func(t *testing.T, r ChatCompletionRequest) {
				req := r.ToCanonical()
				if req.Model != "" || req.Temperature != DefaultTemperature || len(req.Messages) != 2 {
					t.Fatalf("canonical = %+v", req)
				}
			},
		},
		{name: "no messages", body: `{"model":"m","messages":[]}`, wantErr: errEmptyMessages},
		{name: "bad role", body: `{"messages":[{"role":"robot","content":"x"}]}`, wantErr: errInvalidRole},
		{name: "tool role", body: `{"messages":[{"role":"user","content":"x"},{"role":"tool","content":"42"}]}`, wantErr: errInvalidRole},
		{name: "empty user content", body: `{"messages":[{"role":"user","content":"  "}]}`, wantErr: errInvalidContent},
		{name: "numeric content", body: `{"messages":[{"role":"user","content":5}]}`, wantErr: errInvalidContent},
		{name: "negative max tokens", body: `{"messages":[{"role":"user","content":"x"}],"max_tokens":0}`, wantErr: errInvalidNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r ChatCompletionRequest
			err := json.Unmarshal([]byte(tt.body), &r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tt.check(t, r)
		})
	}
}

func TestFromCanonicalChat(t *testing.T) {
	resp := FromCanonicalChat("gpt-4", 1700000000, &models.ChatResponse{
		Message: models.Message{Role: models.RoleAssistant, Content: "hello"},
		Usage:   models.Usage{PromptTokens: 30, CompletionTokens: 15},
	})
	if !strings.HasPrefix(resp.ID, "chatcmpl-") || resp.Model != "gpt-4" || resp.Object != "chat.completion" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Choices[0].FinishReason != "stop" || resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("choice = %+v", resp.Choices[0])
	}
	if resp.Usage.TotalTokens != 45 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestNewErrorEnvelopeHidesInternal(t *testing.T) {
	env := NewErrorEnvelope(provider.Wrap(provider.KindInternal, "nil map in router", errors.New("panic")))
	if env.Error.Message != "internal server error" || env.Error.Code != 500 {
		t.Fatalf("envelope = %+v", env)
	}
	env = NewErrorEnvelope(provider.NewError(provider.KindModelNotFound, "model llama9 not found"))
	if env.Error.Message != "model llama9 not found" || env.Error.Code != 404 || env.Error.Type != "model-not-found" {
		t.Fatalf("envelope = %+v", env)
	}
}

func frames(body string) []string {
	var out []string
	for _, f := range strings.Split(body, "\n\n") {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func TestSSEWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec, "chatcmpl-1", "gpt-4", 1700000000)
	at := time.Unix(1700000005, 0)

	for _, ev := range []models.StreamEvent{
		{Type: models.EventRole},
		{Type: models.EventContent, Content: "Hel"},
		{Type: models.EventKeepalive, At: at},
		{Type: models.EventContent, Content: "lo"},
		{Type: models.EventFinish, FinishReason: "stop"},
		{Type: models.EventContent, Content: "late"},
	} {
		if err := w.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}

	got := frames(rec.Body.String())
	if len(got) != 6 {
		t.Fatalf("frames = %q", got)
	}
	if got[2] != ": keepalive 1700000005" {
		t.Fatalf("keepalive = %q", got[2])
	}
	if got[5] != "data: [DONE]" {
		t.Fatalf("last = %q", got[5])
	}

	var role ChatCompletionChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got[0], "data: ")), &role); err != nil {
		t.Fatalf("role frame: %v", err)
	}
	if role.Choices[0].Delta.Role != "assistant" || role.Choices[0].FinishReason != nil || role.Object != "chat.completion.chunk" {
		t.Fatalf("role = %+v", role)
	}
	if !strings.Contains(got[0], `"finish_reason":null`) {
		t.Fatalf("role frame missing null finish_reason: %s", got[0])
	}

	var finish ChatCompletionChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got[4], "data: ")), &finish); err != nil {
		t.Fatalf("finish frame: %v", err)
	}
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish = %+v", finish)
	}
	if !strings.Contains(got[4], `"delta":{}`) {
		t.Fatalf("finish delta not empty: %s", got[4])
	}
}

func TestSSEWriterErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec, "chatcmpl-1", "m", 0)
	_ = w.WriteEvent(models.StreamEvent{Type: models.EventRole})
	_ = w.WriteEvent(models.StreamEvent{Type: models.EventError, ErrMessage: "unable to load model", ErrCode: 500, ErrType: "model-corrupted"})

	got := frames(rec.Body.String())
	if len(got) != 3 || got[2] != "data: [DONE]" {
		t.Fatalf("frames = %q", got)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got[1], "data: ")), &env); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if env.Error.Code != 500 || env.Error.Message != "unable to load model" {
		t.Fatalf("envelope = %+v", env)
	}
}
