package openai

import (
	"bytes"
	"net/http"

	"github.com/tidwall/gjson"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// DecodeSSE decodes one line of an OpenAI-style event stream.
func DecodeSSE(line []byte) (provider.Chunk, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataPrefix) {
		return provider.Chunk{}, false
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(data, doneMarker) {
		return provider.Chunk{Done: true}, true
	}
	if !gjson.ValidBytes(data) {
		return provider.Chunk{}, false
	}

	parsed := gjson.ParseBytes(data)
	if errField := parsed.Get("error"); errField.Exists() {
		msg := errField.Get("message").String()
		if msg == "" {
			msg = errField.String()
		}
		code := int(errField.Get("code").Int())
		if code == 0 {
			code = http.StatusBadGateway
		}
		perr := provider.ClassifyStatus(code, msg)
		return provider.Chunk{Err: perr}, true
	}

	choice := parsed.Get("choices.0")
	content := choice.Get("delta.content").String()
	finish := choice.Get("finish_reason").String()

	var usage *models.Usage
	if u := parsed.Get("usage"); u.IsObject() {
		usage = &models.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
		}
	}

	if content == "" && finish == "" && usage == nil {
		return provider.Chunk{}, false
	}
	return provider.Chunk{
		Content:      content,
		Done:         finish != "",
		FinishReason: finish,
		Usage:        usage,
	}, true
}
