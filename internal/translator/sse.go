package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"modelgate/internal/models"
)

// ChatCompletionChunk is one streamed frame.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries a delta. FinishReason is null until the terminal frame.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental message content.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// SSEWriter renders canonical stream events as OpenAI server-sent events.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	id      string
	model   string
	created int64
	done    bool
}

// NewSSEWriter writes frames for one completion to w, flushing after each
// frame when w supports it.
func NewSSEWriter(w io.Writer, id, model string, created int64) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f, id: id, model: model, created: created}
}

// SetHeaders prepares an HTTP response for streaming.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent renders ev. Terminal events are followed by the [DONE] marker.
func (s *SSEWriter) WriteEvent(ev models.StreamEvent) error {
	if s.done {
		return nil
	}
	switch ev.Type {
	case models.EventRole:
		return s.writeChunk(ChunkDelta{Role: models.RoleAssistant}, nil)
	case models.EventContent:
		return s.writeChunk(ChunkDelta{Content: ev.Content}, nil)
	case models.EventKeepalive:
		return s.write(fmt.Sprintf(": keepalive %d\n\n", ev.At.Unix()))
	case models.EventFinish:
		reason := ev.FinishReason
		if err := s.writeChunk(ChunkDelta{}, &reason); err != nil {
			return err
		}
		return s.Done()
	case models.EventError:
		env := ErrorEnvelope{Error: ErrorDetail{Message: ev.ErrMessage, Code: ev.ErrCode, Type: ev.ErrType}}
		if err := s.writeData(env); err != nil {
			return err
		}
		return s.Done()
	default:
		return nil
	}
}

// WriteError emits an error frame followed by [DONE].
func (s *SSEWriter) WriteError(env ErrorEnvelope) error {
	if s.done {
		return nil
	}
	if err := s.writeData(env); err != nil {
		return err
	}
	return s.Done()
}

// Done writes the end-of-stream marker once.
func (s *SSEWriter) Done() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.write("data: [DONE]\n\n")
}

func (s *SSEWriter) writeChunk(delta ChunkDelta, finish *string) error {
	return s.writeData(ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

func (s *SSEWriter) writeData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	return s.write("data: " + string(data) + "\n\n")
}

func (s *SSEWriter) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return fmt.Errorf("write SSE frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
