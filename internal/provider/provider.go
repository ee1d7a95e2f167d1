package provider

import (
	"context"
	"io"

	"modelgate/internal/models"
)

// Backend is implemented once per backend kind. The router holds backends by
// name and never inspects the concrete type.
type Backend interface {
	Name() string
	Descriptor() models.BackendDescriptor

	// Send issues the request. With req.Stream set the returned Response
	// carries an open body that the caller must close; otherwise the body has
	// been read and parsed into Completion.
	Send(ctx context.Context, req models.ChatRequest) (*Response, error)

	// Probe is a lightweight connectivity check.
	Probe(ctx context.Context) bool

	// Ready reports configuration problems that make the backend unusable
	// without contacting it, such as a missing credential.
	Ready() error

	// ClassifyError maps a backend error response to a canonical error.
	ClassifyError(status int, body []byte) *Error

	// ListModels returns the live model catalog, possibly cached.
	ListModels(ctx context.Context) ([]models.Model, error)
}

// Response is the result of Send.
type Response struct {
	Completion *models.ChatResponse
	Body       io.ReadCloser
	Decoder    ChunkDecoder
}

// Close releases a streaming body if present.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Chunk is one decoded unit of a backend's native stream.
type Chunk struct {
	Content      string
	Done         bool
	FinishReason string
	Usage        *models.Usage
	Err          *Error
}

// ChunkDecoder parses a single line of a backend stream. ok is false for lines
// that carry nothing (blank lines, comments, undecodable fragments).
type ChunkDecoder interface {
	Decode(line []byte) (chunk Chunk, ok bool)
}

// ChunkDecoderFunc adapts a function to ChunkDecoder.
type ChunkDecoderFunc func(line []byte) (Chunk, bool)

func (f ChunkDecoderFunc) Decode(line []byte) (Chunk, bool) {
	return f(line)
}
