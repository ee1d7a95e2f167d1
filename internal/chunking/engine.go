package chunking

import (
	"context"
	"log/slog"
	"time"

	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/tokens"
)

// Options hold the chunking thresholds.
type Options struct {
	MaxTokensPerChunk     int
	Overlap               int
	TokenThreshold        int
	MessageThreshold      int
	StreamingTokenCeiling int
	SubRequestTimeout     time.Duration
	InterChunkDelay       time.Duration
}

// Mode is the processing path chosen for a request.
type Mode int

const (
	ModeDirect Mode = iota
	ModeChunked
	ModeReduced
)

func (m Mode) String() string {
	switch m {
	case ModeChunked:
		return "chunked"
	case ModeReduced:
		return "reduced"
	default:
		return "direct"
	}
}

// Engine runs chunked requests against a single backend.
type Engine struct {
	opts Options
}

// New constructs an engine.
func New(opts Options) *Engine {
	if opts.MaxTokensPerChunk <= 0 {
		opts.MaxTokensPerChunk = 8000
	}
	if opts.TokenThreshold <= 0 {
		opts.TokenThreshold = 6000
	}
	if opts.StreamingTokenCeiling <= 0 {
		opts.StreamingTokenCeiling = 12000
	}
	if opts.SubRequestTimeout <= 0 {
		opts.SubRequestTimeout = 120 * time.Second
	}
	return &Engine{opts: opts}
}

// Plan picks the processing path for req. Streaming requests above the
// streaming ceiling are reduced; other requests above a threshold that split
// into more than one chunk are chunked.
func (e *Engine) Plan(req models.ChatRequest) Mode {
	estimate := tokens.Messages(req.Messages)
	if req.Stream && estimate > e.opts.StreamingTokenCeiling {
		return ModeReduced
	}
	overTokens := estimate > e.opts.TokenThreshold
	overMessages := e.opts.MessageThreshold > 0 && len(req.Messages) > e.opts.MessageThreshold
	if !overTokens && !overMessages {
		return ModeDirect
	}
	if len(Split(req.Messages, e.opts.MaxTokensPerChunk, e.opts.Overlap)) > 1 {
		return ModeChunked
	}
	return ModeDirect
}

// Reduce applies the reduced-context path to a streaming request.
func (e *Engine) Reduce(req models.ChatRequest) (models.ChatRequest, int) {
	msgs, dropped := Reduce(req.Messages, e.opts.StreamingTokenCeiling)
	if dropped > 0 {
		slog.Info("reduced streaming context",
			"original_messages", len(req.Messages),
			"dropped", dropped,
			"estimated_tokens", tokens.Messages(msgs),
		)
	}
	return req.WithMessages(msgs), dropped
}

// Result is the outcome of Run. Exactly one of Completion and Stream is set.
type Result struct {
	Completion *models.ChatResponse
	Stream     *provider.Response
	// Usage sums every completed chunk. For a streamed final chunk it covers
	// only the earlier chunks.
	Usage  models.Usage
	Chunks int
}

// Run sends the chunks of req to b one after another. Earlier chunks are
// always buffered; only the final chunk honours req.Stream.
func (e *Engine) Run(ctx context.Context, b provider.Backend, req models.ChatRequest) (*Result, error) {
	chunks := Split(req.Messages, e.opts.MaxTokensPerChunk, e.opts.Overlap)
	if len(chunks) == 0 {
		return nil, provider.NewError(provider.KindBadRequest, "messages must not be empty")
	}

	var (
		usage models.Usage
		reply *models.Message
	)
	for i, chunk := range chunks {
		msgs := assemble(chunk, reply, e.opts.MaxTokensPerChunk)
		log := slog.With("backend", b.Name(), "chunk", i+1, "chunks", len(chunks), "estimated_tokens", tokens.Messages(msgs))

		if i == len(chunks)-1 {
			log.Info("sending final chunk", "stream", req.Stream)
			final := req.WithMessages(msgs)
			if final.Timeout == 0 {
				final.Timeout = e.opts.SubRequestTimeout
			}
			resp, err := b.Send(ctx, final)
			if err != nil {
				return nil, err
			}
			result := &Result{Stream: resp, Usage: usage, Chunks: len(chunks)}
			if resp.Completion != nil {
				usage = usage.Add(resp.Completion.Usage)
				resp.Completion.Usage = usage
				result = &Result{Completion: resp.Completion, Usage: usage, Chunks: len(chunks)}
			}
			return result, nil
		}

		log.Info("sending intermediate chunk")
		completion, err := e.sendIntermediate(ctx, b, req.WithMessages(msgs))
		if err != nil {
			kind := provider.KindOf(err)
			if ctx.Err() != nil || reply == nil || !continuable(kind) {
				log.Warn("chunk failed, aborting", "error", err)
				return nil, err
			}
			log.Warn("chunk failed, continuing with previous context", "error", err)
		} else {
			usage = usage.Add(completion.Usage)
			reply = &models.Message{Role: models.RoleAssistant, Content: completion.Message.Content}
		}

		if e.opts.InterChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, provider.AsError(ctx.Err())
			case <-time.After(e.opts.InterChunkDelay):
			}
		}
	}
	return nil, provider.NewError(provider.KindInternal, "chunk sequence ended without a final chunk")
}

func (e *Engine) sendIntermediate(ctx context.Context, b provider.Backend, req models.ChatRequest) (*models.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SubRequestTimeout)
	defer cancel()

	req = req.WithStream(false)
	req.Timeout = e.opts.SubRequestTimeout
	resp, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Completion == nil {
		resp.Close()
		return nil, provider.NewError(provider.KindInternal, "backend returned a stream for a buffered request")
	}
	return resp.Completion, nil
}

// assemble orders a chunk's sub-request as carried context, the previous
// assistant reply, then the chunk's own messages. The reply is cut to the
// room left under maxTokens and left out when there is none.
func assemble(chunk MessageChunk, reply *models.Message, maxTokens int) []models.Message {
	out := make([]models.Message, 0, len(chunk.CarriedContext)+len(chunk.Messages)+1)
	out = append(out, chunk.CarriedContext...)
	if reply != nil {
		base := tokens.Messages(append(append([]models.Message(nil), chunk.CarriedContext...), chunk.Messages...))
		if fitted, ok := fitReply(*reply, maxTokens-base); ok {
			out = append(out, fitted)
		}
	}
	return append(out, chunk.Messages...)
}

// fitReply truncates reply so its estimate is at most room tokens.
func fitReply(reply models.Message, room int) (models.Message, bool) {
	if tokens.Message(reply) <= room {
		return reply, true
	}
	budget := room - tokens.Message(models.Message{Role: reply.Role})
	if budget <= 0 {
		return models.Message{}, false
	}
	runes := []rune(reply.Content)
	if limit := budget * tokens.CharsPerToken; len(runes) > limit {
		runes = runes[:limit]
	}
	reply.Content = string(runes)
	return reply, true
}

// continuable reports whether a failed intermediate chunk may be skipped.
// Connection-level and model failures, as well as client-caused errors,
// would recur on every later chunk.
func continuable(kind provider.Kind) bool {
	switch kind {
	case provider.KindBackendTimeout, provider.KindUpstream:
		return true
	default:
		return false
	}
}
