// Package stream turns a backend's raw incremental response into the canonical
// event sequence: one role announcement, content deltas, optional keepalives
// and exactly one terminal event.
package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

const (
	DefaultKeepaliveInterval = 3 * time.Second
	DefaultIdleTimeout       = 60 * time.Second

	// TruncationNotice is appended as content when the backend goes silent.
	TruncationNotice = "\n\n[Connection lost - no data received]"

	FinishStop   = "stop"
	FinishLength = "length"

	lineBuffer = 64
	readBuffer = 64 * 1024
)

var fragmentPattern = regexp.MustCompile(`\S+|\s+`)

// Options tune liveness and pacing.
type Options struct {
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	// MaxDuration bounds the whole stream. Zero means unbounded.
	MaxDuration time.Duration
	// PaceDelay is slept after each non-space word. Zero disables pacing.
	PaceDelay time.Duration
	Backend   string
}

type lineResult struct {
	line []byte
	err  error
}

// Stream is a pull-based, single-use event sequence. It is not safe for
// concurrent consumers.
type Stream struct {
	events   chan models.StreamEvent
	cancel   context.CancelFunc
	body     io.Closer
	done     chan struct{}
	once     sync.Once
	lastData atomic.Int64

	mu    sync.Mutex
	usage *models.Usage
}

// New starts translating resp. The stream stops, and the backend body is
// closed, when the terminal event is consumed, Close is called, or ctx ends.
func New(ctx context.Context, resp *provider.Response, opts Options) *Stream {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan models.StreamEvent),
		cancel: cancel,
		body:   resp.Body,
		done:   make(chan struct{}),
	}
	s.lastData.Store(time.Now().UnixNano())

	lines := make(chan lineResult, lineBuffer)
	go s.read(ctx, resp.Body, lines)
	go s.run(ctx, resp.Decoder, lines, opts)
	return s
}

// Next blocks for the next event. It returns false once the terminal event has
// been delivered or ctx is done.
func (s *Stream) Next(ctx context.Context) (models.StreamEvent, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-ctx.Done():
		s.Close()
		return models.StreamEvent{}, false
	}
}

// Close stops the translator and releases the backend connection.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		if s.body != nil {
			s.body.Close()
		}
	})
	<-s.done
}

// Usage returns the last token accounting the backend reported, if any.
func (s *Stream) Usage() (models.Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return models.Usage{}, false
	}
	return *s.usage, true
}

func (s *Stream) read(ctx context.Context, body io.Reader, out chan<- lineResult) {
	defer close(out)
	if body == nil {
		out <- lineResult{err: io.EOF}
		return
	}

	r := bufio.NewReaderSize(body, readBuffer)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			s.lastData.Store(time.Now().UnixNano())
			select {
			case out <- lineResult{line: line}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case out <- lineResult{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (s *Stream) run(ctx context.Context, decoder provider.ChunkDecoder, lines <-chan lineResult, opts Options) {
	defer close(s.done)
	defer close(s.events)
	defer s.once.Do(func() {
		s.cancel()
		if s.body != nil {
			s.body.Close()
		}
	})

	if !s.emit(ctx, models.StreamEvent{Type: models.EventRole}) {
		return
	}

	keepalive := time.NewTimer(opts.KeepaliveInterval)
	defer keepalive.Stop()
	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	var deadline <-chan time.Time
	if opts.MaxDuration > 0 {
		t := time.NewTimer(opts.MaxDuration)
		defer t.Stop()
		deadline = t.C
	}

	// emitContent paces text and keeps the keepalive timer honest.
	emitContent := func(text string) bool {
		for _, frag := range fragmentPattern.FindAllString(text, -1) {
			if !s.emit(ctx, models.StreamEvent{Type: models.EventContent, Content: frag}) {
				return false
			}
			resetTimer(keepalive, opts.KeepaliveInterval)
			if opts.PaceDelay > 0 && !isSpace(frag) {
				if !sleep(ctx, opts.PaceDelay) {
					return false
				}
			}
		}
		return true
	}

	truncate := func(reason string) {
		slog.Warn("stream truncated", "backend", opts.Backend, "reason", reason)
		if emitContent(TruncationNotice) {
			s.emit(ctx, models.StreamEvent{Type: models.EventFinish, FinishReason: FinishLength})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case res, ok := <-lines:
			if !ok {
				s.emit(ctx, models.StreamEvent{Type: models.EventFinish, FinishReason: FinishStop})
				return
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					s.emit(ctx, models.StreamEvent{Type: models.EventFinish, FinishReason: FinishStop})
					return
				}
				if ctx.Err() != nil {
					return
				}
				perr := provider.Wrap(provider.KindUpstream, "backend stream interrupted", res.err)
				s.emit(ctx, errorEvent(perr))
				return
			}

			chunk, ok := decoder.Decode(res.line)
			if !ok {
				continue
			}
			if chunk.Usage != nil {
				s.mu.Lock()
				s.usage = chunk.Usage
				s.mu.Unlock()
			}
			if chunk.Err != nil {
				s.emit(ctx, errorEvent(chunk.Err))
				return
			}
			if chunk.Content != "" && !emitContent(chunk.Content) {
				return
			}
			if chunk.Done {
				reason := chunk.FinishReason
				if reason == "" {
					reason = FinishStop
				}
				s.emit(ctx, models.StreamEvent{Type: models.EventFinish, FinishReason: reason})
				return
			}

		case <-keepalive.C:
			if !s.emit(ctx, models.StreamEvent{Type: models.EventKeepalive}) {
				return
			}
			keepalive.Reset(opts.KeepaliveInterval)

		case <-idle.C:
			silent := time.Since(time.Unix(0, s.lastData.Load()))
			if silent < opts.IdleTimeout {
				idle.Reset(opts.IdleTimeout - silent)
				continue
			}
			truncate("idle timeout")
			return

		case <-deadline:
			truncate("max duration")
			return
		}
	}
}

func (s *Stream) emit(ctx context.Context, ev models.StreamEvent) bool {
	ev.At = time.Now()
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorEvent(err *provider.Error) models.StreamEvent {
	return models.StreamEvent{
		Type:       models.EventError,
		ErrMessage: err.Message,
		ErrCode:    err.StatusCode(),
		ErrType:    string(err.Kind),
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isSpace(frag string) bool {
	for _, r := range frag {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
