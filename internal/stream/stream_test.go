package stream

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/provider/providertest"
)

func collect(t *testing.T, s *Stream) []models.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []models.StreamEvent
	for {
		ev, ok := s.Next(ctx)
		if !ok {
			break
		}
		events = append(events, ev)
	}
	if ctx.Err() != nil {
		t.Fatal("stream did not terminate")
	}
	return events
}

func assertShape(t *testing.T, events []models.StreamEvent) models.StreamEvent {
	t.Helper()
	if len(events) < 2 {
		t.Fatalf("too few events: %v", events)
	}
	if events[0].Type != models.EventRole {
		t.Fatalf("first event = %s, want role", events[0].Type)
	}
	terminals := 0
	for i, ev := range events {
		if ev.Type == models.EventRole && i != 0 {
			t.Fatalf("role announced twice")
		}
		if ev.Type.Terminal() {
			terminals++
			if i != len(events)-1 {
				t.Fatalf("event after terminal: %v", events[i+1:])
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want 1", terminals)
	}
	return events[len(events)-1]
}

func contentOf(events []models.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == models.EventContent {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func TestNormalCompletion(t *testing.T) {
	resp := providertest.Stream(
		providertest.Line("Hello ", false),
		providertest.Line("wor", false),
		providertest.Line("ld!\n  ok", false),
		providertest.Line("", true),
	)
	s := New(context.Background(), resp, Options{PaceDelay: time.Millisecond})
	events := collect(t, s)

	last := assertShape(t, events)
	if last.Type != models.EventFinish || last.FinishReason != FinishStop {
		t.Fatalf("last = %+v", last)
	}
	if got := contentOf(events); got != "Hello world!\n  ok" {
		t.Fatalf("content = %q", got)
	}
	if _, ok := s.Next(context.Background()); ok {
		t.Fatal("Next after terminal returned an event")
	}
}

func TestMidStreamError(t *testing.T) {
	resp := providertest.Stream(
		providertest.Line("partial", false),
		providertest.ErrorLine(provider.KindModelCorrupted, "unable to load model"),
		providertest.Line("never", false),
	)
	events := collect(t, New(context.Background(), resp, Options{}))

	last := assertShape(t, events)
	if last.Type != models.EventError || last.ErrType != string(provider.KindModelCorrupted) || last.ErrMessage != "unable to load model" {
		t.Fatalf("last = %+v", last)
	}
	if strings.Contains(contentOf(events), "never") {
		t.Fatal("content emitted after error")
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	resp := providertest.Stream(
		`{"content":`,
		`garbage`,
		``,
		providertest.Line("fine", false),
		providertest.Line("", true),
	)
	events := collect(t, New(context.Background(), resp, Options{}))
	assertShape(t, events)
	if got := contentOf(events); got != "fine" {
		t.Fatalf("content = %q", got)
	}
}

func TestEOFWithoutDoneFinishes(t *testing.T) {
	resp := providertest.Stream(providertest.Line("abc", false))
	events := collect(t, New(context.Background(), resp, Options{}))
	last := assertShape(t, events)
	if last.FinishReason != FinishStop {
		t.Fatalf("last = %+v", last)
	}
}

func TestIdleTimeout(t *testing.T) {
	const (
		idle    = 200 * time.Millisecond
		epsilon = 100 * time.Millisecond
	)
	pr, pw := io.Pipe()
	defer pw.Close()

	start := time.Now()
	s := New(context.Background(), providertest.StreamFrom(pr), Options{
		KeepaliveInterval: 50 * time.Millisecond,
		IdleTimeout:       idle,
	})
	events := collect(t, s)

	last := assertShape(t, events)
	if last.Type != models.EventFinish || last.FinishReason != FinishLength {
		t.Fatalf("last = %+v", last)
	}
	elapsed := last.At.Sub(start)
	if elapsed < idle-epsilon || elapsed > idle+epsilon {
		t.Fatalf("finished after %v, want %v ± %v", elapsed, idle, epsilon)
	}
	if !strings.Contains(contentOf(events), "Connection lost") {
		t.Fatal("missing truncation notice")
	}

	keepalives := 0
	for _, ev := range events {
		if ev.Type == models.EventKeepalive {
			keepalives++
		}
	}
	if keepalives < 2 {
		t.Fatalf("keepalives = %d, want at least 2", keepalives)
	}
}

func TestKeepaliveDoesNotResetIdle(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	go func() {
		io.WriteString(pw, providertest.Line("tick", false)+"\n")
	}()

	start := time.Now()
	s := New(context.Background(), providertest.StreamFrom(pr), Options{
		KeepaliveInterval: 20 * time.Millisecond,
		IdleTimeout:       150 * time.Millisecond,
	})
	events := collect(t, s)
	last := assertShape(t, events)
	if last.FinishReason != FinishLength {
		t.Fatalf("last = %+v", last)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("keepalives extended the idle window: %v", elapsed)
	}
}

type trackingBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackingBody) Close() error {
	b.closed.Store(true)
	if c, ok := b.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func TestCancellationReleasesBody(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	body := &trackingBody{Reader: pr}

	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, providertest.StreamFrom(body), Options{})

	if ev, ok := s.Next(ctx); !ok || ev.Type != models.EventRole {
		t.Fatalf("first event = %+v, %v", ev, ok)
	}
	cancel()
	if _, ok := s.Next(ctx); ok {
		t.Fatal("expected stream to stop after cancel")
	}
	s.Close()
	if !body.closed.Load() {
		t.Fatal("backend body was not closed")
	}
}

func TestFragmentsPreserveText(t *testing.T) {
	text := "  The quick\tbrown\n\nfox  "
	frags := fragmentPattern.FindAllString(text, -1)
	if strings.Join(frags, "") != text {
		t.Fatalf("fragments %q do not reassemble %q", frags, text)
	}
}
