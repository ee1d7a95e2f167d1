package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modelgate/internal/models"
	"modelgate/internal/provider/providertest"
)

func TestCachedWithinTTL(t *testing.T) {
	b := providertest.New("ollama", models.KindLocalDaemon)
	b.ProbeFunc = func(context.Context) bool { return false }

	tr := New(30*time.Second, time.Second)
	first := tr.IsHealthy(context.Background(), b)
	second := tr.IsHealthy(context.Background(), b)

	if first || second {
		t.Fatal("unreachable backend reported healthy")
	}
	if b.Probes() != 1 {
		t.Fatalf("probes = %d, want 1", b.Probes())
	}
}

func TestReprobeAfterTTL(t *testing.T) {
	b := providertest.New("ollama", models.KindLocalDaemon)
	up := false
	b.ProbeFunc = func(context.Context) bool { return up }

	now := time.Unix(1000, 0)
	tr := New(30*time.Second, time.Second)
	tr.now = func() time.Time { return now }

	tr.IsHealthy(context.Background(), b)
	now = now.Add(31 * time.Second)
	tr.IsHealthy(context.Background(), b)

	if got := tr.Snapshot("ollama").ConsecutiveFailures; got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}

	up = true
	now = now.Add(31 * time.Second)
	if !tr.IsHealthy(context.Background(), b) {
		t.Fatal("expected recovery")
	}
	rec := tr.Snapshot("ollama")
	if rec.ConsecutiveFailures != 0 || !rec.Available {
		t.Fatalf("record = %+v", rec)
	}
	if b.Probes() != 3 {
		t.Fatalf("probes = %d, want 3", b.Probes())
	}
}

func TestNotReadyNeverProbes(t *testing.T) {
	b := providertest.New("openrouter", models.KindCloudAggregator)
	b.ReadyErr = errors.New("backend openrouter requires an api key")

	tr := New(0, 0)
	for i := 0; i < 3; i++ {
		if tr.IsHealthy(context.Background(), b) {
			t.Fatal("backend without credential must be unhealthy")
		}
	}
	if b.Probes() != 0 {
		t.Fatalf("probes = %d, want 0", b.Probes())
	}
	if tr.Snapshot("openrouter").Reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestConcurrentChecksShareProbe(t *testing.T) {
	b := providertest.New("ollama", models.KindLocalDaemon)
	release := make(chan struct{})
	b.ProbeFunc = func(context.Context) bool {
		<-release
		return true
	}

	tr := New(time.Minute, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.IsHealthy(context.Background(), b)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if b.Probes() != 1 {
		t.Fatalf("probes = %d, want 1", b.Probes())
	}
}

func TestReportFailureInvalidatesCache(t *testing.T) {
	b := providertest.New("ollama", models.KindLocalDaemon)
	tr := New(time.Minute, time.Second)
	if !tr.IsHealthy(context.Background(), b) {
		t.Fatal("expected healthy")
	}
	tr.ReportFailure("ollama", "connection refused")
	if tr.IsHealthy(context.Background(), b) {
		t.Fatal("reported failure should be cached as unhealthy")
	}
}
