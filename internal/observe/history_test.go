package observe

import (
	"fmt"
	"sync"
	"testing"
)

func TestHistoryNewestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(Entry{RequestedModel: fmt.Sprintf("m%d", i)})
	}

	got := h.Recent(0)
	if len(got) != 3 || h.Len() != 3 {
		t.Fatalf("len = %d", len(got))
	}
	for i, want := range []string{"m4", "m3", "m2"} {
		if got[i].RequestedModel != want {
			t.Fatalf("entry %d = %s, want %s", i, got[i].RequestedModel, want)
		}
	}
	if len(h.Recent(2)) != 2 {
		t.Fatal("limit ignored")
	}
}

func TestHistoryAssignsIdentity(t *testing.T) {
	h := NewHistory(0)
	a := h.Record(Entry{})
	b := h.Record(Entry{})
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids = %q, %q", a.ID, b.ID)
	}
	if a.Time.IsZero() {
		t.Fatal("time not set")
	}
	if len(h.Recent(0)) != 2 {
		t.Fatal("default-size history lost entries")
	}
}

func TestHistoryConcurrentRecord(t *testing.T) {
	h := NewHistory(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h.Record(Entry{Status: 200})
			}
		}()
	}
	wg.Wait()
	if h.Len() != 50 {
		t.Fatalf("len = %d", h.Len())
	}
}
