// Package health caches backend availability for a bounded window so routing
// decisions do not probe a backend on every request.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"modelgate/internal/provider"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// Record is a point-in-time view of a backend's health.
type Record struct {
	Available           bool      `json:"available"`
	LastChecked         time.Time `json:"last_checked"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Reason              string    `json:"reason,omitempty"`
}

type entry struct {
	available   atomic.Bool
	lastChecked atomic.Int64
	failures    atomic.Int64
	reason      atomic.Value
}

// Tracker is safe for concurrent use. Fields are updated atomically and the
// last writer wins.
type Tracker struct {
	ttl          time.Duration
	probeTimeout time.Duration
	now          func() time.Time

	group   singleflight.Group
	records sync.Map
}

// New constructs a tracker. Zero durations select the defaults.
func New(ttl, probeTimeout time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Tracker{ttl: ttl, probeTimeout: probeTimeout, now: time.Now}
}

func (t *Tracker) entry(name string) *entry {
	if e, ok := t.records.Load(name); ok {
		return e.(*entry)
	}
	e, _ := t.records.LoadOrStore(name, &entry{})
	return e.(*entry)
}

// IsHealthy reports whether the backend is usable, probing only when the
// cached result is older than the TTL. A backend that is disabled or not
// ready is unhealthy without a probe.
func (t *Tracker) IsHealthy(ctx context.Context, b provider.Backend) bool {
	name := b.Name()
	e := t.entry(name)

	if !b.Descriptor().Enabled {
		t.set(e, false, "disabled")
		return false
	}
	if err := b.Ready(); err != nil {
		t.set(e, false, err.Error())
		return false
	}

	if last := e.lastChecked.Load(); last != 0 && t.now().Sub(time.Unix(0, last)) < t.ttl {
		return e.available.Load()
	}

	v, _, _ := t.group.Do(name, func() (any, error) {
		// A probe shared by several callers must not die with the first caller.
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.probeTimeout)
		defer cancel()

		ok := b.Probe(probeCtx)
		if ok {
			t.ReportSuccess(name)
		} else {
			t.ReportFailure(name, "probe failed")
		}
		return ok, nil
	})
	return v.(bool)
}

// ReportSuccess records a successful interaction with the backend.
func (t *Tracker) ReportSuccess(name string) {
	e := t.entry(name)
	wasDown := e.lastChecked.Load() != 0 && !e.available.Load()
	e.failures.Store(0)
	t.set(e, true, "")
	if wasDown {
		slog.Info("backend recovered", "backend", name)
	}
}

// ReportFailure marks the backend unavailable until the next probe.
func (t *Tracker) ReportFailure(name, reason string) {
	e := t.entry(name)
	n := e.failures.Add(1)
	t.set(e, false, reason)
	slog.Warn("backend marked unavailable", "backend", name, "consecutive_failures", n, "reason", reason)
}

func (t *Tracker) set(e *entry, available bool, reason string) {
	e.available.Store(available)
	e.reason.Store(reason)
	e.lastChecked.Store(t.now().UnixNano())
}

// Snapshot returns the cached record without probing.
func (t *Tracker) Snapshot(name string) Record {
	e := t.entry(name)
	rec := Record{
		Available:           e.available.Load(),
		ConsecutiveFailures: e.failures.Load(),
	}
	if last := e.lastChecked.Load(); last != 0 {
		rec.LastChecked = time.Unix(0, last)
	}
	if reason, ok := e.reason.Load().(string); ok {
		rec.Reason = reason
	}
	return rec
}
