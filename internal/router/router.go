package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"modelgate/internal/chunking"
	"modelgate/internal/health"
	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/resolve"
	"modelgate/internal/stream"
)

// Options configure dispatch behaviour.
type Options struct {
	Fallback bool
	Chunking chunking.Options
	Stream   stream.Options
}

// Router resolves requests onto backends and dispatches them.
type Router struct {
	registry *provider.Registry
	health   *health.Tracker
	engine   *chunking.Engine
	opts     Options
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, tracker *health.Tracker, opts Options) *Router {
	if tracker == nil {
		tracker = health.New(0, 0)
	}
	return &Router{
		registry: registry,
		health:   tracker,
		engine:   chunking.New(opts.Chunking),
		opts:     opts,
	}
}

// Outcome is the result of Dispatch. Exactly one of Completion and Stream is
// set; a Stream must be drained or closed by the caller.
type Outcome struct {
	Route      models.RouteDecision
	Mode       chunking.Mode
	Completion *models.ChatResponse
	Stream     *stream.Stream
	// Usage is the accounting known before the stream began, or the full
	// accounting for a buffered completion.
	Usage  models.Usage
	Chunks int
}

// Resolve picks the backend and backend-local model for requested.
func (r *Router) Resolve(ctx context.Context, requested string) (models.RouteDecision, provider.Backend, error) {
	ordered := r.registry.Ordered()
	healthy := make(map[string]bool, len(ordered))
	isHealthy := func(b provider.Backend) bool {
		ok, seen := healthy[b.Name()]
		if !seen {
			ok = r.health.IsHealthy(ctx, b)
			healthy[b.Name()] = ok
		}
		return ok
	}

	for _, b := range ordered {
		desc := b.Descriptor()
		if _, ok := desc.ModelAliases[requested]; !ok || requested == "" {
			continue
		}
		if !isHealthy(b) {
			slog.Debug("alias owner unhealthy, skipping", "backend", b.Name(), "model", requested)
			continue
		}
		res := resolve.Resolve(requested, desc, r.catalog(ctx, b))
		return r.decision(b, requested, res), b, nil
	}

	for _, b := range ordered {
		if !isHealthy(b) {
			continue
		}
		res := resolve.Resolve(requested, b.Descriptor(), r.catalog(ctx, b))
		return r.decision(b, requested, res), b, nil
	}
	return models.RouteDecision{}, nil, provider.NewError(provider.KindNoHealthyBackend, "no healthy backend available")
}

func (r *Router) decision(b provider.Backend, requested string, res resolve.Result) models.RouteDecision {
	display := requested
	if display == "" {
		display = res.Model
	}
	slog.Info("route resolved",
		"backend", b.Name(),
		"requested", requested,
		"resolved", res.Model,
		"step", res.Step.String(),
	)
	return models.RouteDecision{
		Backend:       b.Name(),
		ResolvedModel: res.Model,
		DisplayModel:  display,
	}
}

// catalog returns the backend's model list, or whatever stale copy the
// adapter still holds when the fetch fails.
func (r *Router) catalog(ctx context.Context, b provider.Backend) []models.Model {
	list, err := b.ListModels(ctx)
	if err != nil {
		slog.Debug("model catalog unavailable", "backend", b.Name(), "error", err)
	}
	return list
}

// Dispatch routes req to a backend, applying at most one fallback.
func (r *Router) Dispatch(ctx context.Context, req models.ChatRequest) (*Outcome, error) {
	if len(req.Messages) == 0 {
		return nil, provider.NewError(provider.KindBadRequest, "messages must not be empty")
	}

	route, primary, err := r.Resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	out, err := r.execute(ctx, primary, route, req)
	if err == nil {
		r.health.ReportSuccess(primary.Name())
		return out, nil
	}

	perr := provider.AsError(err)
	r.noteFailure(primary.Name(), perr)
	if !r.opts.Fallback || !perr.Kind.Fallbackable() || ctx.Err() != nil {
		return nil, perr
	}

	next := r.nextHealthy(ctx, primary.Name())
	if next == nil {
		slog.Warn("no fallback backend available", "backend", primary.Name(), "error", perr)
		return nil, perr
	}

	fbRoute := models.RouteDecision{
		Backend:       next.Name(),
		ResolvedModel: r.fallbackModel(ctx, next),
		DisplayModel:  route.DisplayModel,
		IsFallback:    true,
	}
	slog.Warn("falling back to next backend",
		"from", primary.Name(),
		"to", next.Name(),
		"model", fbRoute.ResolvedModel,
		"cause", perr.Kind,
	)

	out, err = r.execute(ctx, next, fbRoute, req)
	if err == nil {
		r.health.ReportSuccess(next.Name())
		return out, nil
	}

	ferr := provider.AsError(err)
	r.noteFailure(next.Name(), ferr)
	return nil, &provider.Error{
		Kind:    perr.Kind,
		Code:    perr.StatusCode(),
		Message: fmt.Sprintf("%s (fallback to %s also failed: %s)", perr.Message, next.Name(), ferr.Message),
		Err:     ferr,
	}
}

func (r *Router) execute(ctx context.Context, b provider.Backend, route models.RouteDecision, req models.ChatRequest) (*Outcome, error) {
	req.Model = route.ResolvedModel
	mode := r.engine.Plan(req)
	out := &Outcome{Route: route, Mode: mode, Chunks: 1}

	if mode == chunking.ModeChunked {
		res, err := r.engine.Run(ctx, b, req)
		if err != nil {
			return nil, err
		}
		out.Usage = res.Usage
		out.Chunks = res.Chunks
		if res.Completion != nil {
			out.Completion = res.Completion
		} else {
			out.Stream = stream.New(ctx, res.Stream, r.streamOptions(b))
		}
		return out, nil
	}

	if mode == chunking.ModeReduced {
		req, _ = r.engine.Reduce(req)
	}

	start := time.Now()
	resp, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Completion != nil {
		slog.Info("completion received", "backend", b.Name(), "model", req.Model, "latency_ms", time.Since(start).Milliseconds())
		out.Completion = resp.Completion
		out.Usage = resp.Completion.Usage
		return out, nil
	}
	out.Stream = stream.New(ctx, resp, r.streamOptions(b))
	return out, nil
}

func (r *Router) streamOptions(b provider.Backend) stream.Options {
	opts := r.opts.Stream
	opts.Backend = b.Name()
	return opts
}

// noteFailure marks connection-level failures against the backend's health.
func (r *Router) noteFailure(name string, err *provider.Error) {
	if err.Kind.Transient() || err.Kind == provider.KindModelCorrupted {
		r.health.ReportFailure(name, string(err.Kind))
	}
}

func (r *Router) nextHealthy(ctx context.Context, exclude string) provider.Backend {
	for _, b := range r.registry.Ordered() {
		if b.Name() == exclude {
			continue
		}
		if r.health.IsHealthy(ctx, b) {
			return b
		}
	}
	return nil
}

// fallbackModel is the backend's configured fallback model or its default.
func (r *Router) fallbackModel(ctx context.Context, b provider.Backend) string {
	desc := b.Descriptor()
	if desc.FallbackModel != "" {
		return desc.FallbackModel
	}
	return resolve.DefaultModel(desc, r.catalog(ctx, b))
}

// ListModels merges the catalogs of every healthy backend with their alias
// names. The first backend in priority order wins duplicate ids.
func (r *Router) ListModels(ctx context.Context) ([]models.Model, error) {
	backends := r.registry.Ordered()
	lists := make([][]models.Model, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			if !r.health.IsHealthy(gctx, b) {
				return nil
			}
			list := append([]models.Model(nil), r.catalog(gctx, b)...)
			for j := range list {
				if list[j].Provider == "" {
					list[j].Provider = b.Name()
				}
				if list[j].OwnedBy == "" {
					list[j].OwnedBy = b.Name()
				}
			}
			lists[i] = append(list, aliasModels(b)...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []models.Model
	for _, list := range lists {
		for _, m := range list {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

func aliasModels(b provider.Backend) []models.Model {
	aliases := b.Descriptor().ModelAliases
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		if name != resolve.DefaultAlias {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]models.Model, 0, len(names))
	for _, name := range names {
		out = append(out, models.Model{
			ID:       name,
			OwnedBy:  b.Name() + "-mapped",
			Provider: b.Name(),
		})
	}
	return out
}

// BackendStatus is the operator view of one backend.
type BackendStatus struct {
	Name                string    `json:"name"`
	Kind                string    `json:"kind"`
	Endpoint            string    `json:"endpoint"`
	Enabled             bool      `json:"enabled"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked,omitzero"`
	Reason              string    `json:"reason,omitempty"`
	Models              []string  `json:"models"`
}

// Status reports every registered backend in priority order. Health is
// refreshed through the tracker, so stale records are re-probed.
func (r *Router) Status(ctx context.Context) []BackendStatus {
	backends := r.registry.Ordered()
	out := make([]BackendStatus, len(backends))

	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			desc := b.Descriptor()
			healthy := r.health.IsHealthy(ctx, b)
			rec := r.health.Snapshot(b.Name())
			st := BackendStatus{
				Name:                b.Name(),
				Kind:                string(desc.Kind),
				Endpoint:            desc.Endpoint,
				Enabled:             desc.Enabled,
				Healthy:             healthy,
				ConsecutiveFailures: rec.ConsecutiveFailures,
				LastChecked:         rec.LastChecked,
				Reason:              rec.Reason,
				Models:              []string{},
			}
			if healthy {
				for _, m := range r.catalog(ctx, b) {
					st.Models = append(st.Models, m.ID)
				}
			}
			out[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// FallbackEnabled reports whether cross-backend fallback is on.
func (r *Router) FallbackEnabled() bool {
	return r.opts.Fallback
}

// Priority lists backend names in routing order.
func (r *Router) Priority() []string {
	backends := r.registry.Ordered()
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	return names
}
