package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"modelgate/internal/config"
	"modelgate/internal/models"
	"modelgate/internal/observe"
	"modelgate/internal/provider"
	"modelgate/internal/router"
	"modelgate/internal/translator"
)

const (
	maxBodyBytes        = 32 << 20 // 32 MiB; oversized conversations are chunked, not rejected
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	statusHistoryLimit  = 50
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	history *observe.History
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, history *observe.History) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if history == nil {
		history = observe.NewHistory(cfg.History.Size)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if len(cfg.Server.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.Server.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
		}))
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		history: history,
		app:     e,
		address: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed application.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	// No write timeout: streams are bounded by the translator's own deadlines.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/status", s.handleStatus)

	v1 := s.app.Group("/v1")
	if key := s.cfg.Server.APIKey; key != "" {
		v1.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(auth string, c echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(auth), []byte(key)) == 1, nil
			},
			ErrorHandler: func(err error, c echo.Context) error {
				return provider.NewError(provider.KindInvalidCredential, "invalid or missing API key")
			},
		}))
	}
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status   string                 `json:"status"`
	Backends []router.BackendStatus `json:"backends"`
	Routing  routingStatus          `json:"routing"`
	History  []observe.Entry        `json:"history"`
}

type routingStatus struct {
	ProviderPriority []string `json:"provider_priority"`
	FallbackEnabled  bool     `json:"fallback_enabled"`
}

func (s *Server) handleStatus(c echo.Context) error {
	limit := statusHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return provider.NewError(provider.KindBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:   "ok",
		Backends: s.router.Status(c.Request().Context()),
		Routing: routingStatus{
			ProviderPriority: s.router.Priority(),
			FallbackEnabled:  s.router.FallbackEnabled(),
		},
		History: s.history.Recent(limit),
	})
}

func (s *Server) handleModels(c echo.Context) error {
	list, err := s.router.ListModels(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, translator.FromModels(list, time.Now().Unix()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	start := time.Now()

	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	entry := observe.Entry{RequestedModel: req.Model, Stream: req.Stream}

	out, err := s.router.Dispatch(ctx, req.ToCanonical())
	if err != nil {
		perr := provider.AsError(err)
		s.record(entry, start, perr.StatusCode(), perr.Kind)
		if req.Stream {
			return s.streamError(c, req.Model, perr)
		}
		return perr
	}

	entry.Backend = out.Route.Backend
	entry.ResolvedModel = out.Route.ResolvedModel
	entry.Fallback = out.Route.IsFallback
	entry.Chunks = out.Chunks

	if out.Completion != nil {
		s.record(entry, start, http.StatusOK, "")
		resp := translator.FromCanonicalChat(out.Route.DisplayModel, time.Now().Unix(), out.Completion)
		return c.JSON(http.StatusOK, resp)
	}
	return s.streamResponse(c, out, entry, start)
}

func (s *Server) streamResponse(c echo.Context, out *router.Outcome, entry observe.Entry, start time.Time) error {
	defer out.Stream.Close()

	res := c.Response()
	translator.SetHeaders(res.Header())
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	w := translator.NewSSEWriter(res, translator.NewCompletionID(), out.Route.DisplayModel, time.Now().Unix())

	status, kind := http.StatusOK, provider.Kind("")
	for {
		ev, ok := out.Stream.Next(ctx)
		if !ok {
			break
		}
		if ev.Type == models.EventError {
			status, kind = ev.ErrCode, provider.Kind(ev.ErrType)
		}
		if err := w.WriteEvent(ev); err != nil {
			slog.Debug("client went away mid-stream", "backend", out.Route.Backend, "error", err)
			break
		}
	}
	if ctx.Err() != nil && kind == "" {
		kind = "client-closed"
	} else {
		_ = w.Done()
	}

	s.record(entry, start, status, kind)
	return nil
}

// streamError reports a failure that happened before any backend stream
// opened, in the streaming wire format.
func (s *Server) streamError(c echo.Context, model string, perr *provider.Error) error {
	res := c.Response()
	translator.SetHeaders(res.Header())
	res.WriteHeader(http.StatusOK)

	w := translator.NewSSEWriter(res, translator.NewCompletionID(), model, time.Now().Unix())
	if err := w.WriteError(translator.NewErrorEnvelope(perr)); err != nil {
		slog.Debug("failed to write stream error", "error", err)
	}
	return nil
}

func (s *Server) record(entry observe.Entry, start time.Time, status int, kind provider.Kind) {
	entry.Status = status
	entry.ErrorKind = string(kind)
	entry.DurationMS = time.Since(start).Milliseconds()
	s.history.Record(entry)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return provider.NewError(provider.KindBadRequest, "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return provider.NewError(provider.KindContextTooLarge, "request body too large")
		}
		return provider.Errorf(provider.KindBadRequest, "invalid request: %v", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return provider.NewError(provider.KindBadRequest, "request body must contain a single JSON object")
	}
	return nil
}

// errorHandler renders every error as the canonical envelope.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var perr *provider.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &perr):
	case errors.As(err, &he):
		perr = provider.ClassifyStatus(he.Code, fmt.Sprint(he.Message))
		if he.Code == http.StatusNotFound {
			perr.Kind = provider.KindBadRequest
		}
	default:
		slog.Error("unhandled error", "error", err)
		perr = provider.AsError(err)
	}

	if perr.Kind == provider.KindInternal {
		slog.Error("internal error", "error", perr)
	}
	if err := c.JSON(perr.StatusCode(), translator.NewErrorEnvelope(perr)); err != nil {
		slog.Debug("failed to write error response", "error", err)
	}
}
