package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"claudegate/internal/anthropic"
	"claudegate/internal/config"
	"claudegate/internal/gateway"
	"claudegate/internal/transcode"
)

const (
	maxBodyBytes        = 8 << 20 // 8 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	// defaultUpstreamReadTimeout bounds the wait for the next upstream
	// chunk; on expiry the stream terminates gracefully with an in-stream
	// error.
	defaultUpstreamReadTimeout = 90 * time.Second

	// upstreamCallTimeout bounds a whole non-streaming upstream call.
	upstreamCallTimeout = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	store   *gateway.Store
	app     *echo.Echo
	address string

	upstreamReadTimeout time.Duration
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, store *gateway.Store) (*Server, error) {
	if store == nil {
		return nil, errors.New("gateway store must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = anthropicErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
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

	srv := &Server{
		cfg:     cfg,
		store:   store,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),

		upstreamReadTimeout: defaultUpstreamReadTimeout,
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address, "gateways", len(s.cfg.Gateways))

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		// WriteTimeout stays unset: SSE streams are long-lived and must not
		// be cut mid-flight. Upstream inactivity is bounded separately.
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
	s.app.POST("/gateway/:id/v1/messages", s.handleMessages)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(c echo.Context) error {
	gw, err := s.store.Lookup(c.Param("id"))
	if err != nil {
		return apiError{
			Status: http.StatusNotFound,
			Object: anthropic.APIError{Type: transcode.TypeNotFound, Message: err.Error()},
		}
	}

	token := extractAuthToken(c.Request())
	if !gw.Authorize(token) {
		return toAPIError(fmt.Errorf("%w: invalid or missing token", transcode.ErrAuthentication))
	}

	var req anthropic.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	upstreamModel, err := gw.Mapper.Resolve(req.Model)
	if err != nil {
		return toAPIError(err)
	}

	upstreamReq, err := transcode.TranscodeRequest(req, upstreamModel)
	if err != nil {
		return toAPIError(err)
	}

	ctx := c.Request().Context()

	if !req.Stream {
		// The shared upstream client carries no overall timeout because of
		// streaming; bound non-streaming calls here.
		callCtx, cancel := context.WithTimeout(ctx, upstreamCallTimeout)
		defer cancel()

		resp, err := gw.Client.ChatCompletion(callCtx, upstreamReq)
		if err != nil {
			return toAPIError(err)
		}
		out, err := transcode.TranscodeResponse(*resp, req.Model, req.StopSequences)
		if err != nil {
			return toAPIError(err)
		}
		return c.JSON(http.StatusOK, out)
	}

	return s.streamMessages(c, gw, req, upstreamReq)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return toAPIError(fmt.Errorf("%w: request body is required", transcode.ErrValidation))
		}
		return toAPIError(fmt.Errorf("%w: %v", transcode.ErrValidation, err))
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return toAPIError(fmt.Errorf("%w: request body must contain a single JSON object", transcode.ErrValidation))
	}
	return nil
}

// extractAuthToken accepts the token forms native clients send: a Bearer
// header, an x-api-key prefixed Authorization header, a bare Authorization
// value, or the x-api-key header.
func extractAuthToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
		if token, ok := strings.CutPrefix(header, "x-api-key "); ok {
			return token
		}
		return header
	}
	return r.Header.Get("x-api-key")
}

// apiError pairs an Anthropic error object with its HTTP status.
type apiError struct {
	Status int
	Object anthropic.APIError
}

func (e apiError) Error() string {
	return e.Object.Message
}

func toAPIError(err error) apiError {
	obj, status := transcode.MapError(err)
	return apiError{Status: status, Object: obj}
}

func writeError(c echo.Context, status int, obj anthropic.APIError) error {
	return c.JSON(status, anthropic.NewErrorResponse(obj.Type, obj.Message))
}

func anthropicErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr apiError
	if errors.As(err, &apiErr) {
		_ = writeError(c, apiErr.Status, apiErr.Object)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		errType := transcode.TypeInvalidRequest
		if echoErr.Code == http.StatusNotFound {
			errType = transcode.TypeNotFound
		}
		_ = writeError(c, echoErr.Code, anthropic.APIError{
			Type:    errType,
			Message: fmt.Sprintf("%v", echoErr.Message),
		})
		return
	}

	_ = writeError(c, http.StatusInternalServerError, anthropic.APIError{
		Type:    transcode.TypeAPIError,
		Message: "internal server error",
	})
}

func writeSSEEvent(w io.Writer, event anthropic.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.EventName()); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
