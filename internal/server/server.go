// Package server implements the HTTP file server that exposes directory
// listings, file downloads and streaming archives.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/dirstream"
	"github.com/meigma/dirstream/internal/config"
	"github.com/meigma/dirstream/internal/metrics"
)

// Server serves one directory tree.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	rootPath string
	root     *os.Root
	route    string
	single   string // name of the served file when the root is a file
	formats  map[dirstream.Format]bool
	archive  []dirstream.Option
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a server for cfg. Metrics are registered with reg when
// enabled. The caller must Close the server.
func New(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*Server, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	formats, err := cfg.EnabledFormats()
	if err != nil {
		return nil, err
	}

	route, err := cfg.RoutePrefix()
	if err != nil {
		return nil, err
	}
	if route == "" && cfg.RandomRoute {
		route = "/" + randomRoute()
	}

	rootPath, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	var single string
	if info, err := os.Stat(rootPath); err == nil && info.Mode().IsRegular() {
		rootPath, single = filepath.Split(rootPath)
		rootPath = filepath.Clean(rootPath)
	}
	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, fmt.Errorf("open root: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		cfg:      cfg,
		rootPath: rootPath,
		root:     root,
		route:    route,
		single:   single,
		formats:  formats,
		archive:  cfg.ArchiveOptions(),
		logger:   logger,
	}
	if cfg.Metrics.Enabled && reg != nil {
		s.metrics = metrics.New(reg)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			)
			return nil
		},
	}))
	e.Use(s.metrics.EchoMiddleware())
	if cfg.Auth.Username != "" {
		e.Use(middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/healthz"
			},
			Validator: s.checkCredentials,
			Realm:     "dirstream",
		}))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))
	}
	if route == "" {
		e.GET("/*", s.serve)
		e.HEAD("/*", s.serve)
	} else {
		for _, path := range []string{route, route + "/*"} {
			e.GET(path, s.serve)
			e.HEAD(path, s.serve)
		}
	}

	if cfg.Index != "" && single == "" {
		if _, err := root.Stat(filepath.FromSlash(cfg.Index)); err != nil {
			logger.Warn("index file not found in root", "index", cfg.Index, "error", err)
		}
	}
	return s, nil
}

// Route returns the path prefix files are served under, "" for "/".
func (s *Server) Route() string {
	return s.route
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until the server
// stops. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("serving directory", "root", s.rootPath, "addr", s.cfg.Addr, "route", s.route+"/")
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
// Archive streams in progress are canceled when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Close releases the served root.
func (s *Server) Close() error {
	return s.root.Close()
}

func (s *Server) checkCredentials(user, pass string, _ echo.Context) (bool, error) {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth.Password)) == 1
	return userOK && passOK, nil
}

// randomRoute returns a short unguessable path element.
func randomRoute() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// requestLogger returns the server logger annotated with the request ID.
func (s *Server) requestLogger(c echo.Context) *slog.Logger {
	id := c.Response().Header().Get(echo.HeaderXRequestID)
	if id == "" {
		return s.logger
	}
	return s.logger.With("request_id", id)
}

// statusFor maps a path resolution error to a response.
func statusFor(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, errInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid path")
	case errors.Is(err, fs.ErrPermission):
		return echo.NewHTTPError(http.StatusForbidden)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, errSymlink):
		return echo.NewHTTPError(http.StatusNotFound)
	}
	// os.Root reports links that leave the tree as plain path errors.
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return echo.NewHTTPError(http.StatusNotFound).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
}
