// Package api implements the gateway's HTTP surface: /execute, /files,
// /files/export, /release, /status.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/codeinterp/gateway/internal/auth"
	"github.com/codeinterp/gateway/internal/metrics"
	"github.com/codeinterp/gateway/internal/pool"
)

// Server wires the worker pool to echo routes.
type Server struct {
	echo                *echo.Echo
	pool                *pool.Pool
	maxFileSizeBytes    int64
	maxExecutionTimeout time.Duration
}

// Options configures the HTTP surface.
type Options struct {
	AuthToken           string
	CORSAllowedOrigins  []string
	MaxFileSizeBytes    int64
	MaxExecutionTimeout time.Duration
}

// NewServer builds the echo app and registers every route.
func NewServer(p *pool.Pool, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	if len(opts.CORSAllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.CORSAllowedOrigins,
		}))
	}
	e.Use(metrics.EchoMiddleware())

	s := &Server{
		echo:                e,
		pool:                p,
		maxFileSizeBytes:    opts.MaxFileSizeBytes,
		maxExecutionTimeout: opts.MaxExecutionTimeout,
	}

	e.GET("/status", s.status) // public, exempt from auth per spec

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	authed := e.Group("")
	authed.Use(auth.TokenMiddleware(opts.AuthToken))
	authed.POST("/execute", s.execute)
	authed.POST("/files", s.uploadFiles)
	authed.DELETE("/files", s.deleteFiles)
	authed.POST("/files/export", s.exportFiles)
	authed.POST("/release", s.release)

	return s
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the HTTP server.
func (s *Server) Close() error {
	return s.echo.Close()
}

func errJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
