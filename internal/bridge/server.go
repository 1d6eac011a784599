// Package bridge serves the notification state to the dashboard UI over a
// local HTTP API and a WebSocket stream.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/cargoline/opsdash/internal/feed"
	"github.com/cargoline/opsdash/internal/logger"
)

const DefaultAddr = "127.0.0.1:8787"

// Service is what the bridge needs from the session manager.
type Service interface {
	Snapshot() feed.Snapshot
	Refresh(ctx context.Context) error
	MarkAsRead(ctx context.Context, id string) error
	SetCredential(ctx context.Context, credential string)
	Subscribe(fn func(feed.Snapshot)) func()
	Active() bool
}

// Options configures a Server.
type Options struct {
	Addr           string
	AllowedOrigins []string

	// StreamPingInterval is how often stream clients are pinged. Defaults to 25s.
	StreamPingInterval time.Duration
}

// Server is the local bridge.
type Server struct {
	service Service
	logger  *logger.Logger
	opts    Options

	engine  *gin.Engine
	handler http.Handler
	http    *http.Server

	// closing is canceled by Shutdown to end open streams.
	closing context.Context
	close   context.CancelFunc
}

// New builds the bridge and its routes.
func New(service Service, opts Options, log *logger.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.StreamPingInterval <= 0 {
		opts.StreamPingInterval = 25 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}

	s := &Server{
		service: service,
		logger:  log.WithComponent("bridge"),
		opts:    opts,
		engine:  gin.New(),
	}
	s.closing, s.close = context.WithCancel(context.Background())

	s.engine.Use(gin.Recovery(), requestLogger(s.logger))
	s.routes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposedHeaders: []string{ResyncedHeader, "X-Request-ID"},
	}).Handler(s.engine)

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": s.service.Active()})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	{
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.getSnapshot)
			notifications.POST("/refresh", s.refresh)
			notifications.PATCH("/:id/read", s.markAsRead)
			notifications.GET("/stream", s.stream)
		}

		sessions := api.Group("/session")
		{
			sessions.PUT("/credential", s.putCredential)
			sessions.DELETE("/credential", s.deleteCredential)
		}
	}
}

// Handler returns the fully wrapped HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge listen on %s: %w", s.opts.Addr, err)
	}
	return nil
}

// Shutdown ends open streams, stops accepting requests and waits for active
// ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.close()
	return s.http.Shutdown(ctx)
}

// originAllowed mirrors the CORS policy for WebSocket upgrades, which the
// CORS middleware does not cover.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
