// Package server is the gin adapter that exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/logger"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// ErrBind is returned by Start when the listen address cannot be bound.
var ErrBind = errors.New("failed to bind listen address")

type Server struct {
	listenAddr string
	ginEngine  *gin.Engine
	inner      *http.Server
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, l *zap.Logger) (*Server, error) {
	gin.SetMode(getGinMode(cfg.Environment))
	r := gin.New()

	r.Use(logger.SetLogger(
		logger.WithUTC(true),
		logger.WithSkipPath([]string{"/healthz"}),
	))

	r.Use(cors.New(
		cors.Config{
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowOrigins:     []string{"*"},
			AllowHeaders:     []string{"*"},
			ExposeHeaders:    []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		},
	))

	if cfg.DisableAPICache {
		r.Use(noCache)
	}
	if cfg.PublicDir != "" {
		r.Use(static.Serve("/", static.LocalFile(cfg.PublicDir, true)))
	}
	r.Use(gin.Recovery())

	if l == nil {
		l = zap.NewNop()
	}
	addr := cfg.ListenAddr()
	return &Server{
		listenAddr: addr,
		ginEngine:  r,
		logger:     l.Named("server"),
		inner: &http.Server{
			Handler:           r,
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler exposes the engine for httptest.
func (s *Server) Handler() http.Handler {
	return s.ginEngine
}

// Start binds the listen address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrBind, s.listenAddr, err)
	}

	s.logger.Info("listening", zap.String("addr", s.listenAddr))
	if err := s.inner.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.logger.Info("stopping server")
	return s.inner.Shutdown(ctx)
}

func noCache(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Next()
}

func getGinMode(env string) string {
	switch env {
	case config.EnvDev:
		return gin.DebugMode
	case config.EnvTest:
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
