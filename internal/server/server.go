// Package server wires the flow engine to HTTP: routing, request
// logging, rate limiting, and error-to-status translation.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"acs/internal/acs"
	"acs/internal/config"
)

const serviceName = "3ds-mock-server"

type Server struct {
	engine *gin.Engine
	http   *http.Server
	log    *zap.Logger
}

func New(cfg *config.Config, svc *acs.Service, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	if cfg.Performance.RateLimitPerSecond > 0 {
		engine.Use(rateLimiter(cfg.Performance.RateLimitPerSecond))
	}

	s := &Server{
		engine: engine,
		log:    log,
		http: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  time.Duration(cfg.Performance.ClientTimeoutMs) * time.Millisecond,
			WriteTimeout: time.Duration(cfg.Performance.ClientTimeoutMs) * time.Millisecond,
			IdleTimeout:  time.Duration(cfg.Performance.KeepAliveSeconds) * time.Second,
		},
	}

	h := &handlers{svc: svc, log: log}
	engine.GET("/health", h.health)
	engine.POST("/3ds/version", h.version)
	engine.POST("/3ds/authenticate", h.authenticate)
	engine.POST("/3ds/results", h.results)
	engine.POST("/3ds/final", h.final)
	engine.POST("/challenge", h.mobileChallenge)
	engine.POST("/processor/mock/acs/trigger-otp", h.triggerOTP)
	engine.POST("/processor/mock/acs/verify-otp", h.verifyOTP)

	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.log.Info("server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// requestLogger logs one line per request after it completes.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// rateLimiter smooths request admission to the configured rate.
// Take blocks, so bursts queue instead of failing.
func rateLimiter(perSecond int) gin.HandlerFunc {
	rl := ratelimit.New(perSecond)
	return func(c *gin.Context) {
		rl.Take()
		c.Next()
	}
}
