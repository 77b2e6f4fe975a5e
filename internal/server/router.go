// Package server exposes the tile cache over HTTP: stored tiles for the
// offline address space, plus layer, seeding and inventory control.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"tilecache/internal/engine"
)

type Server struct {
	engine *engine.Engine
	router *gin.Engine
	log    *log.Entry
}

func New(e *engine.Engine) *Server {
	s := &Server{engine: e, log: log.WithField("component", "server")}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/tiles/*key", s.tile)

	r.GET("/layers", s.layers)
	r.GET("/layers/:name/tiles/:z/:x/:y", s.tileURL)
	r.PUT("/layers/:name/mode", s.setMode)
	r.PUT("/layers/mode", s.setAllModes)

	r.POST("/seed", s.seed)
	r.GET("/seed", s.sessions)
	r.GET("/seed/:id", s.session)
	r.POST("/seed/:id/pause", s.pause)
	r.POST("/seed/:id/resume", s.resume)
	r.DELETE("/seed/:id", s.cancel)

	r.GET("/usage", s.usageAll)
	r.GET("/usage/:name", s.usage)
	r.DELETE("/cache", s.clearAll)
	r.DELETE("/cache/:name", s.clear)
	return r
}

// Handler is the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(l *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.WithFields(log.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"ip":      c.ClientIP(),
			"latency": time.Since(start),
			"size":    c.Writer.Size(),
		}).Debug("request")
	}
}
