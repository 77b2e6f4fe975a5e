package server

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/maptile"

	"tilecache/internal/cacheerr"
	"tilecache/internal/layer"
	"tilecache/internal/metrics"
	"tilecache/internal/storage"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, code int, message string, data any) {
	c.JSON(code, response{Success: code < 400, Message: message, Data: data})
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	respond(c, code, err.Error(), nil)
}

func statusOf(err error) int {
	switch {
	case cacheerr.IsValidation(err):
		return http.StatusBadRequest
	case cacheerr.IsQuota(err):
		return http.StatusUnprocessableEntity
	case cacheerr.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, "OK")
}

func contentType(key string) string {
	switch ext := path.Ext(key); ext {
	case ".pbf":
		return "application/x-protobuf"
	case ".webp":
		return "image/webp"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

func (s *Server) tile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	data, err := s.engine.ReadTile(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.ServedTiles.WithLabelValues("miss").Inc()
		}
		s.fail(c, err)
		return
	}
	metrics.ServedTiles.WithLabelValues("hit").Inc()
	c.Header("Cache-Control", "public, max-age=604800")
	c.Data(http.StatusOK, contentType(key), data)
}

func (s *Server) layers(c *gin.Context) {
	respond(c, http.StatusOK, "ok", s.engine.Layers())
}

func (s *Server) tileURL(c *gin.Context) {
	var coords [3]uint32
	for i, name := range []string{"z", "x", "y"} {
		v, err := strconv.ParseUint(c.Param(name), 10, 32)
		if err != nil {
			s.fail(c, cacheerr.Invalid(name, "%q is not a tile coordinate", c.Param(name)))
			return
		}
		coords[i] = uint32(v)
	}
	t := maptile.New(coords[1], coords[2], maptile.Zoom(coords[0]))
	name := c.Param("name")
	url, err := s.engine.URL(name, t)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ok", gin.H{"layer": name, "url": url})
}

type modeBody struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) bindMode(c *gin.Context) (layer.Mode, bool) {
	var body modeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, cacheerr.Invalid("mode", "%v", err))
		return layer.Online, false
	}
	m, err := layer.ParseMode(body.Mode)
	if err != nil {
		s.fail(c, err)
		return layer.Online, false
	}
	return m, true
}

func (s *Server) setMode(c *gin.Context) {
	m, ok := s.bindMode(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := s.engine.SetMode(name, m); err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "layer "+name+" is "+m.String(), nil)
}

func (s *Server) setAllModes(c *gin.Context) {
	m, ok := s.bindMode(c)
	if !ok {
		return
	}
	if err := s.engine.SetAllModes(m); err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "all layers are "+m.String(), nil)
}

func (s *Server) usage(c *gin.Context) {
	u, err := s.engine.Usage(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, u.String(), u)
}

func (s *Server) usageAll(c *gin.Context) {
	pool, err := s.engine.UsageAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, pool.Total.String(), pool)
}

func (s *Server) clear(c *gin.Context) {
	name := c.Param("name")
	if err := s.engine.Clear(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "layer "+name+" cleared", nil)
}

func (s *Server) clearAll(c *gin.Context) {
	if err := s.engine.ClearAll(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "cache cleared", nil)
}
